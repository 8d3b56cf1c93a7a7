// Package consent decides whether the caller may join a consultation.
package consent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
	"github.com/clinicflow/videoconsult/internal/failure"
)

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	Reason  failure.Reason
}

var allowed = Decision{Allowed: true}

// Gate checks telehealth consent for patients and caches the fetched record
// for the recording consent cross-check.
type Gate struct {
	svc domain.ConsentService

	mu     sync.Mutex
	cached *domain.ConsentRecord
}

// NewGate returns a Gate backed by svc.
func NewGate(svc domain.ConsentService) *Gate {
	return &Gate{svc: svc}
}

// Check decides whether id may proceed. Only patients are gated. A fetch
// error that is not the not-applicable signal is returned for classification.
func (g *Gate) Check(ctx context.Context, id domain.Identity) (Decision, error) {
	if id.Role != domain.RolePatient {
		return allowed, nil
	}

	rec, err := g.svc.TelehealthConsent(ctx)
	if errors.Is(err, domain.ErrConsentNotApplicable) {
		log.Debug().Str("module", "consent").Str("role", string(id.Role)).Msg("consent not applicable")
		return allowed, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("fetch consent: %w", err)
	}

	g.store(rec)

	if !rec.TelehealthConsent {
		log.Info().Str("module", "consent").Msg("telehealth consent missing")
		return Decision{Reason: failure.ConsentMissing}, nil
	}
	return allowed, nil
}

// Refresh re-fetches the record, e.g. after consent was given elsewhere.
func (g *Gate) Refresh(ctx context.Context) (*domain.ConsentRecord, error) {
	rec, err := g.svc.TelehealthConsent(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh consent: %w", err)
	}
	g.store(rec)
	return g.Cached(), nil
}

// Cached returns a copy of the last fetched record, or nil.
func (g *Gate) Cached() *domain.ConsentRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cached == nil {
		return nil
	}
	rec := *g.cached
	return &rec
}

// Reset forgets the cached record.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.cached = nil
	g.mu.Unlock()
}

func (g *Gate) store(rec domain.ConsentRecord) {
	g.mu.Lock()
	g.cached = &rec
	g.mu.Unlock()
}

// RecordingPermitted reports whether a credential that may require recording
// can be used by role given the cached consent record. A patient with no
// record on file is treated as not having given recording consent.
func RecordingPermitted(cred domain.SessionCredential, role domain.Role, rec *domain.ConsentRecord) bool {
	if !cred.RecordingRequired || role != domain.RolePatient {
		return true
	}
	return rec != nil && rec.RecordingConsent
}
