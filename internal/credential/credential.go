// Package credential obtains and validates the per-attempt session credential.
package credential

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
	"github.com/clinicflow/videoconsult/internal/failure"
)

// Acquirer fetches a fresh credential from the issuer for every connection
// attempt. It never retries on its own.
type Acquirer struct {
	issuer domain.CredentialIssuer
	now    func() time.Time
	issued atomic.Int64
}

// NewAcquirer returns an Acquirer backed by issuer.
func NewAcquirer(issuer domain.CredentialIssuer) *Acquirer {
	return &Acquirer{issuer: issuer, now: time.Now}
}

// SetClock overrides the time source used for expiry checks.
func (a *Acquirer) SetClock(now func() time.Time) {
	a.now = now
}

// Issued is the number of credentials handed out so far.
func (a *Acquirer) Issued() int64 {
	return a.issued.Load()
}

// Acquire requests a credential for the appointment and validates it.
// Validation failures are returned as *failure.Error with reason
// invalid_token, invalid_room or expired_token.
func (a *Acquirer) Acquire(ctx context.Context, appointmentID uuid.UUID) (domain.SessionCredential, error) {
	cred, err := a.issuer.IssueCredential(ctx, appointmentID)
	if err != nil {
		return domain.SessionCredential{}, fmt.Errorf("issue credential: %w", err)
	}

	if err := Validate(&cred, a.now()); err != nil {
		log.Warn().
			Str("module", "credential").
			Str("appointment", appointmentID.String()).
			Err(err).
			Msg("credential rejected")
		return domain.SessionCredential{}, err
	}

	a.issued.Add(1)
	log.Debug().
		Str("module", "credential").
		Str("appointment", appointmentID.String()).
		Str("room", cred.RoomName).
		Bool("recording", cred.RecordingRequired).
		Msg("credential acquired")
	return cred, nil
}

// Validate checks token, room and expiry in that order. When ExpiresAt is
// unset and the token is a JWT with an exp claim, the claim fills it in.
func Validate(cred *domain.SessionCredential, now time.Time) error {
	if n := len(strings.TrimSpace(cred.AccessToken)); n < domain.MinTokenLength {
		return failure.New(failure.InvalidToken,
			fmt.Errorf("access token has %d non-blank characters, need at least %d", n, domain.MinTokenLength))
	}
	if strings.TrimSpace(cred.RoomName) == "" {
		return failure.New(failure.InvalidRoom, fmt.Errorf("room name is blank"))
	}

	if cred.ExpiresAt == nil {
		cred.ExpiresAt = tokenExpiry(cred.AccessToken)
	}
	if cred.ExpiresAt != nil && !cred.ExpiresAt.After(now) {
		return failure.New(failure.ExpiredToken,
			fmt.Errorf("credential expired at %s", cred.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// provider verifies the token itself.
func tokenExpiry(token string) *time.Time {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}
