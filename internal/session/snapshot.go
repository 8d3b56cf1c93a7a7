package session

import (
	"github.com/clinicflow/videoconsult/internal/domain"
	"github.com/clinicflow/videoconsult/internal/failure"
)

// Snapshot is everything a UI needs to render the consultation screen.
type Snapshot struct {
	Status       string                   `json:"status"`
	Phase        Phase                    `json:"phase"`
	Reason       failure.Reason           `json:"reason,omitempty"`
	Message      string                   `json:"message,omitempty"`
	CanRetry     bool                     `json:"canRetry"`
	Room         string                   `json:"room,omitempty"`
	Participants []domain.ParticipantView `json:"participants"`
	LocalMedia   domain.LocalMediaState   `json:"localMedia"`
	Consent      *domain.ConsentRecord    `json:"consent,omitempty"`
}

// Snapshot returns a consistent view of the session for display.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	state := c.state
	room := c.roomName
	closed := c.closed
	c.mu.Unlock()

	s := Snapshot{
		Status:       state.String(),
		Phase:        state.Phase,
		Reason:       state.Reason,
		Room:         room,
		Participants: c.registry.Snapshot(),
		LocalMedia:   c.media.State(),
		Consent:      c.gate.Cached(),
	}
	switch state.Phase {
	case PhaseFailed:
		s.Message = state.Reason.Message()
		s.CanRetry = !closed && state.Reason.Retryable()
	case PhaseIdle, PhaseDisconnected:
		s.CanRetry = !closed
	}
	return s
}
