package session

import "github.com/clinicflow/videoconsult/internal/failure"

// Phase is the active connection phase.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseFailed       Phase = "failed"
)

// State is the connection state. Reason is set only in PhaseFailed.
type State struct {
	Phase  Phase          `json:"phase"`
	Reason failure.Reason `json:"reason,omitempty"`
}

// String renders the status as shown to callers, e.g. "failed:room_ended".
func (s State) String() string {
	if s.Phase == PhaseFailed {
		return string(s.Phase) + ":" + string(s.Reason)
	}
	return string(s.Phase)
}

// Active reports whether an attempt or a session is in progress.
func (s State) Active() bool {
	return s.Phase == PhaseConnecting || s.Phase == PhaseConnected
}
