// Package localmedia owns the mute and camera toggles of the local user.
package localmedia

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
)

// Controller flips the local media flags and applies them to the bound
// local participant's tracks. It never touches the connection itself.
type Controller struct {
	mu    sync.Mutex
	state domain.LocalMediaState
	local domain.LocalParticipant
}

// New returns a controller with audio and video on.
func New() *Controller {
	return &Controller{}
}

// Bind attaches the controller to a connected local participant and applies
// the current flags to its tracks.
func (c *Controller) Bind(lp domain.LocalParticipant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = lp
	if lp == nil {
		return
	}
	for _, t := range lp.Tracks() {
		c.applyLocked(t)
	}
}

// Unbind drops the local participant; flags are kept for the next session.
func (c *Controller) Unbind() {
	c.mu.Lock()
	c.local = nil
	c.mu.Unlock()
}

// Apply brings a newly published local track in line with the flags.
func (c *Controller) Apply(t domain.LocalTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(t)
}

// ToggleAudio flips the microphone mute flag.
func (c *Controller) ToggleAudio() domain.LocalMediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.AudioMuted = !c.state.AudioMuted
	c.applyKindLocked(domain.TrackAudio)
	log.Info().Str("module", "localmedia").Bool("audio_muted", c.state.AudioMuted).Msg("audio toggled")
	return c.state
}

// ToggleVideo flips the camera-off flag.
func (c *Controller) ToggleVideo() domain.LocalMediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.VideoOff = !c.state.VideoOff
	c.applyKindLocked(domain.TrackVideo)
	log.Info().Str("module", "localmedia").Bool("video_off", c.state.VideoOff).Msg("video toggled")
	return c.state
}

// State returns the current flags.
func (c *Controller) State() domain.LocalMediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) applyKindLocked(kind domain.TrackKind) {
	if c.local == nil {
		return
	}
	for _, t := range c.local.Tracks() {
		if t.Kind() == kind {
			c.applyLocked(t)
		}
	}
}

func (c *Controller) applyLocked(t domain.LocalTrack) {
	var off bool
	switch t.Kind() {
	case domain.TrackAudio:
		off = c.state.AudioMuted
	case domain.TrackVideo:
		off = c.state.VideoOff
	default:
		return
	}
	if off && t.Enabled() {
		t.Disable()
	} else if !off && !t.Enabled() {
		t.Enable()
	}
}
