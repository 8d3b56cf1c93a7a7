// Package session drives one video consultation from consent check to
// teardown. Every state change goes through Controller.dispatch.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/consent"
	"github.com/clinicflow/videoconsult/internal/credential"
	"github.com/clinicflow/videoconsult/internal/domain"
	"github.com/clinicflow/videoconsult/internal/failure"
	"github.com/clinicflow/videoconsult/internal/localmedia"
	"github.com/clinicflow/videoconsult/internal/registry"
)

var (
	ErrClosed         = errors.New("session closed")
	ErrNotRestartable = errors.New("session already connecting or connected")
	ErrAbandoned      = errors.New("connection attempt abandoned")
	ErrDisconnected   = errors.New("session ended before start returned")
)

// Deps are the collaborators a Controller needs.
type Deps struct {
	Identity    domain.IdentityService
	Gate        *consent.Gate
	Credentials *credential.Acquirer
	Provider    domain.MediaProvider
	Sink        domain.AttachmentSink
}

// Controller is the connection lifecycle manager for one appointment.
type Controller struct {
	appointmentID uuid.UUID
	identitySvc   domain.IdentityService
	gate          *consent.Gate
	creds         *credential.Acquirer
	provider      domain.MediaProvider
	sink          domain.AttachmentSink
	registry      *registry.Registry
	media         *localmedia.Controller

	mu         sync.Mutex
	state      State
	lastErr    *failure.Error
	attempt    uuid.UUID
	cancel     context.CancelFunc
	lease      *lease
	roomName   string
	localOwner string
	localVideo domain.Track
	closed     bool
	observers  []func(State)
	pending    []transition
	notifying  bool
}

// New returns an idle controller for the appointment.
func New(appointmentID uuid.UUID, deps Deps) *Controller {
	return &Controller{
		appointmentID: appointmentID,
		identitySvc:   deps.Identity,
		gate:          deps.Gate,
		creds:         deps.Credentials,
		provider:      deps.Provider,
		sink:          deps.Sink,
		registry:      registry.New(deps.Sink),
		media:         localmedia.New(),
		state:         State{Phase: PhaseIdle},
	}
}

type transition struct {
	event    string
	from, to State
}

// effects run after dispatch has released the lock.
type effects struct {
	release *lease
	run     []func()
}

func (c *Controller) dispatch(ev event) error {
	var fx effects

	c.mu.Lock()
	prev := c.state
	err := c.apply(ev, &fx)
	if c.state != prev {
		c.pending = append(c.pending, transition{event: ev.name(), from: prev, to: c.state})
	}
	c.mu.Unlock()

	fx.release.Release()
	c.notify()
	for _, fn := range fx.run {
		fn()
	}
	return err
}

// notify delivers queued transitions to observers in the order they were
// applied. One goroutine delivers at a time; transitions queued meanwhile,
// including by observers and effects, are picked up by that goroutine.
func (c *Controller) notify() {
	c.mu.Lock()
	if c.notifying {
		c.mu.Unlock()
		return
	}
	c.notifying = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		observers := slices.Clone(c.observers)
		c.mu.Unlock()

		for _, tr := range batch {
			log.Info().
				Str("module", "session").
				Str("event", tr.event).
				Str("from", tr.from.String()).
				Str("to", tr.to.String()).
				Msg("state changed")
			for _, fn := range observers {
				fn(tr.to)
			}
		}

		c.mu.Lock()
	}
	c.notifying = false
	c.mu.Unlock()
}

func (c *Controller) apply(ev event, fx *effects) error {
	switch ev := ev.(type) {
	case startRequested:
		if c.closed {
			return ErrClosed
		}
		if c.state.Active() {
			return ErrNotRestartable
		}
		c.attempt = ev.attempt
		c.cancel = ev.cancel
		c.lastErr = nil
		c.state = State{Phase: PhaseConnecting}

	case attemptFailed:
		if !c.current(ev.attempt, PhaseConnecting) {
			return ErrAbandoned
		}
		c.stopAttemptLocked()
		c.lastErr = ev.err
		c.state = State{Phase: PhaseFailed, Reason: ev.err.Reason}

	case attemptCanceled:
		if !c.current(ev.attempt, PhaseConnecting) {
			return ErrAbandoned
		}
		c.stopAttemptLocked()
		c.state = State{Phase: PhaseIdle}

	case connected:
		if !c.current(ev.attempt, PhaseConnecting) {
			// Obtained after leave or unmount: still ours to disconnect.
			fx.release = newLease(ev.room)
			return ErrAbandoned
		}
		c.lease = newLease(ev.room)
		c.roomName = ev.room.Name()
		c.state = State{Phase: PhaseConnected}
		c.media.Bind(ev.room.LocalParticipant())
		attempt, room := ev.attempt, ev.room
		fx.run = append(fx.run, func() { c.watch(attempt, room) })

	case participantJoined:
		if !c.current(ev.attempt, PhaseConnected) {
			return ErrAbandoned
		}
		c.registry.OnParticipantJoined(ev.participant)

	case participantLeft:
		if !c.current(ev.attempt, PhaseConnected) {
			return ErrAbandoned
		}
		c.registry.OnParticipantLeft(ev.participant.Identity())

	case trackSubscribed:
		if !c.current(ev.attempt, PhaseConnected) {
			return ErrAbandoned
		}
		c.registry.OnTrackSubscribed(ev.owner, ev.track)

	case trackUnsubscribed:
		if !c.current(ev.attempt, PhaseConnected) {
			return ErrAbandoned
		}
		c.registry.OnTrackUnsubscribed(ev.owner, ev.track)

	case localTrackPublished:
		if !c.current(ev.attempt, PhaseConnected) {
			return ErrAbandoned
		}
		c.media.Apply(ev.track)
		if ev.track.Kind() == domain.TrackVideo {
			c.attachLocalVideoLocked(ev.owner, ev.track)
		}

	case providerDisconnected:
		if !c.current(ev.attempt, PhaseConnected) {
			return ErrAbandoned
		}
		if ev.err != nil {
			log.Warn().Str("module", "session").Err(ev.err).Msg("provider dropped the session")
		}
		fx.release = c.teardownLocked()
		c.state = State{Phase: PhaseDisconnected}

	case leaveRequested:
		if c.state.Active() {
			fx.release = c.teardownLocked()
			c.state = State{Phase: PhaseDisconnected}
		}

	case teardown:
		c.closed = true
		if c.state.Active() {
			fx.release = c.teardownLocked()
			c.state = State{Phase: PhaseDisconnected}
		}

	default:
		return fmt.Errorf("unhandled event %T", ev)
	}
	return nil
}

func (c *Controller) current(attempt uuid.UUID, phase Phase) bool {
	return !c.closed && attempt == c.attempt && c.state.Phase == phase
}

func (c *Controller) connectedOn(attempt uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current(attempt, PhaseConnected)
}

func (c *Controller) stopAttemptLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// teardownLocked empties the registry, unbinds local media and hands the
// room lease back to dispatch for release outside the lock.
func (c *Controller) teardownLocked() *lease {
	c.stopAttemptLocked()
	c.registry.Clear()
	if c.localVideo != nil {
		if err := c.sink.Detach(c.localOwner, c.localVideo); err != nil {
			log.Debug().Str("module", "session").Err(err).Msg("detach local video")
		}
		c.localVideo = nil
	}
	c.media.Unbind()
	l := c.lease
	c.lease = nil
	c.roomName = ""
	return l
}

func (c *Controller) attachLocalVideoLocked(owner string, t domain.Track) {
	if c.localVideo != nil {
		if c.localVideo.SID() == t.SID() {
			return
		}
		if err := c.sink.Detach(c.localOwner, c.localVideo); err != nil {
			log.Debug().Str("module", "session").Err(err).Msg("detach previous local video")
		}
		c.localVideo = nil
	}
	if err := c.sink.Attach(owner, t); err != nil {
		log.Error().Str("module", "session").Str("sid", t.SID()).Err(err).Msg("attach local video")
		return
	}
	c.localOwner = owner
	c.localVideo = t
}

// watch registers room listeners and replays what the room already holds
// through the same paths as live events.
func (c *Controller) watch(attempt uuid.UUID, room domain.RoomHandle) {
	room.OnParticipantConnected(func(p domain.RemoteParticipant) {
		c.watchParticipant(attempt, p)
	})
	room.OnParticipantDisconnected(func(p domain.RemoteParticipant) {
		_ = c.dispatch(participantLeft{attempt: attempt, participant: p})
	})
	room.OnDisconnected(func(err error) {
		_ = c.dispatch(providerDisconnected{attempt: attempt, err: err})
	})

	if lp := room.LocalParticipant(); lp != nil {
		owner := lp.Identity()
		lp.OnTrackPublished(func(t domain.LocalTrack) {
			_ = c.dispatch(localTrackPublished{attempt: attempt, owner: owner, track: t})
		})
		for _, t := range lp.Tracks() {
			_ = c.dispatch(localTrackPublished{attempt: attempt, owner: owner, track: t})
		}
	}

	for _, p := range room.RemoteParticipants() {
		c.watchParticipant(attempt, p)
	}
}

// watchParticipant subscribes to p's track events before registering p, so
// a track arriving in between is still seen by one of the two paths.
func (c *Controller) watchParticipant(attempt uuid.UUID, p domain.RemoteParticipant) {
	owner := p.Identity()
	p.OnTrackSubscribed(func(t domain.Track) {
		_ = c.dispatch(trackSubscribed{attempt: attempt, owner: owner, track: t})
	})
	p.OnTrackUnsubscribed(func(t domain.Track) {
		_ = c.dispatch(trackUnsubscribed{attempt: attempt, owner: owner, track: t})
	})
	_ = c.dispatch(participantJoined{attempt: attempt, participant: p})
}

// Start runs one connection attempt: consent, credential, recording
// cross-check, then connect. It returns nil once connected, the classified
// *failure.Error when the attempt fails, ErrAbandoned when Leave or Close
// overtook it, and ErrDisconnected when the room closed as it was handed over.
func (c *Controller) Start(ctx context.Context) error {
	attempt, actx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	return c.run(ctx, actx, attempt)
}

// StartAsync registers a new attempt and runs it in the background. It
// fails right away with ErrNotRestartable or ErrClosed; otherwise the
// result Start would return is delivered on the channel.
func (c *Controller) StartAsync(ctx context.Context) (<-chan error, error) {
	attempt, actx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- c.run(ctx, actx, attempt)
	}()
	return done, nil
}

func (c *Controller) begin(ctx context.Context) (uuid.UUID, context.Context, error) {
	attempt := uuid.New()
	actx, cancel := context.WithCancel(ctx)
	if err := c.dispatch(startRequested{attempt: attempt, cancel: cancel}); err != nil {
		cancel()
		return uuid.Nil, nil, err
	}
	return attempt, actx, nil
}

func (c *Controller) run(ctx, actx context.Context, attempt uuid.UUID) error {
	logger := log.With().
		Str("module", "session").
		Str("appointment", c.appointmentID.String()).
		Str("attempt", attempt.String()).
		Logger()

	room, err := c.establish(actx, &logger)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			if derr := c.dispatch(attemptCanceled{attempt: attempt}); derr != nil {
				return derr
			}
			return ctx.Err()
		}
		fe := failure.Classify(err)
		if derr := c.dispatch(attemptFailed{attempt: attempt, err: fe}); derr != nil {
			return derr
		}
		logger.Warn().Str("reason", string(fe.Reason)).Str("detail", fe.Detail).Msg("connection attempt failed")
		return fe
	}

	if err := c.dispatch(connected{attempt: attempt, room: room}); err != nil {
		logger.Info().Msg("room obtained after attempt was abandoned; disconnected")
		return err
	}
	// The room may already be gone by the time its listeners are registered.
	if !c.connectedOn(attempt) {
		logger.Warn().Str("status", c.Status()).Msg("room closed right after connecting")
		return ErrDisconnected
	}
	logger.Info().Str("room", room.Name()).Msg("connected")
	return nil
}

func (c *Controller) establish(ctx context.Context, logger *zerolog.Logger) (domain.RoomHandle, error) {
	id, err := c.identitySvc.CurrentIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("identify caller: %w", err)
	}
	logger.Debug().Str("role", string(id.Role)).Msg("caller identified")

	c.gate.Reset()
	decision, err := c.gate.Check(ctx, id)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, failure.New(decision.Reason, nil)
	}

	cred, err := c.creds.Acquire(ctx, c.appointmentID)
	if err != nil {
		return nil, err
	}

	if !consent.RecordingPermitted(cred, id.Role, c.gate.Cached()) {
		return nil, failure.New(failure.RecordingConsentRequired, nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Debug().Str("room", cred.RoomName).Msg("connecting to media provider")
	room, err := c.provider.Connect(ctx, cred.AccessToken, cred.RoomName, domain.DefaultConstraints())
	if err != nil {
		return nil, fmt.Errorf("connect to room %s: %w", cred.RoomName, err)
	}
	return room, nil
}

// Leave disconnects an active session or abandons an in-flight attempt.
func (c *Controller) Leave() {
	_ = c.dispatch(leaveRequested{})
}

// Close tears down everything and refuses further starts.
func (c *Controller) Close() {
	_ = c.dispatch(teardown{})
}

// ToggleAudio flips the microphone mute flag. It never affects the connection.
func (c *Controller) ToggleAudio() domain.LocalMediaState {
	return c.media.ToggleAudio()
}

// ToggleVideo flips the camera flag. It never affects the connection.
func (c *Controller) ToggleVideo() domain.LocalMediaState {
	return c.media.ToggleVideo()
}

// Subscribe registers fn to be called after every state change.
func (c *Controller) Subscribe(fn func(State)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status is State().String().
func (c *Controller) Status() string {
	return c.State().String()
}

// Failure returns the classified error of the last failed attempt.
func (c *Controller) Failure() *failure.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Participants returns the registered remote participants.
func (c *Controller) Participants() []domain.ParticipantView {
	return c.registry.Snapshot()
}

// LocalMedia returns the local toggles.
func (c *Controller) LocalMedia() domain.LocalMediaState {
	return c.media.State()
}

// Consent returns the consent record fetched by the last check, if any.
func (c *Controller) Consent() *domain.ConsentRecord {
	return c.gate.Cached()
}

// RefreshConsent re-fetches the consent record for display.
func (c *Controller) RefreshConsent(ctx context.Context) (*domain.ConsentRecord, error) {
	return c.gate.Refresh(ctx)
}
