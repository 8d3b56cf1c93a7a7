package webrtc

import (
	"context"
	"sort"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
	"github.com/clinicflow/videoconsult/internal/failure"
)

type roomPeer interface {
	AcceptOffer(sdp domain.SDPPayload) (string, error)
	SetRemoteDescription(sdp domain.SDPPayload) error
	AddRemoteICECandidate(candidate domain.ICECandidatePayload) error
	Close()
}

// Room is a connected media session. It implements domain.RoomHandle for
// the session controller and domain.SignalHandler for the signalling client.
// Callbacks run one at a time on the room's own goroutine, in the order the
// underlying events happened.
type Room struct {
	name  string
	local *localParticipant
	peer  roomPeer
	sig   domain.Signaler

	mu             sync.Mutex
	participants   map[string]*remoteParticipant
	onConnected    func(domain.RemoteParticipant)
	onDisconnected func(domain.RemoteParticipant)
	onDown         func(error)
	downErr        error
	downFired      bool

	down     chan struct{}
	downOnce sync.Once

	answered   chan struct{}
	answerOnce sync.Once

	leaveOnce     sync.Once
	cancelSources context.CancelFunc

	qmu   sync.Mutex
	queue []func()
	wake  chan struct{}
	stop  chan struct{}
}

func newRoom(name string, local *localParticipant) *Room {
	r := &Room{
		name:          name,
		local:         local,
		participants:  make(map[string]*remoteParticipant),
		down:          make(chan struct{}),
		answered:      make(chan struct{}),
		cancelSources: func() {},
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	go r.loop()
	return r
}

// bind completes construction. The signalling client needs the room as its
// handler, so both are wired before any event can arrive.
func (r *Room) bind(peer roomPeer, sig domain.Signaler) {
	r.peer = peer
	r.sig = sig
}

func (r *Room) Name() string { return r.name }

func (r *Room) LocalParticipant() domain.LocalParticipant { return r.local }

// RemoteParticipants returns the current members sorted by identity.
func (r *Room) RemoteParticipants() []domain.RemoteParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]domain.RemoteParticipant, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.participants[id])
	}
	return out
}

func (r *Room) OnParticipantConnected(fn func(domain.RemoteParticipant)) {
	r.mu.Lock()
	r.onConnected = fn
	r.mu.Unlock()
}

func (r *Room) OnParticipantDisconnected(fn func(domain.RemoteParticipant)) {
	r.mu.Lock()
	r.onDisconnected = fn
	r.mu.Unlock()
}

// OnDisconnected registers fn for the end of the session. Registering on a
// room that is already down calls fn right away.
func (r *Room) OnDisconnected(fn func(error)) {
	r.mu.Lock()
	r.onDown = fn
	isDown := r.isDown()
	r.mu.Unlock()

	if isDown {
		r.fireDown()
	}
}

// Disconnect leaves the room and releases every media resource. It does not
// wait for queued callbacks to run.
func (r *Room) Disconnect() {
	r.leaveOnce.Do(func() {
		log.Info().Str("module", "room").Str("room", r.name).Msg("leaving")
		if !r.isDown() {
			r.sig.Leave()
		}
	})
	r.markDown(nil)
}

// Done is closed once the room is down.
func (r *Room) Done() <-chan struct{} { return r.down }

func (r *Room) isDown() bool {
	select {
	case <-r.down:
		return true
	default:
		return false
	}
}

func (r *Room) markDown(err error) {
	r.downOnce.Do(func() {
		r.mu.Lock()
		r.downErr = err
		cancel := r.cancelSources
		r.mu.Unlock()
		close(r.down)

		if err != nil {
			log.Warn().Str("module", "room").Str("room", r.name).Err(err).Msg("room down")
		}

		cancel()
		if r.peer != nil {
			r.peer.Close()
		}
		if r.sig != nil {
			r.sig.Close()
		}

		r.emit(r.fireDown)
		close(r.stop)
	})
}

func (r *Room) fireDown() {
	r.mu.Lock()
	if r.downFired || r.onDown == nil {
		r.mu.Unlock()
		return
	}
	r.downFired = true
	fn, err := r.onDown, r.downErr
	r.mu.Unlock()
	fn(err)
}

func (r *Room) setSourceCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancelSources = cancel
	r.mu.Unlock()
	if r.isDown() {
		cancel()
	}
}

// waitAnswer blocks until the server answered our offer, the room went down
// or ctx is done.
func (r *Room) waitAnswer(ctx context.Context) error {
	select {
	case <-r.answered:
		return nil
	case <-r.down:
		r.mu.Lock()
		err := r.downErr
		r.mu.Unlock()
		if err == nil {
			err = &failure.ProviderError{Code: failure.CodeSignalingDisconnected, Message: "room closed during negotiation"}
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) emit(fn func()) {
	r.qmu.Lock()
	r.queue = append(r.queue, fn)
	r.qmu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Room) drain() int {
	r.qmu.Lock()
	batch := r.queue
	r.queue = nil
	r.qmu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

func (r *Room) loop() {
	for {
		if r.drain() > 0 {
			continue
		}
		select {
		case <-r.wake:
		case <-r.stop:
			r.drain()
			return
		}
	}
}

// ensureParticipant returns the member for identity, announcing it if new.
func (r *Room) ensureParticipant(identity string) *remoteParticipant {
	r.mu.Lock()
	p, ok := r.participants[identity]
	if !ok {
		p = newRemoteParticipant(identity)
		r.participants[identity] = p
	}
	r.mu.Unlock()

	if !ok {
		log.Info().Str("module", "room").Str("identity", identity).Msg("participant connected")
		r.emit(func() {
			r.mu.Lock()
			fn := r.onConnected
			r.mu.Unlock()
			if fn != nil {
				fn(p)
			}
		})
	}
	return p
}

// addRemoteTrack registers a track whose media is read from src.
func (r *Room) addRemoteTrack(owner, sid string, kind domain.TrackKind, src rtpReader) *RemoteTrack {
	if r.isDown() {
		return nil
	}
	p := r.ensureParticipant(owner)
	t := newRemoteTrack(sid, kind)
	if !p.addTrack(t) {
		return nil
	}

	r.emit(func() {
		if fn := p.subscribedHandler(); fn != nil {
			fn(t)
		}
	})

	go t.pump(src, func() {
		if p.removeTrack(sid) != nil {
			r.emit(func() {
				if fn := p.unsubscribedHandler(); fn != nil {
					fn(t)
				}
			})
		}
	})
	return t
}

func (r *Room) handleTrack(track *pion.TrackRemote) {
	r.addRemoteTrack(track.StreamID(), track.ID(), kindOf(track.Kind()), track)
}

func (r *Room) handlePeerState(state pion.PeerConnectionState) {
	if state == pion.PeerConnectionStateFailed {
		r.markDown(&failure.ProviderError{Code: failure.CodeMediaConnectionFailed, Message: "media connection failed"})
	}
}

// SignalHandler implementation.

func (r *Room) OnParticipantJoined(info domain.ParticipantInfo) {
	r.ensureParticipant(info.Identity)
}

func (r *Room) OnParticipantLeft(identity string) {
	r.mu.Lock()
	p, ok := r.participants[identity]
	delete(r.participants, identity)
	r.mu.Unlock()
	if !ok {
		return
	}

	p.removeAll()
	log.Info().Str("module", "room").Str("identity", identity).Msg("participant disconnected")
	r.emit(func() {
		r.mu.Lock()
		fn := r.onDisconnected
		r.mu.Unlock()
		if fn != nil {
			fn(p)
		}
	})
}

func (r *Room) OnTrackUnpublished(identity, sid string) {
	r.mu.Lock()
	p, ok := r.participants[identity]
	r.mu.Unlock()
	if !ok {
		return
	}

	t := p.removeTrack(sid)
	if t == nil {
		return
	}
	r.emit(func() {
		if fn := p.unsubscribedHandler(); fn != nil {
			fn(t)
		}
	})
}

func (r *Room) OnOffer(sdp domain.SDPPayload) {
	answer, err := r.peer.AcceptOffer(sdp)
	if err != nil {
		log.Error().Str("module", "room").Err(err).Msg("renegotiation failed")
		return
	}
	r.sig.SendAnswer(answer)
}

func (r *Room) OnAnswer(sdp domain.SDPPayload) {
	if err := r.peer.SetRemoteDescription(sdp); err != nil {
		r.markDown(&failure.ProviderError{Code: failure.CodeMediaConnectionFailed, Message: err.Error()})
		return
	}
	r.answerOnce.Do(func() { close(r.answered) })
}

func (r *Room) OnRemoteICECandidate(candidate domain.ICECandidatePayload) {
	go func() {
		if err := r.peer.AddRemoteICECandidate(candidate); err != nil {
			log.Debug().Str("module", "room").Err(err).Msg("add remote ICE candidate")
		}
	}()
}

func (r *Room) OnRoomEnded() {
	r.markDown(&failure.ProviderError{Code: failure.CodeRoomCompleted, Message: "room " + r.name + " completed"})
}

func (r *Room) OnSignalClosed(err error) {
	r.markDown(&failure.ProviderError{Code: failure.CodeSignalingDisconnected, Message: err.Error()})
}
