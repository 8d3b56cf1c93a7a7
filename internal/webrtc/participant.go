package webrtc

import (
	"sync"

	"github.com/clinicflow/videoconsult/internal/domain"
)

// remoteParticipant is another member of the room. Tracks are added when
// their media arrives and removed when the server unpublishes them.
type remoteParticipant struct {
	identity string

	mu             sync.Mutex
	tracks         []*RemoteTrack
	onSubscribed   func(domain.Track)
	onUnsubscribed func(domain.Track)
}

func newRemoteParticipant(identity string) *remoteParticipant {
	return &remoteParticipant{identity: identity}
}

func (p *remoteParticipant) Identity() string { return p.identity }

func (p *remoteParticipant) Tracks() []domain.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Track, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t)
	}
	return out
}

func (p *remoteParticipant) OnTrackSubscribed(fn func(domain.Track)) {
	p.mu.Lock()
	p.onSubscribed = fn
	p.mu.Unlock()
}

func (p *remoteParticipant) OnTrackUnsubscribed(fn func(domain.Track)) {
	p.mu.Lock()
	p.onUnsubscribed = fn
	p.mu.Unlock()
}

func (p *remoteParticipant) subscribedHandler() func(domain.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onSubscribed
}

func (p *remoteParticipant) unsubscribedHandler() func(domain.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onUnsubscribed
}

func (p *remoteParticipant) addTrack(t *RemoteTrack) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.tracks {
		if existing.sid == t.sid {
			return false
		}
	}
	p.tracks = append(p.tracks, t)
	return true
}

func (p *remoteParticipant) removeTrack(sid string) *RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.tracks {
		if t.sid == sid {
			p.tracks = append(p.tracks[:i], p.tracks[i+1:]...)
			return t
		}
	}
	return nil
}

func (p *remoteParticipant) removeAll() []*RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.tracks
	p.tracks = nil
	return out
}

// localParticipant is the caller's own presence in the room. All local
// tracks are published before Connect returns; onPublished never fires.
type localParticipant struct {
	identity string

	mu          sync.Mutex
	tracks      []*LocalTrack
	onPublished func(domain.LocalTrack)
}

func (p *localParticipant) Identity() string { return p.identity }

func (p *localParticipant) Tracks() []domain.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.LocalTrack, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t)
	}
	return out
}

func (p *localParticipant) OnTrackPublished(fn func(domain.LocalTrack)) {
	p.mu.Lock()
	p.onPublished = fn
	p.mu.Unlock()
}

func (p *localParticipant) addTrack(t *LocalTrack) {
	p.mu.Lock()
	p.tracks = append(p.tracks, t)
	p.mu.Unlock()
}
