// Package registry tracks remote participants and the tracks attached to
// output surfaces on their behalf.
package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
)

type participant struct {
	identity string
	// attached tracks keyed by SID
	tracks map[string]domain.Track
}

// Registry owns the identity -> attached tracks mapping. Every attach goes
// through the sink, so the number of surfaces in use always equals the
// number of attached tracks recorded here.
type Registry struct {
	sink domain.AttachmentSink

	mu           sync.Mutex
	participants map[string]*participant
}

// New returns an empty registry attaching through sink.
func New(sink domain.AttachmentSink) *Registry {
	return &Registry{
		sink:         sink,
		participants: make(map[string]*participant),
	}
}

// OnParticipantJoined records p and attaches every track it already has.
// It reports whether p was new; joining twice never attaches twice.
func (r *Registry) OnParticipantJoined(p domain.RemoteParticipant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.Identity()
	_, existed := r.participants[id]
	entry := r.ensureLocked(id)
	for _, t := range p.Tracks() {
		r.attachLocked(entry, t)
	}
	if !existed {
		log.Info().Str("module", "registry").Str("identity", id).Msg("participant joined")
	}
	return !existed
}

// OnParticipantLeft detaches every track owned by identity and forgets it.
func (r *Registry) OnParticipantLeft(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.participants[identity]
	if !ok {
		return
	}
	for _, t := range entry.tracks {
		r.detachLocked(entry, t)
	}
	delete(r.participants, identity)
	log.Info().Str("module", "registry").Str("identity", identity).Msg("participant left")
}

// OnTrackSubscribed attaches an audio or video track. Other kinds are ignored.
func (r *Registry) OnTrackSubscribed(owner string, t domain.Track) {
	if !t.Kind().Renderable() {
		log.Debug().Str("module", "registry").Str("identity", owner).Str("kind", string(t.Kind())).Msg("ignoring track")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachLocked(r.ensureLocked(owner), t)
}

// OnTrackUnsubscribed detaches t if it is attached.
func (r *Registry) OnTrackUnsubscribed(owner string, t domain.Track) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.participants[owner]
	if !ok {
		return
	}
	if attached, ok := entry.tracks[t.SID()]; ok {
		r.detachLocked(entry, attached)
	}
}

// Clear detaches everything and empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.participants {
		for _, t := range entry.tracks {
			r.detachLocked(entry, t)
		}
		delete(r.participants, id)
	}
}

// Has reports whether identity is registered.
func (r *Registry) Has(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[identity]
	return ok
}

// Len is the number of registered participants.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// AttachedCount is the number of attached tracks of kind owned by identity.
func (r *Registry) AttachedCount(identity string, kind domain.TrackKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.participants[identity]
	if !ok {
		return 0
	}
	n := 0
	for _, t := range entry.tracks {
		if t.Kind() == kind {
			n++
		}
	}
	return n
}

// Snapshot returns participants sorted by identity.
func (r *Registry) Snapshot() []domain.ParticipantView {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]domain.ParticipantView, 0, len(r.participants))
	for id, entry := range r.participants {
		v := domain.ParticipantView{Identity: id, Tracks: make([]domain.TrackHandle, 0, len(entry.tracks))}
		for sid, t := range entry.tracks {
			v.Tracks = append(v.Tracks, domain.TrackHandle{SID: sid, Kind: t.Kind(), Attached: true})
		}
		sort.Slice(v.Tracks, func(i, j int) bool { return v.Tracks[i].SID < v.Tracks[j].SID })
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Identity < views[j].Identity })
	return views
}

func (r *Registry) ensureLocked(identity string) *participant {
	entry, ok := r.participants[identity]
	if !ok {
		entry = &participant{identity: identity, tracks: make(map[string]domain.Track)}
		r.participants[identity] = entry
	}
	return entry
}

func (r *Registry) attachLocked(entry *participant, t domain.Track) {
	if !t.Kind().Renderable() {
		return
	}
	if _, ok := entry.tracks[t.SID()]; ok {
		return
	}
	if err := r.sink.Attach(entry.identity, t); err != nil {
		log.Error().Str("module", "registry").Str("identity", entry.identity).Str("sid", t.SID()).Err(err).Msg("attach failed")
		return
	}
	entry.tracks[t.SID()] = t
	log.Debug().Str("module", "registry").Str("identity", entry.identity).Str("sid", t.SID()).Str("kind", string(t.Kind())).Msg("track attached")
}

func (r *Registry) detachLocked(entry *participant, t domain.Track) {
	delete(entry.tracks, t.SID())
	if err := r.sink.Detach(entry.identity, t); err != nil {
		log.Debug().Str("module", "registry").Str("identity", entry.identity).Str("sid", t.SID()).Err(err).Msg("detach failed")
	}
}
