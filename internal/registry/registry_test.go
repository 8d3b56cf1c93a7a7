package registry

import (
	"errors"
	"testing"

	"github.com/clinicflow/videoconsult/internal/domain"
)

type mockTrack struct {
	sid  string
	kind domain.TrackKind
}

func (m mockTrack) SID() string            { return m.sid }
func (m mockTrack) Kind() domain.TrackKind { return m.kind }

type mockParticipant struct {
	identity string
	tracks   []domain.Track
}

func (m *mockParticipant) Identity() string                         { return m.identity }
func (m *mockParticipant) Tracks() []domain.Track                   { return m.tracks }
func (m *mockParticipant) OnTrackSubscribed(fn func(domain.Track))   {}
func (m *mockParticipant) OnTrackUnsubscribed(fn func(domain.Track)) {}

// mockSink records live attachments per owner/sid.
type mockSink struct {
	live     map[string]bool
	attaches int
	detaches int
	failSID  string
}

func newMockSink() *mockSink { return &mockSink{live: make(map[string]bool)} }

func (m *mockSink) Attach(owner string, t domain.Track) error {
	if t.SID() == m.failSID {
		return errors.New("no surface")
	}
	m.attaches++
	m.live[owner+"/"+t.SID()] = true
	return nil
}

func (m *mockSink) Detach(owner string, t domain.Track) error {
	m.detaches++
	delete(m.live, owner+"/"+t.SID())
	return nil
}

var (
	audio1 = mockTrack{sid: "MT-a1", kind: domain.TrackAudio}
	video1 = mockTrack{sid: "MT-v1", kind: domain.TrackVideo}
	data1  = mockTrack{sid: "MT-d1", kind: domain.TrackData}
)

func TestJoin_AttachesExistingTracks(t *testing.T) {
	sink := newMockSink()
	r := New(sink)

	added := r.OnParticipantJoined(&mockParticipant{identity: "dr-who", tracks: []domain.Track{audio1, video1, data1}})
	if !added {
		t.Fatal("expected first join to add participant")
	}
	if sink.attaches != 2 {
		t.Fatalf("expected 2 attaches (data ignored), got %d", sink.attaches)
	}
	if r.AttachedCount("dr-who", domain.TrackVideo) != 1 {
		t.Errorf("expected 1 attached video track")
	}
}

func TestJoin_DuplicateIsIdempotent(t *testing.T) {
	sink := newMockSink()
	r := New(sink)
	p := &mockParticipant{identity: "dr-who", tracks: []domain.Track{video1}}

	r.OnParticipantJoined(p)
	if r.OnParticipantJoined(p) {
		t.Error("expected duplicate join to report not added")
	}
	if sink.attaches != 1 {
		t.Fatalf("expected 1 attach after duplicate join, got %d", sink.attaches)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 participant, got %d", r.Len())
	}
}

func TestLeave_DetachesEverything(t *testing.T) {
	sink := newMockSink()
	r := New(sink)
	r.OnParticipantJoined(&mockParticipant{identity: "dr-who", tracks: []domain.Track{audio1, video1}})

	r.OnParticipantLeft("dr-who")

	if len(sink.live) != 0 {
		t.Fatalf("expected no live surfaces, got %v", sink.live)
	}
	if r.Has("dr-who") {
		t.Error("expected participant removed")
	}
}

func TestLeave_UnknownIsNoop(t *testing.T) {
	sink := newMockSink()
	New(sink).OnParticipantLeft("ghost")
	if sink.detaches != 0 {
		t.Errorf("expected no detaches, got %d", sink.detaches)
	}
}

func TestTrackSubscribe_IgnoresDataTracks(t *testing.T) {
	sink := newMockSink()
	r := New(sink)

	r.OnTrackSubscribed("dr-who", data1)
	if sink.attaches != 0 {
		t.Fatalf("expected data track to be ignored")
	}
	if r.Has("dr-who") {
		t.Error("ignored track must not register its owner")
	}
}

func TestTrackSubscribe_UnknownOwnerRegisters(t *testing.T) {
	r := New(newMockSink())
	r.OnTrackSubscribed("dr-who", video1)
	if !r.Has("dr-who") {
		t.Fatal("expected owner to be registered")
	}
}

func TestTrackUnsubscribe_NeverAttachedIsNoop(t *testing.T) {
	sink := newMockSink()
	r := New(sink)
	r.OnParticipantJoined(&mockParticipant{identity: "dr-who"})

	r.OnTrackUnsubscribed("dr-who", video1)
	r.OnTrackUnsubscribed("ghost", video1)

	if sink.detaches != 0 {
		t.Errorf("expected no detaches, got %d", sink.detaches)
	}
}

func TestTrackUnsubscribe_TwiceDetachesOnce(t *testing.T) {
	sink := newMockSink()
	r := New(sink)
	r.OnTrackSubscribed("dr-who", video1)

	r.OnTrackUnsubscribed("dr-who", video1)
	r.OnTrackUnsubscribed("dr-who", video1)

	if sink.detaches != 1 {
		t.Fatalf("expected 1 detach, got %d", sink.detaches)
	}
}

func TestAttachFailureIsNotRecorded(t *testing.T) {
	sink := newMockSink()
	sink.failSID = video1.sid
	r := New(sink)

	r.OnTrackSubscribed("dr-who", video1)
	if r.AttachedCount("dr-who", domain.TrackVideo) != 0 {
		t.Fatal("failed attach must not be counted")
	}
}

func TestClear(t *testing.T) {
	sink := newMockSink()
	r := New(sink)
	r.OnParticipantJoined(&mockParticipant{identity: "a", tracks: []domain.Track{audio1}})
	r.OnParticipantJoined(&mockParticipant{identity: "b", tracks: []domain.Track{video1}})

	r.Clear()

	if r.Len() != 0 || len(sink.live) != 0 {
		t.Fatalf("expected empty registry and sink, got %d participants, %v live", r.Len(), sink.live)
	}
}

func TestSnapshot_Sorted(t *testing.T) {
	r := New(newMockSink())
	r.OnParticipantJoined(&mockParticipant{identity: "zed", tracks: []domain.Track{video1}})
	r.OnParticipantJoined(&mockParticipant{identity: "amy", tracks: []domain.Track{video1, audio1}})

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Identity != "amy" || snap[1].Identity != "zed" {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}
	if len(snap[0].Tracks) != 2 || snap[0].Tracks[0].SID != "MT-a1" || !snap[0].Tracks[0].Attached {
		t.Errorf("unexpected tracks: %+v", snap[0].Tracks)
	}
}

func TestVideoSurfacesNeverExceedSubscribedVideo(t *testing.T) {
	sink := newMockSink()
	r := New(sink)
	p := &mockParticipant{identity: "dr-who", tracks: []domain.Track{video1}}

	r.OnParticipantJoined(p)
	r.OnTrackSubscribed("dr-who", video1)
	r.OnParticipantJoined(p)

	if got := r.AttachedCount("dr-who", domain.TrackVideo); got != 1 {
		t.Fatalf("expected 1 attached video, got %d", got)
	}
	if len(sink.live) != 1 {
		t.Fatalf("expected 1 live surface, got %d", len(sink.live))
	}
}
