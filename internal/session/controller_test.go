package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clinicflow/videoconsult/internal/domain"
	"github.com/clinicflow/videoconsult/internal/failure"
)

func mustStart(t *testing.T, f *fixture) *mockRoom {
	t.Helper()
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	room := f.provider.lastRoom()
	if room == nil {
		t.Fatal("expected a room")
	}
	return room
}

func TestStart_ConnectsWithEmptyRoom(t *testing.T) {
	f := newFixture(domain.RolePatient)
	room := mustStart(t, f)

	if got := f.ctrl.Status(); got != "connected" {
		t.Fatalf("expected connected, got %s", got)
	}
	if n := len(f.ctrl.Participants()); n != 0 {
		t.Errorf("expected no participants, got %d", n)
	}
	if !f.sink.has("patient-1/local-cam") {
		t.Error("expected local video attached")
	}
	if f.sink.has("patient-1/local-mic") {
		t.Error("local audio must not be attached")
	}
	if room.onConnected == nil || room.onRoomDown == nil {
		t.Error("expected room listeners registered")
	}
}

func TestStart_ParticipantWithTracksAttaches(t *testing.T) {
	f := newFixture(domain.RolePatient)
	room := mustStart(t, f)

	dr := &mockRemote{identity: "dr-who", tracks: []domain.Track{
		mockTrack{sid: "a1", kind: domain.TrackAudio},
		mockTrack{sid: "v1", kind: domain.TrackVideo},
	}}
	room.onConnected(dr)

	if !f.sink.has("dr-who/a1") || !f.sink.has("dr-who/v1") {
		t.Fatal("expected both remote tracks attached")
	}
	if got := f.ctrl.registry.AttachedCount("dr-who", domain.TrackVideo); got != 1 {
		t.Errorf("expected 1 video surface, got %d", got)
	}
}

func TestParticipantLeaveDetaches(t *testing.T) {
	f := newFixture(domain.RolePatient)
	room := mustStart(t, f)
	dr := &mockRemote{identity: "dr-who", tracks: []domain.Track{
		mockTrack{sid: "a1", kind: domain.TrackAudio},
		mockTrack{sid: "v1", kind: domain.TrackVideo},
	}}
	room.onConnected(dr)

	room.onDisconnected(dr)

	if f.sink.has("dr-who/a1") || f.sink.has("dr-who/v1") {
		t.Fatal("expected remote tracks detached")
	}
	if f.ctrl.registry.Has("dr-who") {
		t.Error("expected participant removed")
	}
}

func TestStart_EmptyTokenFailsBeforeConnect(t *testing.T) {
	f := newFixture(domain.RoleClinician)
	f.issuer.cred.AccessToken = ""

	err := f.ctrl.Start(context.Background())

	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Reason != failure.InvalidToken {
		t.Fatalf("expected invalid_token, got %v", err)
	}
	if f.provider.connects() != 0 {
		t.Error("expected no connect attempt")
	}
	if got := f.ctrl.Status(); got != "failed:invalid_token" {
		t.Errorf("expected failed:invalid_token, got %s", got)
	}
}

func TestStart_RoomNotFoundIsRetryable(t *testing.T) {
	f := newFixture(domain.RolePatient)
	f.provider.err = &failure.ProviderError{Code: failure.CodeRoomNotFound, Message: "Room not found"}

	err := f.ctrl.Start(context.Background())

	if failure.ReasonOf(err) != failure.RoomNotFound {
		t.Fatalf("expected room_not_found, got %v", err)
	}
	snap := f.ctrl.Snapshot()
	if snap.Status != "failed:room_not_found" || !snap.CanRetry {
		t.Fatalf("expected retryable failed:room_not_found, got %+v", snap)
	}
	if snap.Message != failure.RoomNotFound.Message() {
		t.Errorf("unexpected message %q", snap.Message)
	}
}

func TestStart_ConsentMissingBlocksCredentialAndConnect(t *testing.T) {
	f := newFixture(domain.RolePatient)
	f.consent.rec = domain.ConsentRecord{TelehealthConsent: false}

	err := f.ctrl.Start(context.Background())

	if failure.ReasonOf(err) != failure.ConsentMissing {
		t.Fatalf("expected consent_missing, got %v", err)
	}
	if f.issuer.calls() != 0 || f.provider.connects() != 0 {
		t.Fatalf("expected no credential or connect calls, got %d/%d", f.issuer.calls(), f.provider.connects())
	}
	if snap := f.ctrl.Snapshot(); snap.CanRetry {
		t.Error("consent_missing must not offer retry")
	}
}

func TestStart_RecordingConsentCrossCheck(t *testing.T) {
	f := newFixture(domain.RolePatient)
	f.consent.rec = domain.ConsentRecord{TelehealthConsent: true, RecordingConsent: false}
	f.issuer.cred.RecordingRequired = true

	err := f.ctrl.Start(context.Background())

	if failure.ReasonOf(err) != failure.RecordingConsentRequired {
		t.Fatalf("expected recording_consent_required, got %v", err)
	}
	if f.provider.connects() != 0 {
		t.Error("expected no connect call")
	}
}

func TestRecordingRequiredClinicianConnects(t *testing.T) {
	f := newFixture(domain.RoleClinician)
	f.issuer.cred.RecordingRequired = true
	mustStart(t, f)
	if f.consent.calls != 0 {
		t.Errorf("clinician must not hit the consent service")
	}
}

func TestStart_FreshCredentialPerAttempt(t *testing.T) {
	f := newFixture(domain.RolePatient)
	f.provider.err = errors.New("dial tcp: connection refused")

	for i := 0; i < 3; i++ {
		_ = f.ctrl.Start(context.Background())
	}

	if f.issuer.calls() != 3 {
		t.Fatalf("expected 3 credential calls, got %d", f.issuer.calls())
	}
	seen := map[string]bool{}
	for _, tok := range f.provider.tokens {
		if seen[tok] {
			t.Fatalf("token %q reused", tok)
		}
		seen[tok] = true
	}
}

func TestLeaveThenCloseDisconnectsOnce(t *testing.T) {
	f := newFixture(domain.RolePatient)
	room := mustStart(t, f)

	f.ctrl.Leave()
	f.ctrl.Close()
	f.ctrl.Leave()

	if got := room.disconnectCount(); got != 1 {
		t.Fatalf("expected exactly 1 disconnect, got %d", got)
	}
	if got := f.ctrl.Status(); got != "disconnected" {
		t.Errorf("expected disconnected, got %s", got)
	}
}

func TestCloseThenLeaveDisconnectsOnce(t *testing.T) {
	f := newFixture(domain.RolePatient)
	room := mustStart(t, f)

	f.ctrl.Close()
	f.ctrl.Leave()

	if got := room.disconnectCount(); got != 1 {
		t.Fatalf("expected exactly 1 disconnect, got %d", got)
	}
}

func TestLeaveClearsRegistryAndLocalSurface(t *testing.T) {
	f := newFixture(domain.RolePatient)
	room := mustStart(t, f)
	room.onConnected(&mockRemote{identity: "dr-who", tracks: []domain.Track{mockTrack{sid: "v1", kind: domain.TrackVideo}}})

	f.ctrl.Leave()

	if f.sink.count() != 0 {
		t.Fatalf("expected no attached surfaces, got %d", f.sink.count())
	}
	if len(f.ctrl.Participants()) != 0 {
		t.Error("expected empty registry")
	}
}

func TestProviderDropMovesToDisconnected(t *testing.T) {
	f := newFixture(domain.RolePatient)
	room := mustStart(t, f)

	room.onRoomDown(errors.New("signalling connection lost"))

	if got := f.ctrl.Status(); got != "disconnected" {
		t.Fatalf("expected disconnected, got %s", got)
	}
	if got := room.disconnectCount(); got != 1 {
		t.Errorf("expected room released once, got %d", got)
	}
	if f.provider.connects() != 1 {
		t.Error("expected no automatic reconnect")
	}
}

func TestRetryAfterDisconnect(t *testing.T) {
	f := newFixture(domain.RolePatient)
	mustStart(t, f)
	f.ctrl.Leave()

	mustStart(t, f)

	if f.issuer.calls() != 2 {
		t.Fatalf("expected 2 credential calls, got %d", f.issuer.calls())
	}
}

func TestStartWhileConnectedIsRejected(t *testing.T) {
	f := newFixture(domain.RolePatient)
	mustStart(t, f)

	if err := f.ctrl.Start(context.Background()); !errors.Is(err, ErrNotRestartable) {
		t.Fatalf("expected ErrNotRestartable, got %v", err)
	}
	if f.issuer.calls() != 1 {
		t.Error("rejected start must not acquire a credential")
	}
}

func TestStartAfterCloseIsRejected(t *testing.T) {
	f := newFixture(domain.RolePatient)
	f.ctrl.Close()
	if err := f.ctrl.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseDuringConnectDisconnectsLateHandle(t *testing.T) {
	f := newFixture(domain.RolePatient)
	f.provider.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Start(context.Background()) }()

	deadline := time.After(time.Second)
	for f.provider.connects() == 0 {
		select {
		case <-deadline:
			t.Fatal("connect was never called")
		case <-time.After(time.Millisecond):
		}
	}

	f.ctrl.Close()
	close(f.provider.block)

	if err := <-done; !errors.Is(err, ErrAbandoned) {
		t.Fatalf("expected ErrAbandoned, got %v", err)
	}
	room := f.provider.lastRoom()
	if room == nil || room.disconnectCount() != 1 {
		t.Fatal("expected late room handle to be disconnected once")
	}
	if got := f.ctrl.Status(); got != "disconnected" {
		t.Errorf("expected disconnected, got %s", got)
	}
	if f.sink.count() != 0 {
		t.Error("late room must not attach anything")
	}
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	f := newFixture(domain.RolePatient)
	first := mustStart(t, f)
	f.ctrl.Leave()
	mustStart(t, f)

	first.onConnected(&mockRemote{identity: "ghost", tracks: []domain.Track{mockTrack{sid: "v9", kind: domain.TrackVideo}}})
	first.onRoomDown(errors.New("late drop"))

	if f.ctrl.registry.Has("ghost") {
		t.Error("callback from previous room must be ignored")
	}
	if got := f.ctrl.Status(); got != "connected" {
		t.Errorf("expected connected, got %s", got)
	}
}

func TestInitialParticipantsUseJoinPath(t *testing.T) {
	f := newFixture(domain.RolePatient)
	early := &mockRemote{identity: "dr-early", tracks: []domain.Track{
		mockTrack{sid: "a1", kind: domain.TrackAudio},
		mockTrack{sid: "d1", kind: domain.TrackData},
	}}
	f.provider.remote = []domain.RemoteParticipant{early}

	mustStart(t, f)

	if !f.sink.has("dr-early/a1") {
		t.Fatal("expected audio of already-present participant attached")
	}
	if f.sink.has("dr-early/d1") {
		t.Error("data track must not be attached")
	}
	if early.onSubscribed == nil {
		t.Error("expected track listener registered on already-present participant")
	}
}

func TestLateParticipantTrackEvents(t *testing.T) {
	f := newFixture(domain.RolePatient)
	room := mustStart(t, f)
	late := &mockRemote{identity: "dr-late"}
	room.onConnected(late)
	late.onSubscribed(mockTrack{sid: "v2", kind: domain.TrackVideo})

	if !f.sink.has("dr-late/v2") {
		t.Fatal("expected late-subscribed video attached")
	}

	late.onUnsubscribed(mockTrack{sid: "v2", kind: domain.TrackVideo})
	if f.sink.has("dr-late/v2") {
		t.Fatal("expected unsubscribed video detached")
	}
}

func TestLatePublishedLocalVideoReplacesPrevious(t *testing.T) {
	f := newFixture(domain.RolePatient)
	room := mustStart(t, f)

	cam2 := &mockLocalTrack{mockTrack: mockTrack{sid: "local-cam-2", kind: domain.TrackVideo}, enabled: true}
	room.local.onPublished(cam2)

	if f.sink.has("patient-1/local-cam") {
		t.Error("expected previous local render target detached")
	}
	if !f.sink.has("patient-1/local-cam-2") {
		t.Error("expected new local video attached")
	}
}

func TestToggleNeverChangesConnection(t *testing.T) {
	f := newFixture(domain.RolePatient)
	room := mustStart(t, f)

	f.ctrl.ToggleAudio()
	f.ctrl.ToggleVideo()

	if got := f.ctrl.Status(); got != "connected" {
		t.Fatalf("expected connected, got %s", got)
	}
	if room.disconnectCount() != 0 {
		t.Error("toggle must not disconnect")
	}
	for _, lt := range room.local.tracks {
		if lt.Enabled() {
			t.Errorf("expected %s disabled", lt.SID())
		}
	}
	if s := f.ctrl.LocalMedia(); !s.AudioMuted || !s.VideoOff {
		t.Errorf("unexpected local media state %+v", s)
	}
}

func TestToggleWhileIdle(t *testing.T) {
	f := newFixture(domain.RolePatient)
	if s := f.ctrl.ToggleAudio(); !s.AudioMuted {
		t.Fatal("expected muted")
	}
	if got := f.ctrl.Status(); got != "idle" {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestIdentityFailureIsClassified(t *testing.T) {
	f := newFixture(domain.RolePatient)
	f.identity.err = context.DeadlineExceeded

	err := f.ctrl.Start(context.Background())
	if failure.ReasonOf(err) != failure.NetworkUnreachable {
		t.Fatalf("expected network_unreachable, got %v", err)
	}
}

func TestCallerCancelReturnsToIdle(t *testing.T) {
	f := newFixture(domain.RolePatient)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.identity.err = context.Canceled

	if err := f.ctrl.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := f.ctrl.Status(); got != "idle" {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestObserversSeeOneStateAtATime(t *testing.T) {
	f := newFixture(domain.RolePatient)
	var mu sync.Mutex
	var seen []string
	f.ctrl.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s.String())
		mu.Unlock()
	})

	room := mustStart(t, f)
	room.onRoomDown(nil)
	f.provider.err = &failure.ProviderError{Code: failure.CodeRoomCompleted, Message: "done"}
	_ = f.ctrl.Start(context.Background())

	want := []string{"connecting", "connected", "disconnected", "connecting", "failed:room_ended"}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestRoomGoneOnHandoverReportsDisconnected(t *testing.T) {
	f := newFixture(domain.RolePatient)
	f.provider.wrap = func(r *mockRoom) domain.RoomHandle { return goneRoom{r} }

	var mu sync.Mutex
	var seen []string
	f.ctrl.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s.String())
		mu.Unlock()
	})

	if err := f.ctrl.Start(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if got := f.ctrl.Status(); got != "disconnected" {
		t.Fatalf("expected disconnected, got %s", got)
	}
	if got := f.provider.lastRoom().disconnectCount(); got != 1 {
		t.Errorf("expected room released once, got %d", got)
	}
	if f.sink.count() != 0 {
		t.Errorf("expected no surfaces left, got %d", f.sink.count())
	}

	want := []string{"connecting", "connected", "disconnected"}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestObserverMayLeave(t *testing.T) {
	f := newFixture(domain.RolePatient)

	var seen []string
	f.ctrl.Subscribe(func(s State) {
		seen = append(seen, s.String())
		if s.Phase == PhaseConnected {
			f.ctrl.Leave()
		}
	})

	err := f.ctrl.Start(context.Background())
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	want := []string{"connecting", "connected", "disconnected"}
	if len(seen) != len(want) || seen[2] != "disconnected" {
		t.Fatalf("expected %v, got %v", want, seen)
	}
}

func TestStartAsyncRejectsSecondStart(t *testing.T) {
	f := newFixture(domain.RolePatient)
	f.provider.block = make(chan struct{})

	done, err := f.ctrl.StartAsync(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.ctrl.Status(); got != "connecting" {
		t.Fatalf("expected connecting once StartAsync returns, got %s", got)
	}

	if _, err := f.ctrl.StartAsync(context.Background()); !errors.Is(err, ErrNotRestartable) {
		t.Fatalf("expected ErrNotRestartable, got %v", err)
	}

	close(f.provider.block)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attempt did not finish")
	}
	if f.provider.connects() != 1 {
		t.Errorf("expected one connect, got %d", f.provider.connects())
	}
	if got := f.ctrl.Status(); got != "connected" {
		t.Errorf("expected connected, got %s", got)
	}
}

func TestConsentSnapshotExposed(t *testing.T) {
	f := newFixture(domain.RolePatient)
	contact := "Alex 555-0100"
	f.consent.rec.EmergencyContact = &contact
	mustStart(t, f)

	snap := f.ctrl.Snapshot()
	if snap.Consent == nil || snap.Consent.EmergencyContact == nil || *snap.Consent.EmergencyContact != contact {
		t.Fatalf("expected consent record in snapshot, got %+v", snap.Consent)
	}
	if snap.Room != "appt-room" {
		t.Errorf("expected room name, got %q", snap.Room)
	}
}
