package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/clinicflow/videoconsult/internal/consent"
	"github.com/clinicflow/videoconsult/internal/credential"
	"github.com/clinicflow/videoconsult/internal/domain"
)

type mockIdentity struct {
	id  domain.Identity
	err error
}

func (m *mockIdentity) CurrentIdentity(ctx context.Context) (domain.Identity, error) {
	return m.id, m.err
}

type mockConsent struct {
	rec   domain.ConsentRecord
	err   error
	calls int
}

func (m *mockConsent) TelehealthConsent(ctx context.Context) (domain.ConsentRecord, error) {
	m.calls++
	return m.rec, m.err
}

type mockIssuer struct {
	mu     sync.Mutex
	cred   domain.SessionCredential
	err    error
	tokens []string
	n      int
}

func (m *mockIssuer) IssueCredential(ctx context.Context, appointmentID uuid.UUID) (domain.SessionCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	if m.err != nil {
		return domain.SessionCredential{}, m.err
	}
	cred := m.cred
	// every issued token is distinct so reuse would be visible
	if cred.AccessToken != "" {
		cred.AccessToken = cred.AccessToken + "-" + string(rune('a'+m.n))
	}
	m.tokens = append(m.tokens, cred.AccessToken)
	return cred, nil
}

func (m *mockIssuer) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}

type mockProvider struct {
	mu     sync.Mutex
	rooms  []*mockRoom
	remote []domain.RemoteParticipant
	err    error
	tokens []string
	// block, when set, holds Connect until it is closed.
	block chan struct{}
	// wrap, when set, decorates the room handed to the controller.
	wrap func(*mockRoom) domain.RoomHandle
}

func (m *mockProvider) Connect(ctx context.Context, token, room string, constraints domain.MediaConstraints) (domain.RoomHandle, error) {
	m.mu.Lock()
	m.tokens = append(m.tokens, token)
	block := m.block
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	if m.err != nil {
		return nil, m.err
	}
	r := newMockRoom(room)
	r.remote = m.remote
	m.mu.Lock()
	m.rooms = append(m.rooms, r)
	wrap := m.wrap
	m.mu.Unlock()
	if wrap != nil {
		return wrap(r), nil
	}
	return r, nil
}

func (m *mockProvider) connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

func (m *mockProvider) lastRoom() *mockRoom {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rooms) == 0 {
		return nil
	}
	return m.rooms[len(m.rooms)-1]
}

type mockTrack struct {
	sid  string
	kind domain.TrackKind
}

func (m mockTrack) SID() string            { return m.sid }
func (m mockTrack) Kind() domain.TrackKind { return m.kind }

type mockLocalTrack struct {
	mockTrack
	enabled bool
}

func (m *mockLocalTrack) Enable()       { m.enabled = true }
func (m *mockLocalTrack) Disable()      { m.enabled = false }
func (m *mockLocalTrack) Enabled() bool { return m.enabled }

type mockLocal struct {
	tracks      []domain.LocalTrack
	onPublished func(domain.LocalTrack)
}

func (m *mockLocal) Identity() string                           { return "patient-1" }
func (m *mockLocal) Tracks() []domain.LocalTrack                { return m.tracks }
func (m *mockLocal) OnTrackPublished(fn func(domain.LocalTrack)) { m.onPublished = fn }

type mockRemote struct {
	identity       string
	tracks         []domain.Track
	onSubscribed   func(domain.Track)
	onUnsubscribed func(domain.Track)
}

func (m *mockRemote) Identity() string                         { return m.identity }
func (m *mockRemote) Tracks() []domain.Track                   { return m.tracks }
func (m *mockRemote) OnTrackSubscribed(fn func(domain.Track))   { m.onSubscribed = fn }
func (m *mockRemote) OnTrackUnsubscribed(fn func(domain.Track)) { m.onUnsubscribed = fn }

type mockRoom struct {
	name   string
	local  *mockLocal
	remote []domain.RemoteParticipant

	mu             sync.Mutex
	disconnects    int
	onConnected    func(domain.RemoteParticipant)
	onDisconnected func(domain.RemoteParticipant)
	onRoomDown     func(error)
}

func newMockRoom(name string) *mockRoom {
	cam := &mockLocalTrack{mockTrack: mockTrack{sid: "local-cam", kind: domain.TrackVideo}, enabled: true}
	mic := &mockLocalTrack{mockTrack: mockTrack{sid: "local-mic", kind: domain.TrackAudio}, enabled: true}
	return &mockRoom{name: name, local: &mockLocal{tracks: []domain.LocalTrack{mic, cam}}}
}

func (m *mockRoom) Name() string                              { return m.name }
func (m *mockRoom) LocalParticipant() domain.LocalParticipant { return m.local }
func (m *mockRoom) RemoteParticipants() []domain.RemoteParticipant {
	return m.remote
}
func (m *mockRoom) OnParticipantConnected(fn func(domain.RemoteParticipant)) {
	m.onConnected = fn
}
func (m *mockRoom) OnParticipantDisconnected(fn func(domain.RemoteParticipant)) {
	m.onDisconnected = fn
}
func (m *mockRoom) OnDisconnected(fn func(error)) { m.onRoomDown = fn }

func (m *mockRoom) Disconnect() {
	m.mu.Lock()
	m.disconnects++
	fn := m.onRoomDown
	m.mu.Unlock()
	// providers report their own disconnect back through the callback
	if fn != nil {
		fn(nil)
	}
}

func (m *mockRoom) disconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// goneRoom is a room that closed before its listeners were registered.
type goneRoom struct {
	*mockRoom
}

func (g goneRoom) OnDisconnected(fn func(error)) {
	g.mockRoom.OnDisconnected(fn)
	fn(nil)
}

// mockSink records live attachments keyed by owner/sid.
type mockSink struct {
	mu   sync.Mutex
	live map[string]domain.TrackKind
}

func newMockSink() *mockSink { return &mockSink{live: make(map[string]domain.TrackKind)} }

func (m *mockSink) Attach(owner string, t domain.Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[owner+"/"+t.SID()] = t.Kind()
	return nil
}

func (m *mockSink) Detach(owner string, t domain.Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, owner+"/"+t.SID())
	return nil
}

func (m *mockSink) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[key]
	return ok
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

type fixture struct {
	identity *mockIdentity
	consent  *mockConsent
	issuer   *mockIssuer
	provider *mockProvider
	sink     *mockSink
	ctrl     *Controller
}

func newFixture(role domain.Role) *fixture {
	f := &fixture{
		identity: &mockIdentity{id: domain.Identity{Role: role, DisplayIdentity: "Someone"}},
		consent:  &mockConsent{rec: domain.ConsentRecord{TelehealthConsent: true, RecordingConsent: true}},
		issuer: &mockIssuer{cred: domain.SessionCredential{
			AccessToken: "0123456789abcdef",
			RoomName:    "appt-room",
		}},
		provider: &mockProvider{},
		sink:     newMockSink(),
	}
	f.ctrl = New(uuid.New(), Deps{
		Identity:    f.identity,
		Gate:        consent.NewGate(f.consent),
		Credentials: credential.NewAcquirer(f.issuer),
		Provider:    f.provider,
		Sink:        f.sink,
	})
	return f
}
