package domain

import (
	"context"

	"github.com/google/uuid"
)

// IdentityService reports who the caller is.
type IdentityService interface {
	CurrentIdentity(ctx context.Context) (Identity, error)
}

// ConsentService fetches the caller's telehealth consent record.
// It returns ErrConsentNotApplicable (possibly wrapped) when consent is not
// modelled for the caller's role.
type ConsentService interface {
	TelehealthConsent(ctx context.Context) (ConsentRecord, error)
}

// CredentialIssuer issues a fresh session credential for an appointment.
type CredentialIssuer interface {
	IssueCredential(ctx context.Context, appointmentID uuid.UUID) (SessionCredential, error)
}

// MediaProvider opens a media session in a named room.
type MediaProvider interface {
	Connect(ctx context.Context, token, room string, constraints MediaConstraints) (RoomHandle, error)
}

// RoomHandle is a connected media session. Callbacks registered on it are
// delivered one at a time in provider emission order.
type RoomHandle interface {
	Name() string
	LocalParticipant() LocalParticipant
	RemoteParticipants() []RemoteParticipant
	OnParticipantConnected(fn func(RemoteParticipant))
	OnParticipantDisconnected(fn func(RemoteParticipant))
	// OnDisconnected fires once when the session ends for any reason. A nil
	// error means the local side asked to leave.
	OnDisconnected(fn func(error))
	Disconnect()
}

// RemoteParticipant is another member of the room.
type RemoteParticipant interface {
	Identity() string
	// Tracks returns the tracks currently subscribed from this participant.
	Tracks() []Track
	OnTrackSubscribed(fn func(Track))
	OnTrackUnsubscribed(fn func(Track))
}

// LocalParticipant is the caller's own presence in the room.
type LocalParticipant interface {
	Identity() string
	Tracks() []LocalTrack
	OnTrackPublished(fn func(LocalTrack))
}

// Track is a media track as seen by the controller.
type Track interface {
	SID() string
	Kind() TrackKind
}

// LocalTrack is a captured track the caller can pause and resume.
type LocalTrack interface {
	Track
	Enable()
	Disable()
	Enabled() bool
}

// AttachmentSink binds tracks to output surfaces.
type AttachmentSink interface {
	Attach(owner string, t Track) error
	// Detach releases the surface bound to t. Detaching an unbound track is
	// not an error.
	Detach(owner string, t Track) error
}

// Signaler manages the WebSocket signalling connection of a room.
type Signaler interface {
	Connect(ctx context.Context) error
	Join(ctx context.Context, token, room string, constraints MediaConstraints) (JoinResult, error)
	SendOffer(sdp string)
	SendAnswer(sdp string)
	SendICECandidate(sdpMid string, sdpMLineIndex int, candidate string)
	SendTrackState(sid string, enabled bool)
	Leave()
	Close()
}

// SignalHandler receives asynchronous signalling events.
type SignalHandler interface {
	OnParticipantJoined(p ParticipantInfo)
	OnParticipantLeft(identity string)
	OnTrackUnpublished(identity, sid string)
	OnOffer(sdp SDPPayload)
	OnAnswer(sdp SDPPayload)
	OnRemoteICECandidate(candidate ICECandidatePayload)
	OnRoomEnded()
	OnSignalClosed(err error)
}
