package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinicflow/videoconsult/internal/domain"
	"github.com/clinicflow/videoconsult/internal/failure"
)

// event is anything dispatch accepts. Attempt-scoped events carry the ID of
// the attempt that produced them so late deliveries can be dropped.
type event interface {
	name() string
}

type startRequested struct {
	attempt uuid.UUID
	cancel  context.CancelFunc
}

type attemptFailed struct {
	attempt uuid.UUID
	err     *failure.Error
}

type attemptCanceled struct {
	attempt uuid.UUID
}

type connected struct {
	attempt uuid.UUID
	room    domain.RoomHandle
}

type participantJoined struct {
	attempt     uuid.UUID
	participant domain.RemoteParticipant
}

type participantLeft struct {
	attempt     uuid.UUID
	participant domain.RemoteParticipant
}

type trackSubscribed struct {
	attempt uuid.UUID
	owner   string
	track   domain.Track
}

type trackUnsubscribed struct {
	attempt uuid.UUID
	owner   string
	track   domain.Track
}

type localTrackPublished struct {
	attempt uuid.UUID
	owner   string
	track   domain.LocalTrack
}

type providerDisconnected struct {
	attempt uuid.UUID
	err     error
}

type leaveRequested struct{}

type teardown struct{}

func (startRequested) name() string       { return "start_requested" }
func (attemptFailed) name() string        { return "attempt_failed" }
func (attemptCanceled) name() string      { return "attempt_canceled" }
func (connected) name() string            { return "connected" }
func (participantJoined) name() string    { return "participant_joined" }
func (participantLeft) name() string      { return "participant_left" }
func (trackSubscribed) name() string      { return "track_subscribed" }
func (trackUnsubscribed) name() string    { return "track_unsubscribed" }
func (localTrackPublished) name() string  { return "local_track_published" }
func (providerDisconnected) name() string { return "provider_disconnected" }
func (leaveRequested) name() string       { return "leave_requested" }
func (teardown) name() string             { return "teardown" }
