package domain

// TrackKind is the media kind of a published track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
	TrackData  TrackKind = "data"
)

// Renderable reports whether tracks of this kind are attached to a surface.
func (k TrackKind) Renderable() bool {
	return k == TrackAudio || k == TrackVideo
}

// MediaConstraints is what the local side asks the provider to capture and publish.
type MediaConstraints struct {
	Audio        bool `json:"audio"`
	Video        bool `json:"video"`
	MaxWidth     int  `json:"maxWidth,omitempty"`
	MaxHeight    int  `json:"maxHeight,omitempty"`
	MaxFrameRate int  `json:"maxFrameRate,omitempty"`
}

// DefaultConstraints requests audio plus video at a bounded resolution.
func DefaultConstraints() MediaConstraints {
	return MediaConstraints{
		Audio:        true,
		Video:        true,
		MaxWidth:     640,
		MaxHeight:    480,
		MaxFrameRate: 24,
	}
}

// LocalMediaState holds the user's mute/camera toggles.
type LocalMediaState struct {
	AudioMuted bool `json:"audioMuted"`
	VideoOff   bool `json:"videoOff"`
}

// TrackHandle describes one remote track known to the registry.
type TrackHandle struct {
	SID      string    `json:"sid"`
	Kind     TrackKind `json:"kind"`
	Attached bool      `json:"attached"`
}

// ParticipantView is a read-only snapshot of a remote participant.
type ParticipantView struct {
	Identity string        `json:"identity"`
	Tracks   []TrackHandle `json:"tracks"`
}
