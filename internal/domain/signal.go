package domain

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

// TrackInfo announces a published track over signalling.
type TrackInfo struct {
	SID  string    `json:"sid"`
	Kind TrackKind `json:"kind"`
}

// ParticipantInfo announces a room member over signalling.
type ParticipantInfo struct {
	Identity string      `json:"identity"`
	Tracks   []TrackInfo `json:"tracks,omitempty"`
}

// JoinResult is the server's reply to a successful join.
type JoinResult struct {
	Room         string            `json:"room"`
	Identity     string            `json:"identity"`
	Participants []ParticipantInfo `json:"participants"`
}

// ICEServer represents a STUN/TURN server configuration.
type ICEServer struct {
	URL        string `json:"url"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}
