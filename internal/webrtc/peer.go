package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
)

var errPeerClosed = errors.New("peer connection closed")

// Codec capabilities published and accepted by the room.
var (
	h264Capability = pion.RTPCodecCapability{
		MimeType:     pion.MimeTypeH264,
		ClockRate:    90000,
		SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		RTCPFeedback: []pion.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}},
	}
	opusCapability = pion.RTPCodecCapability{
		MimeType:    pion.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
)

// Peer wraps a Pion PeerConnection joined to the room's media server.
type Peer struct {
	pc *pion.PeerConnection

	remoteDescSet chan struct{}
	remoteOnce    sync.Once
	closed        chan struct{}
	closeOnce     sync.Once
}

// NewPeer creates a PeerConnection with H264 video, Opus audio and NACK
// interceptors registered.
func NewPeer(iceServers []domain.ICEServer) (*Peer, error) {
	m := &pion.MediaEngine{}

	if err := m.RegisterCodec(pion.RTPCodecParameters{
		RTPCodecCapability: h264Capability,
		PayloadType:        102,
	}, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}

	if err := m.RegisterCodec(pion.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        111,
	}, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	var servers []pion.ICEServer
	for _, s := range iceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("state", state.String()).Msg("ICE connection state")
	})

	return &Peer{
		pc:            pc,
		remoteDescSet: make(chan struct{}),
		closed:        make(chan struct{}),
	}, nil
}

// AddTrack publishes a local track and drains its RTCP feedback.
func (p *Peer) AddTrack(track pion.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}

	// NACK and PLI are handled by the interceptors; reading keeps them flowing.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// SetOnTrack registers the handler for remote tracks.
func (p *Peer) SetOnTrack(fn func(track *pion.TrackRemote)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		log.Info().
			Str("module", "webrtc").
			Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).
			Str("stream", track.StreamID()).
			Str("track", track.ID()).
			Msg("got remote track")
		fn(track)
	})
}

// SetOnICECandidate registers the callback for locally discovered ICE candidates.
func (p *Peer) SetOnICECandidate(send func(sdpMid string, sdpMLineIndex int, candidate string)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Debug().Str("module", "webrtc").Msg("ICE gathering complete")
			return
		}

		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			log.Debug().Str("module", "webrtc").Msg("filtering loopback ICE candidate")
			return
		}

		sdpMid := ""
		if init.SDPMid != nil {
			sdpMid = *init.SDPMid
		}
		sdpMLineIndex := 0
		if init.SDPMLineIndex != nil {
			sdpMLineIndex = int(*init.SDPMLineIndex)
		}

		log.Trace().Str("module", "webrtc").Str("candidate", init.Candidate).Msg("local ICE candidate")
		send(sdpMid, sdpMLineIndex, init.Candidate)
	})
}

// OnStateChange registers a callback for peer connection state transitions.
func (p *Peer) OnStateChange(fn func(pion.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Debug().Str("module", "webrtc").Str("state", state.String()).Msg("peer connection state")
		fn(state)
	})
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	log.Debug().Str("module", "webrtc").Msg("local SDP offer set")
	return offer.SDP, nil
}

// AcceptOffer applies a server-initiated offer and returns the local answer.
func (p *Peer) AcceptOffer(sdp domain.SDPPayload) (string, error) {
	if err := p.setRemote(pion.SDPTypeOffer, sdp.SDP); err != nil {
		return "", err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	log.Debug().Str("module", "webrtc").Msg("local SDP answer set")
	return answer.SDP, nil
}

// SetRemoteDescription applies the SDP answer to our offer.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	return p.setRemote(pion.SDPTypeAnswer, sdp.SDP)
}

func (p *Peer) setRemote(typ pion.SDPType, sdp string) error {
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}

	log.Debug().Str("module", "webrtc").Str("type", typ.String()).Msg("remote SDP set")
	p.remoteOnce.Do(func() { close(p.remoteDescSet) })
	return nil
}

// AddRemoteICECandidate waits for the first remote description, then adds
// the candidate. It gives up once the peer is closed.
func (p *Peer) AddRemoteICECandidate(candidate domain.ICECandidatePayload) error {
	select {
	case <-p.remoteDescSet:
	case <-p.closed:
		return errPeerClosed
	}

	sdpMLineIndex := uint16(candidate.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &candidate.SDPMid,
		SDPMLineIndex: &sdpMLineIndex,
	}

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}

	log.Trace().Str("module", "webrtc").Msg("added remote ICE candidate")
	return nil
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		if err := p.pc.Close(); err != nil {
			log.Debug().Str("module", "webrtc").Err(err).Msg("close peer connection")
		}
	})
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
