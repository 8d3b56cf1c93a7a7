package webrtc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
	"github.com/clinicflow/videoconsult/internal/signal"
)

// Sources are the capture inputs published on connect. A nil source skips
// that kind.
type Sources struct {
	Audio Source
	Video Source
}

// Provider connects to rooms on a WebRTC media server. It implements
// domain.MediaProvider.
type Provider struct {
	signalURL  string
	iceServers []domain.ICEServer
	sources    Sources
}

// NewProvider returns a provider dialing signalURL.
func NewProvider(signalURL string, iceServers []domain.ICEServer, sources Sources) *Provider {
	return &Provider{signalURL: signalURL, iceServers: iceServers, sources: sources}
}

var (
	_ domain.MediaProvider  = (*Provider)(nil)
	_ domain.RoomHandle     = (*Room)(nil)
	_ domain.SignalHandler  = (*Room)(nil)
	_ domain.AttachmentSink = (*Surfaces)(nil)
)

type checker interface {
	Check() error
}

// Connect joins room with token and returns once media negotiation is done.
func (p *Provider) Connect(ctx context.Context, token, room string, constraints domain.MediaConstraints) (domain.RoomHandle, error) {
	for _, src := range []Source{p.sources.Audio, p.sources.Video} {
		if c, ok := src.(checker); ok {
			if err := c.Check(); err != nil {
				return nil, err
			}
		}
	}

	local := &localParticipant{}
	r := newRoom(room, local)

	ok := false
	defer func() {
		if !ok {
			r.markDown(nil)
		}
	}()

	sc := signal.NewClient(p.signalURL, r)
	peer, err := NewPeer(p.iceServers)
	if err != nil {
		return nil, err
	}
	r.bind(peer, sc)

	type published struct {
		track *LocalTrack
		src   Source
	}
	var pubs []published

	streamID := "local-" + uuid.NewString()
	addLocal := func(kind domain.TrackKind, capability pion.RTPCodecCapability, src Source) error {
		sid := string(kind) + "-" + uuid.NewString()
		t, err := pion.NewTrackLocalStaticSample(capability, sid, streamID)
		if err != nil {
			return fmt.Errorf("create local %s track: %w", kind, err)
		}
		if err := peer.AddTrack(t); err != nil {
			return err
		}
		lt := newLocalTrack(sid, kind, t, sc.SendTrackState)
		local.addTrack(lt)
		pubs = append(pubs, published{track: lt, src: src})
		return nil
	}

	if constraints.Audio && p.sources.Audio != nil {
		if err := addLocal(domain.TrackAudio, opusCapability, p.sources.Audio); err != nil {
			return nil, err
		}
	}
	if constraints.Video && p.sources.Video != nil {
		if err := addLocal(domain.TrackVideo, h264Capability, p.sources.Video); err != nil {
			return nil, err
		}
	}

	peer.SetOnTrack(r.handleTrack)
	peer.SetOnICECandidate(sc.SendICECandidate)
	peer.OnStateChange(r.handlePeerState)

	if err := sc.Connect(ctx); err != nil {
		return nil, err
	}

	joined, err := sc.Join(ctx, token, room, constraints)
	if err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	local.identity = joined.Identity
	for _, info := range joined.Participants {
		r.ensureParticipant(info.Identity)
	}
	log.Info().
		Str("module", "provider").
		Str("room", room).
		Str("identity", joined.Identity).
		Int("participants", len(joined.Participants)).
		Msg("joined room")

	offer, err := peer.CreateOffer()
	if err != nil {
		return nil, err
	}
	sc.SendOffer(offer)

	if err := r.waitAnswer(ctx); err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	r.setSourceCancel(cancel)
	for _, pub := range pubs {
		go func(pub published) {
			if err := pub.src.Run(sctx, pub.track); err != nil && sctx.Err() == nil {
				log.Error().Str("module", "provider").Str("sid", pub.track.SID()).Err(err).Msg("capture stopped")
			}
		}(pub)
	}

	ok = true
	return r, nil
}
