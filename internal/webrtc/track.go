package webrtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
)

// PacketWriter consumes RTP packets of one remote track.
type PacketWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

func kindOf(k pion.RTPCodecType) domain.TrackKind {
	switch k {
	case pion.RTPCodecTypeAudio:
		return domain.TrackAudio
	case pion.RTPCodecTypeVideo:
		return domain.TrackVideo
	default:
		return domain.TrackData
	}
}

// RemoteTrack is a track subscribed from another participant. Packets read
// before an output is attached are dropped.
type RemoteTrack struct {
	sid  string
	kind domain.TrackKind

	mu  sync.Mutex
	out PacketWriter
}

func newRemoteTrack(sid string, kind domain.TrackKind) *RemoteTrack {
	return &RemoteTrack{sid: sid, kind: kind}
}

func (t *RemoteTrack) SID() string            { return t.sid }
func (t *RemoteTrack) Kind() domain.TrackKind { return t.kind }

// setOutput replaces the current output and returns the previous one.
func (t *RemoteTrack) setOutput(w PacketWriter) PacketWriter {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.out
	t.out = w
	return prev
}

func (t *RemoteTrack) write(pkt *rtp.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil {
		return
	}
	if err := t.out.WriteRTP(pkt); err != nil {
		log.Warn().Str("module", "webrtc").Str("track", t.sid).Err(err).Msg("write rtp")
	}
}

// pump forwards packets from r until it fails, then calls done.
func (t *RemoteTrack) pump(r rtpReader, done func()) {
	defer done()
	for {
		pkt, _, err := r.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Str("module", "webrtc").Str("track", t.sid).Err(err).Msg("remote track read ended")
			}
			return
		}
		t.write(pkt)
	}
}

// SampleWriter consumes media samples of one local track.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// LocalTrack is a captured track published to the room. While disabled its
// samples are dropped and never sent.
type LocalTrack struct {
	sid  string
	kind domain.TrackKind
	out  SampleWriter

	enabled atomic.Bool
	notify  func(sid string, enabled bool)

	mu      sync.Mutex
	preview io.WriteCloser
}

func newLocalTrack(sid string, kind domain.TrackKind, out SampleWriter, notify func(string, bool)) *LocalTrack {
	t := &LocalTrack{sid: sid, kind: kind, out: out, notify: notify}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) SID() string            { return t.sid }
func (t *LocalTrack) Kind() domain.TrackKind { return t.kind }
func (t *LocalTrack) Enabled() bool          { return t.enabled.Load() }

func (t *LocalTrack) Enable() {
	if !t.enabled.Swap(true) && t.notify != nil {
		t.notify(t.sid, true)
	}
}

func (t *LocalTrack) Disable() {
	if t.enabled.Swap(false) && t.notify != nil {
		t.notify(t.sid, false)
	}
}

func (t *LocalTrack) setPreview(w io.WriteCloser) io.WriteCloser {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.preview
	t.preview = w
	return prev
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// WriteSample sends s to the room and mirrors it to the preview surface.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}

	t.mu.Lock()
	if t.preview != nil {
		if t.kind == domain.TrackVideo {
			t.preview.Write(annexBStartCode)
		}
		if _, err := t.preview.Write(s.Data); err != nil {
			log.Warn().Str("module", "webrtc").Str("track", t.sid).Err(err).Msg("write preview")
		}
	}
	t.mu.Unlock()

	return t.out.WriteSample(s)
}
