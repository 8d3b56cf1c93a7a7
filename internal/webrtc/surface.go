package webrtc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
)

// annexBWriter writes a remote H264 track as a raw Annex-B stream.
type annexBWriter struct {
	w      io.WriteCloser
	depack *H264Depacketizer
}

func newAnnexBWriter(w io.WriteCloser) *annexBWriter {
	return &annexBWriter{w: w, depack: NewH264Depacketizer()}
}

func (a *annexBWriter) WriteRTP(pkt *rtp.Packet) error {
	for _, nalu := range a.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if len(nalu) == 0 {
			continue
		}
		if _, err := a.w.Write(annexBStartCode); err != nil {
			return err
		}
		if _, err := a.w.Write(nalu); err != nil {
			return err
		}
	}
	return nil
}

func (a *annexBWriter) Close() error { return a.w.Close() }

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Surfaces is the AttachmentSink backed by files in a directory: remote video
// as .h264, remote audio as .ogg, and the local camera as a preview .h264.
type Surfaces struct {
	dir string

	mu   sync.Mutex
	open map[string]io.Closer
}

// NewSurfaces creates dir if needed and returns a sink writing into it.
func NewSurfaces(dir string) (*Surfaces, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Surfaces{dir: dir, open: make(map[string]io.Closer)}, nil
}

func surfaceKey(owner string, t domain.Track) string {
	return owner + "/" + t.SID()
}

func (s *Surfaces) path(owner string, t domain.Track, ext string) string {
	name := unsafeName.ReplaceAllString(owner, "_") + "-" + unsafeName.ReplaceAllString(t.SID(), "_") + ext
	return filepath.Join(s.dir, name)
}

// Attach opens a surface for t. Attaching an already attached track is a no-op.
func (s *Surfaces) Attach(owner string, t domain.Track) error {
	key := surfaceKey(owner, t)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[key]; ok {
		return nil
	}

	switch tr := t.(type) {
	case *RemoteTrack:
		w, err := s.remoteWriter(owner, tr)
		if err != nil {
			return err
		}
		tr.setOutput(w)
		s.open[key] = closerFunc(func() error {
			if prev := tr.setOutput(nil); prev != nil {
				return prev.Close()
			}
			return nil
		})

	case *LocalTrack:
		if tr.Kind() != domain.TrackVideo {
			return fmt.Errorf("no surface for local %s track", tr.Kind())
		}
		f, err := os.Create(s.path(owner, tr, "-preview.h264"))
		if err != nil {
			return fmt.Errorf("create preview: %w", err)
		}
		tr.setPreview(f)
		s.open[key] = closerFunc(func() error {
			if prev := tr.setPreview(nil); prev != nil {
				return prev.Close()
			}
			return nil
		})

	default:
		return fmt.Errorf("unsupported track type %T", t)
	}

	log.Info().Str("module", "surface").Str("identity", owner).Str("sid", t.SID()).Str("kind", string(t.Kind())).Msg("surface attached")
	return nil
}

func (s *Surfaces) remoteWriter(owner string, t *RemoteTrack) (PacketWriter, error) {
	switch t.Kind() {
	case domain.TrackVideo:
		f, err := os.Create(s.path(owner, t, ".h264"))
		if err != nil {
			return nil, fmt.Errorf("create video surface: %w", err)
		}
		return newAnnexBWriter(f), nil

	case domain.TrackAudio:
		f, err := os.Create(s.path(owner, t, ".ogg"))
		if err != nil {
			return nil, fmt.Errorf("create audio surface: %w", err)
		}
		w, err := oggwriter.NewWith(f, 48000, 2)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create ogg writer: %w", err)
		}
		return w, nil

	default:
		return nil, fmt.Errorf("no surface for %s track", t.Kind())
	}
}

// Detach closes the surface bound to t, if any.
func (s *Surfaces) Detach(owner string, t domain.Track) error {
	key := surfaceKey(owner, t)

	s.mu.Lock()
	c, ok := s.open[key]
	delete(s.open, key)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	log.Info().Str("module", "surface").Str("identity", owner).Str("sid", t.SID()).Msg("surface detached")
	return c.Close()
}

// Open is the number of surfaces currently in use.
func (s *Surfaces) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
