package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/failure"
)

const oggPageDuration = 20 * time.Millisecond

var errNoMedia = errors.New("capture file holds no media")

// Source produces captured media samples for one local track.
type Source interface {
	Run(ctx context.Context, out SampleWriter) error
}

// openCapture opens a capture file. Access errors surface as the provider's
// media permission code so they classify like a denied device.
func openCapture(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, &failure.ProviderError{Code: failure.CodeMediaPermissionDenied, Message: err.Error()}
		}
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	return f, nil
}

// OggSource plays an Ogg/Opus file in a loop, paced by page.
type OggSource struct {
	Path string
}

// Check verifies the file can be opened.
func (s OggSource) Check() error {
	f, err := openCapture(s.Path)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s OggSource) Run(ctx context.Context, out SampleWriter) error {
	for {
		n, err := s.playOnce(ctx, out)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", s.Path, errNoMedia)
		}
		log.Trace().Str("module", "source").Str("path", s.Path).Msg("rewind")
	}
}

func (s OggSource) playOnce(ctx context.Context, out SampleWriter) (int, error) {
	f, err := openCapture(s.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return 0, fmt.Errorf("read ogg header: %w", err)
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	n := 0
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("parse ogg page: %w", err)
		}

		// Granule positions count 48kHz samples.
		sampleCount := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		duration := time.Duration((sampleCount/48000)*1000) * time.Millisecond
		if duration <= 0 {
			duration = oggPageDuration
		}

		if err := out.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return n, fmt.Errorf("write audio sample: %w", err)
		}
		n++

		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case <-ticker.C:
		}
	}
}

// H264Source plays an Annex-B H264 file in a loop at a fixed frame rate.
type H264Source struct {
	Path string
	FPS  int
}

// Check verifies the file can be opened.
func (s H264Source) Check() error {
	f, err := openCapture(s.Path)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s H264Source) Run(ctx context.Context, out SampleWriter) error {
	for {
		n, err := s.playOnce(ctx, out)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", s.Path, errNoMedia)
		}
		log.Trace().Str("module", "source").Str("path", s.Path).Msg("rewind")
	}
}

func (s H264Source) playOnce(ctx context.Context, out SampleWriter) (int, error) {
	f, err := openCapture(s.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h264, err := h264reader.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("read h264 stream: %w", err)
	}

	fps := s.FPS
	if fps <= 0 {
		fps = 24
	}
	frame := time.Second / time.Duration(fps)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	n := 0
	for {
		nal, err := h264.NextNAL()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read nal: %w", err)
		}

		if err := out.WriteSample(media.Sample{Data: nal.Data, Duration: frame}); err != nil {
			return n, fmt.Errorf("write video sample: %w", err)
		}
		n++

		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case <-ticker.C:
		}
	}
}
