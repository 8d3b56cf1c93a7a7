package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/api"
	"github.com/clinicflow/videoconsult/internal/config"
	"github.com/clinicflow/videoconsult/internal/consent"
	"github.com/clinicflow/videoconsult/internal/control"
	"github.com/clinicflow/videoconsult/internal/credential"
	"github.com/clinicflow/videoconsult/internal/failure"
	"github.com/clinicflow/videoconsult/internal/session"
	"github.com/clinicflow/videoconsult/internal/webrtc"
)

const helpText = `consultroom - Join a telehealth video consultation over WebRTC

Usage:
  consultroom [options]

Checks telehealth consent, fetches a one-time video token for the
appointment and joins its room. Remote video is written as raw H264 and
remote audio as Ogg/Opus into CONSULT_OUTPUT_DIR, one file per track.

Environment Variables (required):
  CONSULT_API_URL          Consultation API base URL
  CONSULT_API_TOKEN        Signed-in user's API token
  CONSULT_SIGNAL_URL       Room signalling WebSocket URL (ws:// or wss://)
  CONSULT_APPOINTMENT_ID   Appointment UUID

Environment Variables (optional):
  CONSULT_STUN_URLS        Comma separated STUN URLs
  CONSULT_AUDIO_SOURCE     Ogg/Opus file published as the microphone
  CONSULT_VIDEO_SOURCE     Annex-B H264 file published as the camera
  CONSULT_OUTPUT_DIR       Output directory (default consult-out)
  CONSULT_CONTROL_ADDR     Serve the control API on this host:port
  CONSULT_CONTROL_ORIGINS  Browser origins allowed to call the control API
  LOG_LEVEL                trace, debug, info, warn or error (default info)
  LOG_FILE                 Also write JSON logs to this rotated file

Examples:
  # Join and watch the clinician's camera
  consultroom && ffplay -f h264 consult-out/clinician-*.h264

  # Keep running behind a local UI
  CONSULT_CONTROL_ADDR=127.0.0.1:8088 consultroom

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "consultroom: %v\n", err)
		os.Exit(2)
	}

	logFile := setupLogging(cfg.LogLevel, cfg.LogFile)
	defer logFile.Close()

	if err := run(cfg); err != nil {
		log.Error().Str("module", "main").Err(err).Msg("exiting")
		logFile.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	surfaces, err := webrtc.NewSurfaces(cfg.OutputDir)
	if err != nil {
		return err
	}

	var sources webrtc.Sources
	if cfg.AudioSource != "" {
		sources.Audio = webrtc.OggSource{Path: cfg.AudioSource}
	}
	if cfg.VideoSource != "" {
		sources.Video = webrtc.H264Source{Path: cfg.VideoSource, FPS: 24}
	}

	apiClient := api.NewClient(cfg.APIURL, cfg.APIToken)
	ctrl := session.New(cfg.Appointment(), session.Deps{
		Identity:    apiClient,
		Gate:        consent.NewGate(apiClient),
		Credentials: credential.NewAcquirer(apiClient),
		Provider:    webrtc.NewProvider(cfg.SignalURL, cfg.ICEServers(), sources),
		Sink:        surfaces,
	})
	defer ctrl.Close()

	ended := make(chan session.State, 1)
	ctrl.Subscribe(func(st session.State) {
		switch st.Phase {
		case session.PhaseConnected:
			log.Info().Str("module", "main").Msg("in consultation")
		case session.PhaseFailed:
			log.Warn().Str("module", "main").Str("reason", string(st.Reason)).Msg(st.Reason.Message())
		}
		if st.Phase == session.PhaseDisconnected || st.Phase == session.PhaseFailed {
			select {
			case ended <- st:
			default:
			}
		}
	})

	controlDone := make(chan error, 1)
	if cfg.ControlAddr != "" {
		srv := control.NewServer(ctx, ctrl, control.Options{
			AllowOrigins: cfg.ControlOrigin,
			Debug:        cfg.LogLevel == "debug" || cfg.LogLevel == "trace",
		})
		go func() { controlDone <- srv.ListenAndServe(ctx, cfg.ControlAddr) }()
	}

	log.Info().
		Str("module", "main").
		Str("appointment", cfg.AppointmentID).
		Str("output", cfg.OutputDir).
		Msg("starting consultation")

	startErr := ctrl.Start(ctx)
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		var fe *failure.Error
		if errors.As(startErr, &fe) {
			log.Error().
				Str("module", "main").
				Str("reason", string(fe.Reason)).
				Bool("retryable", fe.Retryable()).
				Str("detail", fe.Detail).
				Msg(fe.Message())
		}
	}

	// Without a control API there is nobody to retry or rejoin.
	if cfg.ControlAddr == "" {
		if startErr != nil {
			return startErr
		}
		select {
		case <-ctx.Done():
			log.Info().Str("module", "main").Msg("shutting down")
		case st := <-ended:
			log.Info().Str("module", "main").Str("status", st.String()).Msg("consultation ended")
		}
		return nil
	}

	select {
	case <-ctx.Done():
		log.Info().Str("module", "main").Msg("shutting down")
		return <-controlDone
	case err := <-controlDone:
		return err
	}
}
