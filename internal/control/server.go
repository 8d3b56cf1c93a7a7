// Package control exposes the consultation session over a small local HTTP
// API so a UI shell can drive it.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
	"github.com/clinicflow/videoconsult/internal/session"
)

// Session is the part of the session controller the API drives.
type Session interface {
	StartAsync(ctx context.Context) (<-chan error, error)
	Leave()
	ToggleAudio() domain.LocalMediaState
	ToggleVideo() domain.LocalMediaState
	Snapshot() session.Snapshot
}

// Options configure the router.
type Options struct {
	// AllowOrigins lists browser origins allowed to call the API. Empty
	// allows any origin.
	AllowOrigins []string
	Debug        bool
}

// Server serves the control API.
type Server struct {
	ctx     context.Context
	session Session
	engine  *gin.Engine
}

// NewServer builds the router. Starts triggered over HTTP run under ctx, so
// cancelling it abandons an in-flight attempt.
func NewServer(ctx context.Context, sess Session, opts Options) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	if len(opts.AllowOrigins) == 0 {
		r.Use(cors.Default())
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins: opts.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{"Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s := &Server{ctx: ctx, session: sess, engine: r}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	api.GET("/session", s.getSession)
	api.POST("/session/start", s.startSession)
	api.POST("/session/leave", s.leaveSession)
	api.POST("/media/audio/toggle", s.toggleAudio)
	api.POST("/media/video/toggle", s.toggleVideo)

	log.Info().Str("module", "control").Msg("router setup")
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("module", "control").Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Snapshot())
}

func (s *Server) startSession(c *gin.Context) {
	done, err := s.session.StartAsync(s.ctx)
	switch {
	case errors.Is(err, session.ErrNotRestartable):
		c.JSON(http.StatusConflict, gin.H{"error": "session already active"})
		return
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session closed"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	go func() {
		if err := <-done; err != nil {
			log.Warn().Str("module", "control").Err(err).Msg("start from control API did not connect")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "starting"})
}

func (s *Server) leaveSession(c *gin.Context) {
	s.session.Leave()
	c.JSON(http.StatusOK, s.session.Snapshot())
}

func (s *Server) toggleAudio(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.ToggleAudio())
}

func (s *Server) toggleVideo(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.ToggleVideo())
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("module", "control").
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
