// Package server exposes a detector over HTTP: the serving side of the
// remote detector contract.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ivlev/animaldetect/internal/detector"
)

// DefaultMaxBody limits uploaded images.
const DefaultMaxBody = 32 << 20

type Options struct {
	ModelsDir string
	// Mode is the gin mode; empty keeps release.
	Mode         string
	MaxBodyBytes int64
	Logger       logrus.FieldLogger
}

type Server struct {
	det       detector.Detector
	modelsDir string
	maxBody   int64
	logger    logrus.FieldLogger
	router    *gin.Engine
}

func New(det detector.Detector, opts Options) *Server {
	mode := opts.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}

	s := &Server{
		det:       det,
		modelsDir: opts.ModelsDir,
		maxBody:   maxBody,
		logger:    logger,
	}

	router := gin.New()
	router.Use(requestID())
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	s.RegisterRoutes(router)
	s.router = router
	return s
}

// RegisterRoutes mounts the health probe and the /api/v1 group.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", s.Health)

	api := router.Group("/api/v1")
	{
		api.POST("/detect", s.Detect)
		api.GET("/models", s.Models)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then drains open requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
