package server

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ivlev/animaldetect/internal/bundle"
	"github.com/ivlev/animaldetect/internal/detector"
	"github.com/ivlev/animaldetect/internal/faults"
	"github.com/ivlev/animaldetect/internal/geometry"
	"github.com/ivlev/animaldetect/internal/system"
	"github.com/ivlev/animaldetect/internal/wire"
)

// Detect runs the detector on the raw image in the request body. The reply
// is protobuf wire encoded unless the client accepts JSON.
func (s *Server) Detect(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(c, http.StatusRequestEntityTooLarge, err)
			return
		}
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if len(body) == 0 {
		s.fail(c, http.StatusBadRequest, errors.New("empty request body"))
		return
	}

	dets, err := detector.DetectBytes(c.Request.Context(), s.det, body)
	if err != nil {
		status := faults.HTTPStatus(err)
		if errors.Is(err, detector.ErrBadImage) {
			status = http.StatusBadRequest
		}
		s.fail(c, status, err)
		return
	}
	if dets == nil {
		dets = []geometry.Classified{}
	}

	if strings.Contains(c.GetHeader("Accept"), "application/json") {
		c.JSON(http.StatusOK, gin.H{
			"detections": dets,
			"count":      len(dets),
		})
		return
	}
	c.Data(http.StatusOK, wire.ContentType, wire.MarshalDetections(dets))
}

// Models lists the bundles in the models directory. Paths are reduced to
// file names.
func (s *Server) Models(c *gin.Context) {
	infos, err := bundle.Enumerate(s.modelsDir, s.logger)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	for i := range infos {
		infos[i].Path = filepath.Base(infos[i].Path)
	}
	if infos == nil {
		infos = []bundle.Info{}
	}
	c.JSON(http.StatusOK, gin.H{"models": infos})
}

func (s *Server) Health(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"host":   system.ReadHostStats(),
	}
	if m, ok := s.det.(interface{ Metadata() bundle.Metadata }); ok {
		resp["model"] = m.Metadata().Name
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	kind := faults.Kind(err)
	if errors.Is(err, detector.ErrBadImage) {
		kind = "BadImage"
	}
	s.logger.WithFields(logrus.Fields{
		"request_id": c.GetString("request_id"),
		"kind":       kind,
	}).WithError(err).Warn("request error")

	resp := gin.H{"error": err.Error()}
	if kind != "" {
		resp["kind"] = kind
	}
	c.AbortWithStatusJSON(status, resp)
}
