package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/ivlev/animaldetect/internal/bundle"
	"github.com/ivlev/animaldetect/internal/faults"
	"github.com/ivlev/animaldetect/internal/geometry"
	"github.com/ivlev/animaldetect/internal/wire"
)

const maxResponseSize = 32 << 20

// Remote delegates detection to an animaldetect server. It never retries.
type Remote struct {
	baseURL     string
	httpClient  *http.Client
	jpegQuality int
	logger      logrus.FieldLogger
}

type RemoteOptions struct {
	Timeout     time.Duration
	JPEGQuality int
	// Client overrides the default client; Timeout is ignored when set.
	Client *http.Client
	Logger logrus.FieldLogger
}

func NewRemote(baseURL string, opts RemoteOptions) *Remote {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	quality := opts.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Remote{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  client,
		jpegQuality: quality,
		logger:      logger,
	}
}

// Detect sends img as JPEG to POST {base}/api/v1/detect and decodes the
// protobuf-wire response.
func (r *Remote) Detect(ctx context.Context, img image.Image) ([]geometry.Classified, error) {
	var body bytes.Buffer
	if err := imaging.Encode(&body, img, imaging.JPEG, imaging.JPEGQuality(r.jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode request image: %w", err)
	}

	url := r.baseURL + "/api/v1/detect"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", wire.ContentType)

	r.logger.WithField("url", url).Debug("remote detect")
	respBody, err := r.do(req)
	if err != nil {
		return nil, err
	}

	dets, err := wire.UnmarshalDetections(respBody)
	if err != nil {
		return nil, fmt.Errorf("remote detect: %w", err)
	}
	return dets, nil
}

// Health checks GET {base}/health.
func (r *Remote) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	_, err = r.do(req)
	return err
}

// Models lists the bundles the server can load.
func (r *Remote) Models(ctx context.Context) ([]bundle.Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	respBody, err := r.do(req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Models []bundle.Info `json:"models"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: models response: %v", faults.ErrProtocol, err)
	}
	return resp.Models, nil
}

func (r *Remote) Close() error {
	r.httpClient.CloseIdleConnections()
	return nil
}

// do runs req and returns the body of a 2xx response. Transport failures are
// faults.ErrNetwork, unexpected statuses faults.ErrProtocol.
func (r *Remote) do(req *http.Request) ([]byte, error) {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", faults.ErrNetwork, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", faults.ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("%w: %s %s returned status %d: %s",
			faults.ErrProtocol, req.Method, req.URL, resp.StatusCode, strings.TrimSpace(snippet))
	}
	return body, nil
}
