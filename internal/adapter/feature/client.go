// Package feature adapts the vision sidecars (segmenter, embedder, keypoint
// extractor) behind the domain ports. Each sidecar is a small HTTP service
// that takes raw image bytes and returns its artifact. When no sidecar URL
// is configured the deterministic stubs in stub.go are used instead, which
// keeps the pipeline runnable end to end on a laptop.
package feature

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/product-video-matcher/internal/config"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// Client is the shared HTTP plumbing for the three sidecars.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// NewClient constructs the shared sidecar client. Outbound calls are traced
// so sidecar latency shows up on the worker spans.
func NewClient(cfg config.Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Sidecar %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{cfg: cfg, hc: &http.Client{Timeout: 60 * time.Second, Transport: transport}}
}

func (c *Client) backoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetSidecarBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// post sends the image to a sidecar endpoint and returns the response body.
// 5xx and transport errors retry with exponential backoff; 4xx are permanent.
func (c *Client) post(ctx domain.Context, url, contentType string, image []byte) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(image))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := c.hc.Do(req)
		if err != nil {
			slog.Warn("sidecar request failed", slog.String("url", url), slog.Any("error", err))
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			// Retryable: let backoff handle retries
			return fmt.Errorf("sidecar status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("sidecar status %d", resp.StatusCode))
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return nil
	}
	bo := backoff.WithContext(c.backoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamFailure, err)
	}
	return body, nil
}

// HTTPSegmenter calls the segmentation sidecar, which returns the masked
// image bytes directly.
type HTTPSegmenter struct{ *Client }

// NewHTTPSegmenter constructs a Segmenter on the shared client.
func NewHTTPSegmenter(c *Client) *HTTPSegmenter { return &HTTPSegmenter{c} }

// Mask removes the background from the image.
func (s *HTTPSegmenter) Mask(ctx domain.Context, image []byte) ([]byte, error) {
	out, err := s.post(ctx, s.cfg.SegmenterURL+"/mask", "application/octet-stream", image)
	if err != nil {
		return nil, fmt.Errorf("op=segmenter.mask: %w", err)
	}
	return out, nil
}

// HTTPEmbedder calls the embedding sidecar, which returns both channels as
// JSON. Vectors arrive L2-normalized.
type HTTPEmbedder struct{ *Client }

// NewHTTPEmbedder constructs an Embedder on the shared client.
func NewHTTPEmbedder(c *Client) *HTTPEmbedder { return &HTTPEmbedder{c} }

// Embed produces the RGB and grayscale embedding vectors.
func (e *HTTPEmbedder) Embed(ctx domain.Context, image []byte) ([]float32, []float32, error) {
	out, err := e.post(ctx, e.cfg.EmbedderURL+"/embed", "application/octet-stream", image)
	if err != nil {
		return nil, nil, fmt.Errorf("op=embedder.embed: %w", err)
	}
	var resp struct {
		RGB  []float32 `json:"rgb"`
		Gray []float32 `json:"gray"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, nil, fmt.Errorf("op=embedder.embed: decode: %w", err)
	}
	if len(resp.RGB) == 0 || len(resp.Gray) == 0 {
		return nil, nil, fmt.Errorf("op=embedder.embed: %w: empty vectors", domain.ErrUpstreamFailure)
	}
	return resp.RGB, resp.Gray, nil
}

// HTTPKeypointExtractor calls the keypoint sidecar, which returns points and
// descriptors as JSON.
type HTTPKeypointExtractor struct{ *Client }

// NewHTTPKeypointExtractor constructs a KeypointExtractor on the shared client.
func NewHTTPKeypointExtractor(c *Client) *HTTPKeypointExtractor { return &HTTPKeypointExtractor{c} }

// Extract detects local keypoints and descriptors.
func (k *HTTPKeypointExtractor) Extract(ctx domain.Context, image []byte) (domain.Keypoints, error) {
	out, err := k.post(ctx, k.cfg.KeypointURL+"/keypoints", "application/octet-stream", image)
	if err != nil {
		return domain.Keypoints{}, fmt.Errorf("op=keypoints.extract: %w", err)
	}
	var resp struct {
		Dim         int          `json:"dim"`
		Points      [][2]float32 `json:"points"`
		Descriptors [][]float32  `json:"descriptors"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return domain.Keypoints{}, fmt.Errorf("op=keypoints.extract: decode: %w", err)
	}
	if len(resp.Points) != len(resp.Descriptors) {
		return domain.Keypoints{}, fmt.Errorf("op=keypoints.extract: %w: points/descriptors mismatch", domain.ErrUpstreamFailure)
	}
	return domain.Keypoints{Dim: resp.Dim, Points: resp.Points, Descriptors: resp.Descriptors}, nil
}
