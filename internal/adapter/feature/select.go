package feature

import (
	"log/slog"

	"github.com/fairyhunter13/product-video-matcher/internal/config"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// SelectSegmenter returns the HTTP adapter when a segmenter sidecar is
// configured, the deterministic stub otherwise.
func SelectSegmenter(cfg config.Config, c *Client) domain.Segmenter {
	if cfg.SegmenterURL == "" {
		slog.Info("no segmenter sidecar configured, using stub")
		return StubSegmenter{}
	}
	return NewHTTPSegmenter(c)
}

// SelectEmbedder returns the HTTP adapter when an embedder sidecar is
// configured, the deterministic stub otherwise.
func SelectEmbedder(cfg config.Config, c *Client) domain.Embedder {
	if cfg.EmbedderURL == "" {
		slog.Info("no embedder sidecar configured, using stub")
		return StubEmbedder{}
	}
	return NewHTTPEmbedder(c)
}

// SelectKeypointExtractor returns the HTTP adapter when a keypoint sidecar
// is configured, the deterministic stub otherwise.
func SelectKeypointExtractor(cfg config.Config, c *Client) domain.KeypointExtractor {
	if cfg.KeypointURL == "" {
		slog.Info("no keypoint sidecar configured, using stub")
		return StubKeypointExtractor{}
	}
	return NewHTTPKeypointExtractor(c)
}
