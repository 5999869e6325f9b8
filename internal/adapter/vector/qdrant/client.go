// Package qdrant implements the frame embedding index on Qdrant's HTTP API.
//
// All jobs share one collection; every point carries a job_id payload and
// searches filter on it, so retrieval never crosses job boundaries.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// pointNamespace maps our string point ids onto the UUID space Qdrant
// accepts. The mapping is deterministic so re-upserts overwrite in place.
var pointNamespace = uuid.MustParse("9f2c1f6e-3d41-4a8a-9a64-5f1f0c2a7b10")

// Client is a minimal Qdrant HTTP client implementing domain.VectorIndex.
type Client struct {
	baseURL    string
	apiKey     string
	collection string
	httpClient *http.Client
}

// New constructs a Client for one collection with an optional apiKey.
func New(baseURL, apiKey, collection string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// EnsureCollection creates the cosine-distance collection if it does not
// exist, along with the job_id payload index used by search filters.
func (c *Client) EnsureCollection(ctx context.Context, dim int) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection), nil)
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=qdrant.ensure: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	payload := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", c.collection), payload, nil); err != nil {
		return fmt.Errorf("op=qdrant.ensure: %w", err)
	}
	idx := map[string]any{"field_name": "job_id", "field_schema": "keyword"}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/index", c.collection), idx, nil); err != nil {
		return fmt.Errorf("op=qdrant.ensure: index: %w", err)
	}
	return nil
}

// Upsert inserts or overwrites points. The point's string ID goes into the
// payload as point_id so search results can return it.
func (c *Client) Upsert(ctx context.Context, points []domain.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	body := make([]map[string]any, 0, len(points))
	for _, p := range points {
		payload := map[string]any{"point_id": p.ID}
		for k, v := range p.Payload {
			payload[k] = v
		}
		body = append(body, map[string]any{
			"id":      uuid.NewSHA1(pointNamespace, []byte(p.ID)).String(),
			"vector":  p.Vector,
			"payload": payload,
		})
	}
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", c.collection), map[string]any{"points": body}, nil)
	if err != nil {
		return fmt.Errorf("op=qdrant.upsert: %w", err)
	}
	return nil
}

// SearchByJob returns the topK nearest points restricted to one job.
func (c *Client) SearchByJob(ctx context.Context, jobID string, vector []float32, topK int) ([]domain.ScoredPoint, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "job_id", "match": map[string]any{"value": jobID}},
			},
		},
	}
	var out struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", c.collection), body, &out); err != nil {
		return nil, fmt.Errorf("op=qdrant.search: %w", err)
	}
	hits := make([]domain.ScoredPoint, 0, len(out.Result))
	for _, r := range out.Result {
		id, _ := r.Payload["point_id"].(string)
		if id == "" {
			continue
		}
		hits = append(hits, domain.ScoredPoint{ID: id, Score: r.Score})
	}
	return hits, nil
}

// DeleteByJob removes every point of a job.
func (c *Client) DeleteByJob(ctx context.Context, jobID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "job_id", "match": map[string]any{"value": jobID}},
			},
		},
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection), body, nil)
	if err != nil {
		return fmt.Errorf("op=qdrant.delete_by_job: %w", err)
	}
	return nil
}

// Healthy probes the collections endpoint for readiness checks.
func (c *Client) Healthy(ctx context.Context) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collections", nil)
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=qdrant.healthy: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=qdrant.healthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}
