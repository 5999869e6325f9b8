package qdrant_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

func TestEnsureCollectionCreatesWhenMissing(t *testing.T) {
	var created, indexed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/frames":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/frames":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			vectors := body["vectors"].(map[string]any)
			assert.EqualValues(t, 1024, vectors["size"])
			assert.Equal(t, "Cosine", vectors["distance"])
			created = true
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/frames/index":
			indexed = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := qdrant.New(srv.URL, "", "frames")
	require.NoError(t, c.EnsureCollection(context.Background(), 1024))
	assert.True(t, created)
	assert.True(t, indexed)
}

func TestEnsureCollectionNoopWhenPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := qdrant.New(srv.URL, "", "frames")
	require.NoError(t, c.EnsureCollection(context.Background(), 1024))
}

func TestUpsertMapsIDsDeterministically(t *testing.T) {
	var ids []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("api-key"))
		var body struct {
			Points []struct {
				ID      string         `json:"id"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		for _, p := range body.Points {
			ids = append(ids, p.ID)
			assert.Equal(t, "job-1", p.Payload["job_id"])
			assert.NotEmpty(t, p.Payload["point_id"])
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := qdrant.New(srv.URL, "key", "frames")
	pt := domain.VectorPoint{ID: "frm-1", Vector: []float32{0.1, 0.2}, Payload: map[string]any{"job_id": "job-1"}}
	require.NoError(t, c.Upsert(context.Background(), []domain.VectorPoint{pt}))
	require.NoError(t, c.Upsert(context.Background(), []domain.VectorPoint{pt}))
	require.Len(t, ids, 2)
	// Same string id always maps onto the same qdrant uuid.
	assert.Equal(t, ids[0], ids[1])
}

func TestSearchByJobFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Limit  int `json:"limit"`
			Filter struct {
				Must []struct {
					Key   string `json:"key"`
					Match struct {
						Value string `json:"value"`
					} `json:"match"`
				} `json:"must"`
			} `json:"filter"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 20, body.Limit)
		require.Len(t, body.Filter.Must, 1)
		assert.Equal(t, "job_id", body.Filter.Must[0].Key)
		assert.Equal(t, "job-1", body.Filter.Must[0].Match.Value)

		_ = json.NewEncoder(w).Encode(map[string]any{"result": []map[string]any{
			{"score": 0.93, "payload": map[string]any{"point_id": "frm-7"}},
			{"score": 0.85, "payload": map[string]any{"point_id": "frm-2"}},
		}})
	}))
	defer srv.Close()

	c := qdrant.New(srv.URL, "", "frames")
	hits, err := c.SearchByJob(context.Background(), "job-1", []float32{0.5}, 20)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, domain.ScoredPoint{ID: "frm-7", Score: 0.93}, hits[0])
}

func TestDeleteByJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/frames/points/delete", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := qdrant.New(srv.URL, "", "frames")
	require.NoError(t, c.DeleteByJob(context.Background(), "job-1"))
}

func TestSearchPropagatesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := qdrant.New(srv.URL, "", "frames")
	_, err := c.SearchByJob(context.Background(), "job-1", []float32{0.5}, 20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=qdrant.search")
}
