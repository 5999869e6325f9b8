package event

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

const testEventID = "7c9e6679-7425-40de-944b-e07fc1f90ae7" // fixed UUIDv4

func validEnvelope() map[string]any {
	return map[string]any{
		"event_id": testEventID,
		"job_id":   "job-1",
	}
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "image_embeddings_completed", CanonicalName("image.embeddings.completed"))
	assert.Equal(t, "match_request", CanonicalName("match.request"))
	assert.Equal(t, "job_completed", CanonicalName("job.completed"))
}

func TestResolve_BothSpellings(t *testing.T) {
	dotted, ok := Resolve("image.embeddings.completed")
	require.True(t, ok)

	underscored, ok := Resolve("image_embeddings_completed")
	require.True(t, ok)

	assert.Same(t, dotted, underscored)
	assert.Equal(t, TopicImageEmbeddingsCompleted, dotted.Topic)
	assert.Equal(t, "image_embeddings_completed", dotted.Canonical)
}

func TestResolve_UnknownName(t *testing.T) {
	_, ok := Resolve("products.image.vanished")
	assert.False(t, ok)
}

func TestTopics_CoversRegistry(t *testing.T) {
	topics := Topics()
	assert.Len(t, topics, 25)

	seen := map[string]bool{}
	for _, tp := range topics {
		assert.False(t, seen[tp], "duplicate topic %s", tp)
		seen[tp] = true
	}
}

func TestCompletionTopics(t *testing.T) {
	completions := CompletionTopics()
	require.Len(t, completions, 8)
	for _, tp := range completions {
		_, ok := Resolve(tp)
		assert.True(t, ok, "completion topic %s not registered", tp)
	}
}

func TestValidate_Envelope(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		wantErr string
	}{
		{
			name:    "missing event_id",
			payload: map[string]any{"job_id": "job-1"},
			wantErr: "event_id",
		},
		{
			name:    "event_id not a uuid",
			payload: map[string]any{"event_id": "not-a-uuid", "job_id": "job-1"},
			wantErr: "UUIDv4",
		},
		{
			name: "event_id wrong uuid version",
			payload: map[string]any{
				// version nibble is 1
				"event_id": "7c9e6679-7425-10de-944b-e07fc1f90ae7",
				"job_id":   "job-1",
			},
			wantErr: "UUIDv4",
		},
		{
			name:    "missing job_id",
			payload: map[string]any{"event_id": testEventID},
			wantErr: "job_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(TopicJobCompleted, tt.payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrSchemaViolation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_UnknownTopic(t *testing.T) {
	err := Validate("no.such.topic", validEnvelope())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaViolation)
}

func TestValidate_ProductsCollectRequest(t *testing.T) {
	base := func() map[string]any {
		p := validEnvelope()
		p["queries"] = map[string]any{"en": []any{"camping tent"}}
		p["top_amz"] = float64(10)
		p["top_ebay"] = float64(5)
		return p
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Validate(TopicProductsCollectRequest, base()))
	})

	t.Run("top_amz out of range", func(t *testing.T) {
		p := base()
		p["top_amz"] = float64(101)
		err := Validate(TopicProductsCollectRequest, p)
		assert.ErrorIs(t, err, domain.ErrSchemaViolation)
	})

	t.Run("fractional top_ebay rejected", func(t *testing.T) {
		p := base()
		p["top_ebay"] = 2.5
		err := Validate(TopicProductsCollectRequest, p)
		assert.ErrorIs(t, err, domain.ErrSchemaViolation)
	})

	t.Run("missing english queries", func(t *testing.T) {
		p := base()
		p["queries"] = map[string]any{"zh": []any{"帐篷"}}
		err := Validate(TopicProductsCollectRequest, p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "en")
	})
}

func TestValidate_VideosSearchRequest(t *testing.T) {
	base := func() map[string]any {
		p := validEnvelope()
		p["industry"] = "outdoor"
		p["queries"] = map[string]any{"en": []any{"tent review"}}
		p["platforms"] = []any{"youtube", "bilibili"}
		p["recency_days"] = float64(30)
		return p
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Validate(TopicVideosSearchRequest, base()))
	})

	t.Run("unsupported platform", func(t *testing.T) {
		p := base()
		p["platforms"] = []any{"tiktok"}
		err := Validate(TopicVideosSearchRequest, p)
		assert.ErrorIs(t, err, domain.ErrSchemaViolation)
	})

	t.Run("empty platforms", func(t *testing.T) {
		p := base()
		p["platforms"] = []any{}
		assert.Error(t, Validate(TopicVideosSearchRequest, p))
	})

	t.Run("recency_days out of range", func(t *testing.T) {
		p := base()
		p["recency_days"] = float64(366)
		assert.Error(t, Validate(TopicVideosSearchRequest, p))
	})
}

func TestValidate_BatchTotals(t *testing.T) {
	t.Run("zero total allowed", func(t *testing.T) {
		p := validEnvelope()
		p["total_images"] = float64(0)
		assert.NoError(t, Validate(TopicProductsImagesReadyBatch, p))
	})

	t.Run("negative total rejected", func(t *testing.T) {
		p := validEnvelope()
		p["total_keyframes"] = float64(-1)
		err := Validate(TopicVideosKeyframesReadyBatch, p)
		assert.ErrorIs(t, err, domain.ErrSchemaViolation)
	})
}

func TestValidate_KeyframesMasked(t *testing.T) {
	base := func() map[string]any {
		p := validEnvelope()
		p["video_id"] = "vid-1"
		p["frames"] = []any{
			map[string]any{"frame_id": "f-1", "ts": 1.5, "mask_path": "/data/masks/a.png"},
		}
		return p
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Validate(TopicVideoKeyframesMasked, base()))
	})

	t.Run("frame missing mask_path", func(t *testing.T) {
		p := base()
		p["frames"] = []any{map[string]any{"frame_id": "f-1", "ts": 1.5}}
		err := Validate(TopicVideoKeyframesMasked, p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mask_path")
	})

	t.Run("frame negative ts", func(t *testing.T) {
		p := base()
		p["frames"] = []any{map[string]any{"frame_id": "f-1", "ts": -0.5, "mask_path": "/x.png"}}
		assert.Error(t, Validate(TopicVideoKeyframesMasked, p))
	})

	t.Run("empty frames list allowed", func(t *testing.T) {
		p := base()
		p["frames"] = []any{}
		assert.NoError(t, Validate(TopicVideoKeyframesMasked, p))
	})
}

func TestValidate_StageCompleted(t *testing.T) {
	base := func() map[string]any {
		p := validEnvelope()
		p["total_assets"] = float64(10)
		p["processed_assets"] = float64(9)
		p["failed_assets"] = float64(1)
		p["has_partial_completion"] = true
		p["watermark_ttl"] = float64(300)
		return p
	}

	for _, topic := range []string{
		TopicImageEmbeddingsCompleted,
		TopicVideoEmbeddingsCompleted,
		TopicImageKeypointsCompleted,
		TopicVideoKeypointsCompleted,
	} {
		t.Run(topic, func(t *testing.T) {
			assert.NoError(t, Validate(topic, base()))
		})
	}

	t.Run("missing has_partial_completion", func(t *testing.T) {
		p := base()
		delete(p, "has_partial_completion")
		err := Validate(TopicImageEmbeddingsCompleted, p)
		assert.ErrorIs(t, err, domain.ErrSchemaViolation)
	})

	t.Run("non-bool has_partial_completion", func(t *testing.T) {
		p := base()
		p["has_partial_completion"] = "false"
		assert.Error(t, Validate(TopicImageEmbeddingsCompleted, p))
	})
}

func TestValidate_MatchResult(t *testing.T) {
	base := func() map[string]any {
		p := validEnvelope()
		p["product_id"] = "prod-1"
		p["video_id"] = "vid-1"
		p["best_pair"] = map[string]any{"img_id": "img-1", "frame_id": "f-1", "score_pair": 0.91}
		p["score"] = 0.89
		p["ts"] = 12.5
		return p
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Validate(TopicMatchResult, base()))
	})

	t.Run("score above one", func(t *testing.T) {
		p := base()
		p["score"] = 1.2
		assert.ErrorIs(t, Validate(TopicMatchResult, p), domain.ErrSchemaViolation)
	})

	t.Run("best_pair score_pair out of range", func(t *testing.T) {
		p := base()
		p["best_pair"] = map[string]any{"img_id": "img-1", "frame_id": "f-1", "score_pair": -0.1}
		assert.Error(t, Validate(TopicMatchResult, p))
	})

	t.Run("negative ts", func(t *testing.T) {
		p := base()
		p["ts"] = -1.0
		assert.Error(t, Validate(TopicMatchResult, p))
	})
}

func TestValidate_AdditionalPropertiesTolerated(t *testing.T) {
	p := validEnvelope()
	p["match_count"] = float64(3)
	p["_metadata"] = map[string]any{"topic": TopicMatchRequestCompleted}
	assert.NoError(t, Validate(TopicMatchRequestCompleted, p))
}

func TestValidate_TypedPayloadRoundTrip(t *testing.T) {
	// Producers publish typed structs; the publisher normalizes them through
	// JSON before validation. The registry must accept the decoded shape.
	msg := MatchResult{
		Envelope:  Envelope{EventID: NewID(), JobID: "job-1"},
		ProductID: "prod-1",
		VideoID:   "vid-1",
		BestPair:  BestPair{ImgID: "img-1", FrameID: "f-1", ScorePair: 0.93},
		Score:     0.9,
		Ts:        3.25,
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))

	assert.NoError(t, Validate(TopicMatchResult, payload))
}

func TestNewID_IsUUIDv4(t *testing.T) {
	p := validEnvelope()
	p["event_id"] = NewID()
	assert.NoError(t, Validate(TopicJobCompleted, p))
}

func TestValidate_ErrorsAreNotRetriable(t *testing.T) {
	err := Validate(TopicMatchRequest, validEnvelope())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSchemaViolation))
}
