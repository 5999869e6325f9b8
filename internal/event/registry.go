package event

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// Exchange is the logical topic namespace. Bus adapters prefix physical
// topic names with it.
const Exchange = "product_video_matching"

// Dotted routing keys, the authoritative topic set.
const (
	TopicProductsCollectRequest       = "products.collect.request"
	TopicVideosSearchRequest          = "videos.search.request"
	TopicProductsImageReady           = "products.image.ready"
	TopicProductsImagesReadyBatch     = "products.images.ready.batch"
	TopicProductsCollectionsCompleted = "products.collections.completed"
	TopicVideosKeyframesReady         = "videos.keyframes.ready"
	TopicVideosKeyframesReadyBatch    = "videos.keyframes.ready.batch"
	TopicVideosCollectionsCompleted   = "videos.collections.completed"
	TopicProductsImageMasked          = "products.image.masked"
	TopicProductsImagesMaskedBatch    = "products.images.masked.batch"
	TopicVideoKeyframesMasked         = "video.keyframes.masked"
	TopicVideoKeyframesMaskedBatch    = "video.keyframes.masked.batch"
	TopicImageEmbeddingReady          = "image.embedding.ready"
	TopicImageEmbeddingsCompleted     = "image.embeddings.completed"
	TopicVideoEmbeddingReady          = "video.embedding.ready"
	TopicVideoEmbeddingsCompleted     = "video.embeddings.completed"
	TopicImageKeypointReady           = "image.keypoint.ready"
	TopicImageKeypointsCompleted      = "image.keypoints.completed"
	TopicVideoKeypointReady           = "video.keypoint.ready"
	TopicVideoKeypointsCompleted      = "video.keypoints.completed"
	TopicMatchRequest                 = "match.request"
	TopicMatchResult                  = "match.result"
	TopicMatchRequestCompleted        = "match.request.completed"
	TopicEvidencesCompleted           = "evidences.generation.completed"
	TopicJobCompleted                 = "job.completed"
)

// Field is one required payload field and its validation rule.
type Field struct {
	Name  string
	Check func(v any) error
}

// Schema binds a topic to its required payload fields. Payloads may carry
// additional fields; only the required set is enforced.
type Schema struct {
	// Canonical is the underscore form used as the registry key.
	Canonical string
	// Topic is the dotted routing key.
	Topic    string
	Required []Field
}

// CanonicalName converts a dotted routing key to its underscore form.
func CanonicalName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}

var schemas = []Schema{
	{
		Topic: TopicProductsCollectRequest,
		Required: []Field{
			queriesWithEnglish("queries"),
			intRange("top_amz", 1, 100),
			intRange("top_ebay", 1, 100),
		},
	},
	{
		Topic: TopicVideosSearchRequest,
		Required: []Field{
			nonEmptyString("industry"),
			queries("queries"),
			platforms("platforms"),
			intRange("recency_days", 1, 365),
		},
	},
	{
		Topic: TopicProductsImageReady,
		Required: []Field{
			nonEmptyString("product_id"),
			nonEmptyString("image_id"),
			nonEmptyString("local_path"),
		},
	},
	{
		Topic:    TopicProductsImagesReadyBatch,
		Required: []Field{nonNegInt("total_images")},
	},
	{Topic: TopicProductsCollectionsCompleted},
	{
		Topic: TopicVideosKeyframesReady,
		Required: []Field{
			nonEmptyString("video_id"),
			frames("frames", "local_path"),
		},
	},
	{
		Topic:    TopicVideosKeyframesReadyBatch,
		Required: []Field{nonNegInt("total_keyframes")},
	},
	{Topic: TopicVideosCollectionsCompleted},
	{
		Topic: TopicProductsImageMasked,
		Required: []Field{
			nonEmptyString("image_id"),
			nonEmptyString("mask_path"),
		},
	},
	{
		Topic:    TopicProductsImagesMaskedBatch,
		Required: []Field{nonNegInt("total_images")},
	},
	{
		Topic: TopicVideoKeyframesMasked,
		Required: []Field{
			nonEmptyString("video_id"),
			frames("frames", "mask_path"),
		},
	},
	{
		Topic:    TopicVideoKeyframesMaskedBatch,
		Required: []Field{nonNegInt("total_keyframes")},
	},
	{Topic: TopicImageEmbeddingReady, Required: []Field{nonEmptyString("asset_id")}},
	{Topic: TopicImageEmbeddingsCompleted, Required: stageCompletedFields()},
	{Topic: TopicVideoEmbeddingReady, Required: []Field{nonEmptyString("asset_id")}},
	{Topic: TopicVideoEmbeddingsCompleted, Required: stageCompletedFields()},
	{Topic: TopicImageKeypointReady, Required: []Field{nonEmptyString("asset_id")}},
	{Topic: TopicImageKeypointsCompleted, Required: stageCompletedFields()},
	{Topic: TopicVideoKeypointReady, Required: []Field{nonEmptyString("asset_id")}},
	{Topic: TopicVideoKeypointsCompleted, Required: stageCompletedFields()},
	{
		Topic: TopicMatchRequest,
		Required: []Field{
			nonEmptyString("industry"),
			nonEmptyString("product_set_id"),
			nonEmptyString("video_set_id"),
			intRange("top_k", 1, 100),
		},
	},
	{
		Topic: TopicMatchResult,
		Required: []Field{
			nonEmptyString("product_id"),
			nonEmptyString("video_id"),
			bestPair("best_pair"),
			unitScore("score"),
			nonNegNumber("ts"),
		},
	},
	{Topic: TopicMatchRequestCompleted},
	{Topic: TopicEvidencesCompleted},
	{Topic: TopicJobCompleted},
}

// byName indexes schemas under both the canonical underscore name and the
// dotted routing key.
var byName = func() map[string]*Schema {
	m := make(map[string]*Schema, 2*len(schemas))
	for i := range schemas {
		s := &schemas[i]
		s.Canonical = CanonicalName(s.Topic)
		m[s.Canonical] = s
		m[s.Topic] = s
	}
	return m
}()

// Resolve returns the schema registered under name, accepting either the
// dotted or the underscore spelling.
func Resolve(name string) (*Schema, bool) {
	s, ok := byName[name]
	return s, ok
}

// Topics returns every dotted routing key, for topic provisioning.
func Topics() []string {
	out := make([]string, 0, len(schemas))
	for i := range schemas {
		out = append(out, schemas[i].Topic)
	}
	return out
}

// CompletionTopics returns the job-level completion events the phase
// transition manager subscribes to.
func CompletionTopics() []string {
	return []string{
		TopicProductsCollectionsCompleted,
		TopicVideosCollectionsCompleted,
		TopicImageEmbeddingsCompleted,
		TopicVideoEmbeddingsCompleted,
		TopicImageKeypointsCompleted,
		TopicVideoKeypointsCompleted,
		TopicMatchRequestCompleted,
		TopicEvidencesCompleted,
	}
}

// Validate checks payload against the schema registered for name. The
// envelope fields event_id (UUIDv4) and job_id are required on every topic.
// All failures wrap domain.ErrSchemaViolation and must be dead-lettered, not
// retried.
func Validate(name string, payload map[string]any) error {
	s, ok := Resolve(name)
	if !ok {
		return fmt.Errorf("op=event.Validate: %w: unknown topic %q", domain.ErrSchemaViolation, name)
	}
	if err := checkEnvelope(payload); err != nil {
		return fmt.Errorf("op=event.Validate: topic %s: %w", s.Topic, err)
	}
	for _, f := range s.Required {
		v, present := payload[f.Name]
		if !present {
			return fmt.Errorf("op=event.Validate: topic %s: %w: missing field %q", s.Topic, domain.ErrSchemaViolation, f.Name)
		}
		if err := f.Check(v); err != nil {
			return fmt.Errorf("op=event.Validate: topic %s: %w: %v", s.Topic, domain.ErrSchemaViolation, err)
		}
	}
	return nil
}

func checkEnvelope(payload map[string]any) error {
	id, ok := payload["event_id"].(string)
	if !ok || id == "" {
		return fmt.Errorf("%w: missing field %q", domain.ErrSchemaViolation, "event_id")
	}
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 4 {
		return fmt.Errorf("%w: event_id must be a UUIDv4", domain.ErrSchemaViolation)
	}
	job, ok := payload["job_id"].(string)
	if !ok || job == "" {
		return fmt.Errorf("%w: missing field %q", domain.ErrSchemaViolation, "job_id")
	}
	return nil
}

func nonEmptyString(name string) Field {
	return Field{Name: name, Check: func(v any) error {
		s, ok := v.(string)
		if !ok || s == "" {
			return fmt.Errorf("field %q must be a non-empty string", name)
		}
		return nil
	}}
}

// asInt accepts the numeric types a JSON decode or a literal map can carry,
// rejecting fractional values.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func intRange(name string, min, max int) Field {
	return Field{Name: name, Check: func(v any) error {
		n, ok := asInt(v)
		if !ok {
			return fmt.Errorf("field %q must be an integer", name)
		}
		if n < min || n > max {
			return fmt.Errorf("field %q must be in [%d,%d], got %d", name, min, max, n)
		}
		return nil
	}}
}

func nonNegInt(name string) Field {
	return Field{Name: name, Check: func(v any) error {
		n, ok := asInt(v)
		if !ok {
			return fmt.Errorf("field %q must be an integer", name)
		}
		if n < 0 {
			return fmt.Errorf("field %q must be >= 0, got %d", name, n)
		}
		return nil
	}}
}

func nonNegNumber(name string) Field {
	return Field{Name: name, Check: func(v any) error {
		n, ok := asNumber(v)
		if !ok {
			return fmt.Errorf("field %q must be a number", name)
		}
		if n < 0 {
			return fmt.Errorf("field %q must be >= 0", name)
		}
		return nil
	}}
}

func unitScore(name string) Field {
	return Field{Name: name, Check: func(v any) error {
		n, ok := asNumber(v)
		if !ok {
			return fmt.Errorf("field %q must be a number", name)
		}
		if n < 0 || n > 1 {
			return fmt.Errorf("field %q must be in [0,1], got %g", name, n)
		}
		return nil
	}}
}

// queryLists normalizes the two shapes a queries map arrives in: typed
// map[string][]string from producers, map[string]any from a JSON decode.
func queryLists(v any) (map[string][]string, bool) {
	switch m := v.(type) {
	case map[string][]string:
		return m, true
	case map[string]any:
		out := make(map[string][]string, len(m))
		for lang, raw := range m {
			items, ok := raw.([]any)
			if !ok {
				return nil, false
			}
			list := make([]string, 0, len(items))
			for _, it := range items {
				s, ok := it.(string)
				if !ok {
					return nil, false
				}
				list = append(list, s)
			}
			out[lang] = list
		}
		return out, true
	default:
		return nil, false
	}
}

func queries(name string) Field {
	return Field{Name: name, Check: func(v any) error {
		m, ok := queryLists(v)
		if !ok {
			return fmt.Errorf("field %q must map language to a list of strings", name)
		}
		if len(m) == 0 {
			return fmt.Errorf("field %q must not be empty", name)
		}
		for lang, list := range m {
			if len(list) == 0 {
				return fmt.Errorf("field %q has empty query list for %q", name, lang)
			}
		}
		return nil
	}}
}

func queriesWithEnglish(name string) Field {
	base := queries(name)
	return Field{Name: name, Check: func(v any) error {
		if err := base.Check(v); err != nil {
			return err
		}
		m, _ := queryLists(v)
		if len(m["en"]) == 0 {
			return fmt.Errorf("field %q must include an %q query list", name, "en")
		}
		return nil
	}}
}

var knownPlatforms = map[string]bool{"youtube": true, "bilibili": true}

func platforms(name string) Field {
	return Field{Name: name, Check: func(v any) error {
		var list []string
		switch p := v.(type) {
		case []string:
			list = p
		case []any:
			for _, it := range p {
				s, ok := it.(string)
				if !ok {
					return fmt.Errorf("field %q must be a list of strings", name)
				}
				list = append(list, s)
			}
		default:
			return fmt.Errorf("field %q must be a list of strings", name)
		}
		if len(list) == 0 {
			return fmt.Errorf("field %q must not be empty", name)
		}
		for _, p := range list {
			if !knownPlatforms[p] {
				return fmt.Errorf("field %q contains unsupported platform %q", name, p)
			}
		}
		return nil
	}}
}

// frames validates a frames[] array where each element needs frame_id, a
// non-negative ts and the stage's path field.
func frames(name, pathField string) Field {
	return Field{Name: name, Check: func(v any) error {
		items, ok := asObjectList(v)
		if !ok {
			return fmt.Errorf("field %q must be a list of objects", name)
		}
		for i, f := range items {
			id, ok := f["frame_id"].(string)
			if !ok || id == "" {
				return fmt.Errorf("field %q[%d] missing frame_id", name, i)
			}
			ts, ok := asNumber(f["ts"])
			if !ok || ts < 0 {
				return fmt.Errorf("field %q[%d] ts must be a non-negative number", name, i)
			}
			p, ok := f[pathField].(string)
			if !ok || p == "" {
				return fmt.Errorf("field %q[%d] missing %s", name, i, pathField)
			}
		}
		return nil
	}}
}

func asObjectList(v any) ([]map[string]any, bool) {
	switch list := v.(type) {
	case []map[string]any:
		return list, true
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, it := range list {
			m, ok := it.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	default:
		return nil, false
	}
}

func bestPair(name string) Field {
	return Field{Name: name, Check: func(v any) error {
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("field %q must be an object", name)
		}
		if s, ok := m["img_id"].(string); !ok || s == "" {
			return fmt.Errorf("field %q missing img_id", name)
		}
		if s, ok := m["frame_id"].(string); !ok || s == "" {
			return fmt.Errorf("field %q missing frame_id", name)
		}
		sp, ok := asNumber(m["score_pair"])
		if !ok || sp < 0 || sp > 1 {
			return fmt.Errorf("field %q score_pair must be in [0,1]", name)
		}
		return nil
	}}
}

func stageCompletedFields() []Field {
	return []Field{
		nonNegInt("total_assets"),
		nonNegInt("processed_assets"),
		nonNegInt("failed_assets"),
		{Name: "has_partial_completion", Check: func(v any) error {
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("field %q must be a boolean", "has_partial_completion")
			}
			return nil
		}},
		nonNegNumber("watermark_ttl"),
	}
}
