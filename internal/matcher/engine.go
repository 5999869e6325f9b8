package matcher

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/observability"
	"github.com/fairyhunter13/product-video-matcher/internal/config"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
)

// Consumer is the ledger identity of the matcher.
const Consumer = "matcher"

// Thresholds are the matching knobs, lifted from config so tests can set
// them directly.
type Thresholds struct {
	TopK           int
	SimDeepMin     float64
	InliersMin     float64
	BestMin        float64
	ConsMin        int
	Accept         float64
	WeightRGB      float64
	WeightGray     float64
	PairWeightDeep float64
	PairWeightKP   float64
}

// ThresholdsFrom extracts the matcher thresholds from config.
func ThresholdsFrom(cfg config.Config) Thresholds {
	return Thresholds{
		TopK:           cfg.RetrievalTopK,
		SimDeepMin:     cfg.SimDeepMin,
		InliersMin:     cfg.InliersMin,
		BestMin:        cfg.MatchBestMin,
		ConsMin:        cfg.MatchConsMin,
		Accept:         cfg.MatchAccept,
		WeightRGB:      cfg.EmbWeightRGB,
		WeightGray:     cfg.EmbWeightGray,
		PairWeightDeep: cfg.PairWeightDeep,
		PairWeightKP:   cfg.PairWeightKP,
	}
}

// Engine runs one match.request over the job's full cross-product.
type Engine struct {
	Jobs     domain.JobRepository
	Products domain.ProductRepository
	Videos   domain.VideoRepository
	Matches  domain.MatchRepository
	Ledger   domain.EventLedger
	Vector   domain.VectorIndex
	Blobs    domain.BlobStore
	Bus      domain.Publisher
	T        Thresholds
}

// pair is one scored (image, frame) candidate.
type pair struct {
	imgID, frameID string
	productID      string
	videoID        string
	sDeep          float64
	sKP            float64
	scorePair      float64
	ts             float64
}

// Run processes one match.request delivery. The whole run is idempotent
// against redelivery: match upserts converge, and the ledger entry keyed by
// the request's event_id suppresses a duplicate completion publish.
func (e *Engine) Run(ctx domain.Context, jobID, eventID string) error {
	tracer := otel.Tracer("matcher")
	ctx, span := tracer.Start(ctx, "matcher.Run")
	defer span.End()
	start := time.Now()
	defer func() { observability.MatchRunDuration.Observe(time.Since(start).Seconds()) }()

	seen, err := e.Ledger.Seen(ctx, eventID, Consumer)
	if err != nil {
		return fmt.Errorf("op=matcher.run: %w", err)
	}
	if seen {
		slog.Info("match request already processed", slog.String("job_id", jobID), slog.String("event_id", eventID))
		return nil
	}

	job, err := e.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=matcher.run: %w", err)
	}
	if job.Phase == domain.PhaseCancelled {
		slog.Info("skipping cancelled job", slog.String("job_id", jobID))
		return nil
	}

	images, err := e.Products.ListImagesByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=matcher.run: %w", err)
	}
	frames, err := e.Videos.ListFramesByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=matcher.run: %w", err)
	}
	frameByID := make(map[string]domain.VideoFrame, len(frames))
	for _, f := range frames {
		frameByID[f.ID] = f
	}

	pairs := e.collectPairs(ctx, jobID, images, frameByID)
	accepted := e.aggregate(pairs)

	for i := range accepted {
		m := &accepted[i]
		m.ID = uuid.New().String()
		m.JobID = jobID
		if err := e.Matches.Upsert(ctx, m); err != nil {
			return fmt.Errorf("op=matcher.run: %w", err)
		}
		observability.MatchAcceptedTotal.Inc()
		observability.MatchScoreHistogram.Observe(m.Score)
		if err := e.Bus.Publish(ctx, event.TopicMatchResult, map[string]any{
			"event_id":   event.NewID(),
			"job_id":     jobID,
			"product_id": m.ProductID,
			"video_id":   m.VideoID,
			"best_pair": map[string]any{
				"img_id":     m.Evidence.BestImgID,
				"frame_id":   m.Evidence.BestFrameID,
				"score_pair": m.Evidence.BestScore,
			},
			"score": m.Score,
			"ts":    m.Evidence.TsSec,
		}); err != nil {
			return fmt.Errorf("op=matcher.run: publish result: %w", err)
		}
	}

	// Exactly one completion per request: publish, then burn the request's
	// event_id. A crash in between republishes a completion with a fresh id,
	// which downstream consumers dedup by (job, name).
	if err := e.Bus.Publish(ctx, event.TopicMatchRequestCompleted, map[string]any{
		"event_id":    event.NewID(),
		"job_id":      jobID,
		"match_count": len(accepted),
	}); err != nil {
		return fmt.Errorf("op=matcher.run: publish completed: %w", err)
	}
	if _, err := e.Ledger.MarkProcessed(ctx, eventID, Consumer, jobID); err != nil {
		return fmt.Errorf("op=matcher.run: %w", err)
	}
	slog.Info("match run finished",
		slog.String("job_id", jobID),
		slog.Int("candidates", len(pairs)),
		slog.Int("accepted", len(accepted)),
		slog.Duration("took", time.Since(start)))
	return nil
}

// collectPairs retrieves topK candidate frames per image and scores the
// surviving pairs. Assets with missing embeddings are skipped, not failed.
func (e *Engine) collectPairs(ctx domain.Context, jobID string, images []domain.ProductImage, frameByID map[string]domain.VideoFrame) []pair {
	var pairs []pair
	for _, img := range images {
		if len(img.EmbRGB) == 0 || len(img.EmbGray) == 0 {
			continue
		}
		query := CombineEmbeddings(img.EmbRGB, img.EmbGray, e.T.WeightRGB, e.T.WeightGray)
		hits, err := e.Vector.SearchByJob(ctx, jobID, query, e.T.TopK)
		if err != nil {
			slog.Warn("retrieval failed for image", slog.String("image_id", img.ID), slog.Any("error", err))
			continue
		}
		for _, hit := range hits {
			frame, ok := frameByID[hit.ID]
			if !ok || len(frame.EmbRGB) == 0 || len(frame.EmbGray) == 0 {
				continue
			}
			observability.MatchCandidatesTotal.Inc()
			// Recompute the weighted similarity from the stored vectors;
			// the index score is only a retrieval hint.
			sDeep := e.T.WeightRGB*Cosine(img.EmbRGB, frame.EmbRGB) + e.T.WeightGray*Cosine(img.EmbGray, frame.EmbGray)
			if sDeep < e.T.SimDeepMin {
				continue
			}
			sKP, defined := e.verifyPair(ctx, img, frame)
			if defined && sKP < e.T.InliersMin {
				continue
			}
			score := sDeep
			if !defined {
				// Geometric channel unavailable: never boosts beyond the
				// embedding signal.
				sKP = sDeep
			} else {
				score = e.T.PairWeightDeep*sDeep + e.T.PairWeightKP*sKP
			}
			pairs = append(pairs, pair{
				imgID:     img.ID,
				frameID:   frame.ID,
				productID: img.ProductID,
				videoID:   frame.VideoID,
				sDeep:     sDeep,
				sKP:       sKP,
				scorePair: score,
				ts:        frame.TsSec,
			})
		}
	}
	return pairs
}

// verifyPair loads both keypoint blobs and runs geometric verification.
// A missing or unreadable blob on either side leaves the geometric channel
// undefined, which falls back to the embedding signal.
func (e *Engine) verifyPair(ctx domain.Context, img domain.ProductImage, frame domain.VideoFrame) (float64, bool) {
	if img.KeypointsPath == "" || frame.KeypointsPath == "" {
		return 0, false
	}
	imgKP, ok := e.loadKeypoints(ctx, img.KeypointsPath)
	if !ok {
		return 0, false
	}
	frameKP, ok := e.loadKeypoints(ctx, frame.KeypointsPath)
	if !ok {
		return 0, false
	}
	return VerifyGeometry(img.ID, frame.ID, imgKP, frameKP)
}

func (e *Engine) loadKeypoints(ctx domain.Context, path string) (domain.Keypoints, bool) {
	b, err := e.Blobs.Get(ctx, path)
	if err != nil {
		return domain.Keypoints{}, false
	}
	kp, err := DecodeKeypoints(b)
	if err != nil {
		slog.Warn("corrupt keypoint blob", slog.String("path", path), slog.Any("error", err))
		return domain.Keypoints{}, false
	}
	return kp, true
}

// aggregate groups pairs per (product, video) and applies the acceptance
// rule. Output is ordered by (product_id, video_id) so runs are
// deterministic end to end.
func (e *Engine) aggregate(pairs []pair) []domain.Match {
	type key struct{ productID, videoID string }
	groups := make(map[key][]pair)
	for _, p := range pairs {
		k := key{p.productID, p.videoID}
		groups[k] = append(groups[k], p)
	}
	keys := make([]key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].productID != keys[j].productID {
			return keys[i].productID < keys[j].productID
		}
		return keys[i].videoID < keys[j].videoID
	})

	var out []domain.Match
	for _, k := range keys {
		group := groups[k]
		sortPairs(group)
		best := group[0]
		if best.scorePair < e.T.BestMin {
			continue
		}
		scores := make([]float64, 0, len(group))
		consistent := 0
		for _, p := range group {
			scores = append(scores, p.scorePair)
			if p.scorePair >= e.T.SimDeepMin {
				consistent++
			}
		}
		if consistent < e.T.ConsMin {
			continue
		}
		top := topScores(scores, e.T.ConsMin)
		var mean float64
		for _, s := range top {
			mean += s
		}
		mean /= float64(len(top))
		fused := 0.5*best.scorePair + 0.5*mean
		if fused < e.T.Accept {
			continue
		}
		out = append(out, domain.Match{
			ProductID: k.productID,
			VideoID:   k.videoID,
			Score:     fused,
			Evidence: domain.MatchEvidence{
				BestImgID:   best.imgID,
				BestFrameID: best.frameID,
				BestScore:   best.scorePair,
				DeepScore:   best.sDeep,
				KpScore:     best.sKP,
				TsSec:       best.ts,
			},
		})
	}
	return out
}

// sortPairs orders a group by the best-pair tie-break chain: score_pair
// desc, s_deep desc, ts asc, then (img_id, frame_id) lexicographic.
func sortPairs(group []pair) {
	sort.Slice(group, func(i, j int) bool {
		a, b := group[i], group[j]
		if a.scorePair != b.scorePair {
			return a.scorePair > b.scorePair
		}
		if a.sDeep != b.sDeep {
			return a.sDeep > b.sDeep
		}
		if a.ts != b.ts {
			return a.ts < b.ts
		}
		if a.imgID != b.imgID {
			return a.imgID < b.imgID
		}
		return a.frameID < b.frameID
	})
}
