package matcher

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// Geometric verification: match descriptors between the two keypoint sets,
// then estimate a similarity transform with a RANSAC loop and count inliers.
// The verification score is inliers / total_matches. Fewer than
// minGeomMatches descriptor matches leaves the score undefined.
const (
	minGeomMatches  = 4
	loweRatio       = 0.85
	ransacRounds    = 64
	inlierPixels    = 12.0
	minSampleSpread = 1e-3
)

type descMatch struct {
	a, b int // indices into the two keypoint sets
}

// VerifyGeometry returns (s_kp, defined). The RANSAC loop is seeded from the
// pair's identity so a rerun scores identically.
func VerifyGeometry(imgID, frameID string, a, b domain.Keypoints) (float64, bool) {
	if len(a.Points) == 0 || len(b.Points) == 0 || a.Dim != b.Dim {
		return 0, false
	}
	matches := matchDescriptors(a, b)
	if len(matches) < minGeomMatches {
		return 0, false
	}
	inliers := ransacInliers(pairSeed(imgID, frameID), matches, a, b)
	return float64(inliers) / float64(len(matches)), true
}

// matchDescriptors pairs each descriptor in a with its nearest neighbor in
// b, keeping matches that pass the ratio test against the second-nearest.
func matchDescriptors(a, b domain.Keypoints) []descMatch {
	var out []descMatch
	for i, da := range a.Descriptors {
		best, second := math.MaxFloat64, math.MaxFloat64
		bestJ := -1
		for j, db := range b.Descriptors {
			d := sqDist(da, db)
			if d < best {
				second = best
				best, bestJ = d, j
			} else if d < second {
				second = d
			}
		}
		if bestJ < 0 {
			continue
		}
		if second > 0 && best/second > loweRatio*loweRatio {
			continue
		}
		out = append(out, descMatch{a: i, b: bestJ})
	}
	return out
}

// ransacInliers estimates a translation+scale transform from 2-point samples
// and returns the best inlier count.
func ransacInliers(seed int64, matches []descMatch, a, b domain.Keypoints) int {
	rng := rand.New(rand.NewSource(seed))
	best := 0
	for round := 0; round < ransacRounds; round++ {
		i := rng.Intn(len(matches))
		j := rng.Intn(len(matches))
		if i == j {
			continue
		}
		m1, m2 := matches[i], matches[j]
		p1, p2 := a.Points[m1.a], a.Points[m2.a]
		q1, q2 := b.Points[m1.b], b.Points[m2.b]
		dp := dist(p1, p2)
		dq := dist(q1, q2)
		if dp < minSampleSpread || dq < minSampleSpread {
			continue
		}
		scale := dq / dp
		tx := float64(q1[0]) - scale*float64(p1[0])
		ty := float64(q1[1]) - scale*float64(p1[1])

		inliers := 0
		for _, m := range matches {
			px := scale*float64(a.Points[m.a][0]) + tx
			py := scale*float64(a.Points[m.a][1]) + ty
			dx := px - float64(b.Points[m.b][0])
			dy := py - float64(b.Points[m.b][1])
			if math.Sqrt(dx*dx+dy*dy) <= inlierPixels {
				inliers++
			}
		}
		if inliers > best {
			best = inliers
		}
	}
	return best
}

// pairSeed derives a stable RANSAC seed from the pair identity.
func pairSeed(imgID, frameID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(imgID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(frameID))
	return int64(h.Sum64())
}

func sqDist(a, b []float32) float64 {
	var s float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		s += d * d
	}
	return s
}

func dist(p, q [2]float32) float64 {
	dx := float64(p[0]) - float64(q[0])
	dy := float64(p[1]) - float64(q[1])
	return math.Sqrt(dx*dx + dy*dy)
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// degenerate.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CombineEmbeddings concatenates the weighted channels so that the cosine of
// two combined vectors equals wRGB·cos(rgb) + wGray·cos(gray) exactly, given
// L2-normalized inputs. This lets a single index serve the weighted
// retrieval.
func CombineEmbeddings(rgb, gray []float32, wRGB, wGray float64) []float32 {
	out := make([]float32, 0, len(rgb)+len(gray))
	sr := math.Sqrt(wRGB)
	sg := math.Sqrt(wGray)
	for _, v := range rgb {
		out = append(out, float32(sr*float64(v)))
	}
	for _, v := range gray {
		out = append(out, float32(sg*float64(v)))
	}
	return out
}

// topScores returns the n highest values of scores, descending.
func topScores(scores []float64, n int) []float64 {
	cp := append([]float64(nil), scores...)
	sort.Sort(sort.Reverse(sort.Float64Slice(cp)))
	if len(cp) > n {
		cp = cp[:n]
	}
	return cp
}
