package feature

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// The stub adapters derive their output purely from a hash of the input
// bytes, so the same image always yields the same mask, vectors and
// keypoints. That makes local runs and tests reproducible without the
// vision sidecars.

// StubSegmenter returns the input unchanged; the "mask" is the image itself.
type StubSegmenter struct{}

// Mask implements domain.Segmenter.
func (StubSegmenter) Mask(_ domain.Context, image []byte) ([]byte, error) {
	out := make([]byte, len(image))
	copy(out, image)
	return out, nil
}

// StubEmbedder derives L2-normalized vectors from the image hash.
type StubEmbedder struct{}

// Embed implements domain.Embedder.
func (StubEmbedder) Embed(_ domain.Context, image []byte) ([]float32, []float32, error) {
	sum := sha256.Sum256(image)
	rgb := hashVector(sum, 0, domain.EmbeddingDim)
	gray := hashVector(sum, 1, domain.EmbeddingDim)
	return rgb, gray, nil
}

// StubKeypointExtractor derives a small fixed set of keypoints from the hash.
type StubKeypointExtractor struct{}

// Extract implements domain.KeypointExtractor.
func (StubKeypointExtractor) Extract(_ domain.Context, image []byte) (domain.Keypoints, error) {
	sum := sha256.Sum256(image)
	const (
		count = 32
		dim   = 16
	)
	kp := domain.Keypoints{
		Dim:         dim,
		Points:      make([][2]float32, count),
		Descriptors: make([][]float32, count),
	}
	for i := 0; i < count; i++ {
		x := hashFloat(sum, uint32(2*i+2))
		y := hashFloat(sum, uint32(2*i+3))
		kp.Points[i] = [2]float32{x * 640, y * 480}
		kp.Descriptors[i] = hashVector(sum, uint32(100+i), dim)
	}
	return kp, nil
}

// hashVector expands the seed hash into an L2-normalized vector.
func hashVector(sum [32]byte, channel uint32, dim int) []float32 {
	v := make([]float32, dim)
	var norm float64
	for i := range v {
		f := hashFloat(sum, channel<<24|uint32(i))
		v[i] = f*2 - 1
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// hashFloat maps (hash, index) onto [0,1) deterministically.
func hashFloat(sum [32]byte, index uint32) float32 {
	var buf [36]byte
	copy(buf[:32], sum[:])
	binary.BigEndian.PutUint32(buf[32:], index)
	h := sha256.Sum256(buf[:])
	u := binary.BigEndian.Uint32(h[:4])
	return float32(u) / float32(math.MaxUint32)
}
