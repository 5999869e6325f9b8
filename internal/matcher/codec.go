// Package matcher implements the product-video matching engine: candidate
// retrieval over the vector index, pair scoring with geometric verification,
// per-(product, video) aggregation and acceptance.
package matcher

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// Keypoint blobs are stored in a little-endian binary format:
//
//	magic "KPB1"
//	count uint32
//	dim   uint32
//	count × (x float32, y float32)
//	count × dim float32 descriptors
var kpbMagic = [4]byte{'K', 'P', 'B', '1'}

// maxKeypoints bounds decode allocations against corrupt headers.
const maxKeypoints = 1 << 16

// EncodeKeypoints serializes keypoints into the blob format.
func EncodeKeypoints(kp domain.Keypoints) ([]byte, error) {
	if len(kp.Points) != len(kp.Descriptors) {
		return nil, fmt.Errorf("op=keypoints.encode: points/descriptors mismatch")
	}
	buf := bytes.NewBuffer(make([]byte, 0, 12+len(kp.Points)*(8+kp.Dim*4)))
	buf.Write(kpbMagic[:])
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(kp.Points)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(kp.Dim))
	buf.Write(hdr[:])
	var scratch [4]byte
	putF32 := func(f float32) {
		binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
		buf.Write(scratch[:])
	}
	for _, p := range kp.Points {
		putF32(p[0])
		putF32(p[1])
	}
	for i, d := range kp.Descriptors {
		if len(d) != kp.Dim {
			return nil, fmt.Errorf("op=keypoints.encode: descriptor %d has dim %d, want %d", i, len(d), kp.Dim)
		}
		for _, f := range d {
			putF32(f)
		}
	}
	return buf.Bytes(), nil
}

// DecodeKeypoints parses a keypoint blob.
func DecodeKeypoints(b []byte) (domain.Keypoints, error) {
	if len(b) < 12 || !bytes.Equal(b[:4], kpbMagic[:]) {
		return domain.Keypoints{}, fmt.Errorf("op=keypoints.decode: bad magic")
	}
	count := binary.LittleEndian.Uint32(b[4:8])
	dim := binary.LittleEndian.Uint32(b[8:12])
	if count > maxKeypoints || dim > maxKeypoints {
		return domain.Keypoints{}, fmt.Errorf("op=keypoints.decode: implausible header count=%d dim=%d", count, dim)
	}
	want := 12 + int(count)*8 + int(count)*int(dim)*4
	if len(b) != want {
		return domain.Keypoints{}, fmt.Errorf("op=keypoints.decode: length %d, want %d", len(b), want)
	}
	kp := domain.Keypoints{
		Dim:         int(dim),
		Points:      make([][2]float32, count),
		Descriptors: make([][]float32, count),
	}
	off := 12
	getF32 := func() float32 {
		f := math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		return f
	}
	for i := range kp.Points {
		kp.Points[i] = [2]float32{getF32(), getF32()}
	}
	for i := range kp.Descriptors {
		d := make([]float32, dim)
		for j := range d {
			d[j] = getF32()
		}
		kp.Descriptors[i] = d
	}
	return kp, nil
}
