// Package evidence renders visual proof for accepted matches: a side-by-side
// composite of the best product image and video frame, stored as a JPEG next
// to the match row. The evidence stage is tracked like any feature stage, so
// the job completes only after every accepted match has its render (or the
// watermark forces a partial close).
package evidence

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	// Register decoders for the stored artifact formats.
	_ "image/gif"
	_ "image/png"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

const (
	// bannerHeight is the strip above the composite holding the score bar.
	bannerHeight = 24
	// gutterWidth separates the two panes.
	gutterWidth = 8
	jpegQuality = 85
)

var (
	bannerBG   = color.RGBA{R: 24, G: 24, B: 28, A: 255}
	scoreGood  = color.RGBA{R: 46, G: 160, B: 67, A: 255}
	scoreWeak  = color.RGBA{R: 210, G: 153, B: 34, A: 255}
	paneBG     = color.RGBA{R: 245, G: 245, B: 245, A: 255}
	gutterFill = color.RGBA{R: 200, G: 200, B: 200, A: 255}
)

// Render composes the product image (left) and video frame (right) under a
// banner whose bar length encodes the fused score. Input bytes may be PNG,
// JPEG or GIF.
func Render(imgData, frameData []byte, score float64) ([]byte, error) {
	left, _, err := image.Decode(bytes.NewReader(imgData))
	if err != nil {
		return nil, fmt.Errorf("op=evidence.render: %w: product image: %v", domain.ErrInvalidArgument, err)
	}
	right, _, err := image.Decode(bytes.NewReader(frameData))
	if err != nil {
		return nil, fmt.Errorf("op=evidence.render: %w: video frame: %v", domain.ErrInvalidArgument, err)
	}

	lb, rb := left.Bounds(), right.Bounds()
	height := lb.Dy()
	if rb.Dy() > height {
		height = rb.Dy()
	}
	width := lb.Dx() + gutterWidth + rb.Dx()
	canvas := image.NewRGBA(image.Rect(0, 0, width, height+bannerHeight))

	draw.Draw(canvas, image.Rect(0, 0, width, bannerHeight), image.NewUniform(bannerBG), image.Point{}, draw.Src)
	drawScoreBar(canvas, width, score)

	body := image.Rect(0, bannerHeight, width, height+bannerHeight)
	draw.Draw(canvas, body, image.NewUniform(paneBG), image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(0, bannerHeight, lb.Dx(), bannerHeight+lb.Dy()), left, lb.Min, draw.Over)
	gutter := image.Rect(lb.Dx(), bannerHeight, lb.Dx()+gutterWidth, height+bannerHeight)
	draw.Draw(canvas, gutter, image.NewUniform(gutterFill), image.Point{}, draw.Src)
	rightRect := image.Rect(lb.Dx()+gutterWidth, bannerHeight, width, bannerHeight+rb.Dy())
	draw.Draw(canvas, rightRect, right, rb.Min, draw.Over)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, canvas, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("op=evidence.render: %w", err)
	}
	return out.Bytes(), nil
}

func drawScoreBar(canvas *image.RGBA, width int, score float64) {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	fill := scoreWeak
	if score >= 0.88 {
		fill = scoreGood
	}
	barWidth := int(score * float64(width-8))
	bar := image.Rect(4, 6, 4+barWidth, bannerHeight-6)
	draw.Draw(canvas, bar, image.NewUniform(fill), image.Point{}, draw.Src)
}
