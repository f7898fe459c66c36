/**
 * Grayscale rasters used by detection and the engines
 *
 * Everything downstream of page decoding works on 8-bit luma so that the
 * thresholds (200 for ink, 245/250/252 for blank paper) mean the same thing
 * regardless of the source format.
 */

package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

// Gray is a row-major 8-bit luma raster with origin at (0,0).
type Gray struct {
	W, H int
	Pix  []uint8
}

// ToGray converts any decoded image to luma.
func ToGray(img image.Image) *Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && g.Stride == b.Dx() && b.Min == (image.Point{}) {
		pix := make([]uint8, len(g.Pix))
		copy(pix, g.Pix)
		return &Gray{W: b.Dx(), H: b.Dy(), Pix: pix}
	}

	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return &Gray{W: b.Dx(), H: b.Dy(), Pix: dst.Pix}
}

// NewGray returns a raster filled with value v.
func NewGray(w, h int, v uint8) *Gray {
	pix := make([]uint8, w*h)
	if v != 0 {
		for i := range pix {
			pix[i] = v
		}
	}
	return &Gray{W: w, H: h, Pix: pix}
}

// At returns the luma at (x, y).
func (g *Gray) At(x, y int) uint8 {
	return g.Pix[y*g.W+x]
}

// Set writes the luma at (x, y).
func (g *Gray) Set(x, y int, v uint8) {
	g.Pix[y*g.W+x] = v
}

// Bounds returns the raster rectangle.
func (g *Gray) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.W, g.H)
}

// Mean is the average luma inside r, clipped to the raster. An empty
// intersection reports 255 (blank paper).
func (g *Gray) Mean(r image.Rectangle) float64 {
	r = r.Intersect(g.Bounds())
	if r.Empty() {
		return 255
	}
	var sum uint64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := g.Pix[y*g.W+r.Min.X : y*g.W+r.Max.X]
		for _, v := range row {
			sum += uint64(v)
		}
	}
	return float64(sum) / float64(r.Dx()*r.Dy())
}

// FractionBelow is the share of pixels in r strictly darker than thr.
func (g *Gray) FractionBelow(r image.Rectangle, thr uint8) float64 {
	r = r.Intersect(g.Bounds())
	if r.Empty() {
		return 0
	}
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := g.Pix[y*g.W+r.Min.X : y*g.W+r.Max.X]
		for _, v := range row {
			if v < thr {
				n++
			}
		}
	}
	return float64(n) / float64(r.Dx()*r.Dy())
}

// RowMeans returns the mean luma of each row of r.
func (g *Gray) RowMeans(r image.Rectangle) []float64 {
	r = r.Intersect(g.Bounds())
	if r.Empty() {
		return nil
	}
	out := make([]float64, r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		var sum uint64
		for _, v := range g.Pix[y*g.W+r.Min.X : y*g.W+r.Max.X] {
			sum += uint64(v)
		}
		out[y-r.Min.Y] = float64(sum) / float64(r.Dx())
	}
	return out
}

// Crop copies the pixels of r (clipped) into a new raster.
func (g *Gray) Crop(r image.Rectangle) *Gray {
	r = r.Intersect(g.Bounds())
	out := &Gray{W: r.Dx(), H: r.Dy(), Pix: make([]uint8, r.Dx()*r.Dy())}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		copy(out.Pix[(y-r.Min.Y)*out.W:], g.Pix[y*g.W+r.Min.X:y*g.W+r.Max.X])
	}
	return out
}

// Image exposes the raster as a standard library image.
func (g *Gray) Image() *image.Gray {
	return &image.Gray{Pix: g.Pix, Stride: g.W, Rect: g.Bounds()}
}

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Downscale shrinks img so its longer side is at most maxDim. Smaller
// images are returned unchanged.
func Downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	longest := b.Dx()
	if b.Dy() > longest {
		longest = b.Dy()
	}
	if maxDim <= 0 || longest <= maxDim {
		return img
	}

	w := b.Dx() * maxDim / longest
	h := b.Dy() * maxDim / longest
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}
