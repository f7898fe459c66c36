package imaging

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canvas(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Gray{Y: 255}), image.Point{}, draw.Src)
	return img
}

func fill(img *image.Gray, r image.Rectangle, v uint8) {
	draw.Draw(img, r, image.NewUniform(color.Gray{Y: v}), image.Point{}, draw.Src)
}

func TestToGrayAndMean(t *testing.T) {
	img := canvas(10, 10)
	fill(img, image.Rect(0, 0, 5, 10), 0)

	g := ToGray(img)
	require.Equal(t, 10, g.W)
	require.Equal(t, 10, g.H)
	assert.InDelta(t, 127.5, g.Mean(g.Bounds()), 0.01)
	assert.InDelta(t, 0.5, g.FractionBelow(g.Bounds(), 180), 0.001)
	assert.Equal(t, 255.0, g.Mean(image.Rect(20, 20, 30, 30)))
}

func TestToGrayOffsetBounds(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(5, 5, 15, 10))
	draw.Draw(rgba, rgba.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	g := ToGray(rgba)
	assert.Equal(t, 10, g.W)
	assert.Equal(t, 5, g.H)
	assert.Equal(t, uint8(255), g.At(0, 0))
}

func TestThresholdIsInverse(t *testing.T) {
	g := &Gray{W: 4, H: 1, Pix: []uint8{0, 200, 201, 255}}
	m := Threshold(g, 200)
	assert.Equal(t, []uint8{1, 1, 0, 0}, m.Bits)
}

func TestOpenHorizontalKeepsLongRuns(t *testing.T) {
	m := &Mask{W: 10, H: 2, Bits: []uint8{
		1, 1, 1, 0, 1, 1, 1, 1, 1, 0,
		1, 0, 1, 0, 1, 0, 1, 0, 1, 0,
	}}
	o := m.OpenHorizontal(4)
	assert.Equal(t, []uint8{
		0, 0, 0, 0, 1, 1, 1, 1, 1, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}, o.Bits)
}

func TestOpenVertical(t *testing.T) {
	m := &Mask{W: 2, H: 4, Bits: []uint8{
		1, 1,
		1, 0,
		1, 1,
		0, 0,
	}}
	o := m.OpenVertical(3)
	assert.Equal(t, []uint8{1, 0, 1, 0, 1, 0, 0, 0}, o.Bits)
	assert.Equal(t, []int{3, 0}, o.ColSums())
	assert.Equal(t, []int{1, 1, 1, 0}, o.RowSums())
}

func TestComponentsWithHoles(t *testing.T) {
	img := canvas(40, 30)
	// hollow frame with a blob inside
	fill(img, image.Rect(5, 5, 35, 25), 0)
	fill(img, image.Rect(7, 7, 33, 23), 255)
	fill(img, image.Rect(15, 12, 20, 16), 0)

	m := Threshold(ToGray(img), 200)

	outer := Components(m, false)
	assert.ElementsMatch(t, []image.Rectangle{
		image.Rect(5, 5, 35, 25),
		image.Rect(15, 12, 20, 16),
	}, outer)

	all := Components(m, true)
	assert.Contains(t, all, image.Rect(7, 7, 33, 23))
	assert.NotContains(t, all, image.Rect(0, 0, 40, 30))
	assert.Len(t, all, 3)
}

func TestOtsuSplitsBimodal(t *testing.T) {
	img := canvas(20, 20)
	fill(img, image.Rect(0, 0, 10, 20), 40)
	g := ToGray(img)

	thr := Otsu(g)
	assert.GreaterOrEqual(t, thr, uint8(40))
	assert.Less(t, thr, uint8(255))

	b := Binarize(g, thr)
	assert.Equal(t, uint8(0), b.At(0, 0))
	assert.Equal(t, uint8(255), b.At(19, 19))
}

func TestCropAndRowMeans(t *testing.T) {
	img := canvas(10, 10)
	fill(img, image.Rect(0, 8, 10, 9), 100)
	g := ToGray(img)

	c := g.Crop(image.Rect(2, 6, 8, 12))
	assert.Equal(t, 6, c.W)
	assert.Equal(t, 4, c.H)

	means := g.RowMeans(image.Rect(0, 6, 10, 10))
	assert.Equal(t, []float64{255, 255, 100, 255}, means)
}

func TestDownscale(t *testing.T) {
	img := canvas(400, 200)
	out := Downscale(img, 100)
	assert.Equal(t, image.Rect(0, 0, 100, 50), out.Bounds())
	assert.Same(t, img, Downscale(img, 1000))
}

func TestEncodePNG(t *testing.T) {
	data, err := EncodePNG(canvas(3, 3))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
}
