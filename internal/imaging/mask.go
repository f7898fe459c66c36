package imaging

import "image"

// Mask is a binary raster: 1 marks ink, 0 marks paper.
type Mask struct {
	W, H int
	Bits []uint8
}

// Threshold marks every pixel at or below thr as ink (inverse binary
// threshold).
func Threshold(g *Gray, thr uint8) *Mask {
	m := &Mask{W: g.W, H: g.H, Bits: make([]uint8, len(g.Pix))}
	for i, v := range g.Pix {
		if v <= thr {
			m.Bits[i] = 1
		}
	}
	return m
}

// At reports whether (x, y) is ink.
func (m *Mask) At(x, y int) bool {
	return m.Bits[y*m.W+x] != 0
}

// Bounds returns the mask rectangle.
func (m *Mask) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.W, m.H)
}

// Sub copies the bits of r (clipped) into a new mask.
func (m *Mask) Sub(r image.Rectangle) *Mask {
	r = r.Intersect(m.Bounds())
	out := &Mask{W: r.Dx(), H: r.Dy(), Bits: make([]uint8, r.Dx()*r.Dy())}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		copy(out.Bits[(y-r.Min.Y)*out.W:], m.Bits[y*m.W+r.Min.X:y*m.W+r.Max.X])
	}
	return out
}

// Count returns the number of ink pixels inside r.
func (m *Mask) Count(r image.Rectangle) int {
	r = r.Intersect(m.Bounds())
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for _, b := range m.Bits[y*m.W+r.Min.X : y*m.W+r.Max.X] {
			n += int(b)
		}
	}
	return n
}

// Density is the ink fraction inside r.
func (m *Mask) Density(r image.Rectangle) float64 {
	r = r.Intersect(m.Bounds())
	if r.Empty() {
		return 0
	}
	return float64(m.Count(r)) / float64(r.Dx()*r.Dy())
}

// RowSums counts ink per row.
func (m *Mask) RowSums() []int {
	out := make([]int, m.H)
	for y := 0; y < m.H; y++ {
		n := 0
		for _, b := range m.Bits[y*m.W : (y+1)*m.W] {
			n += int(b)
		}
		out[y] = n
	}
	return out
}

// ColSums counts ink per column.
func (m *Mask) ColSums() []int {
	out := make([]int, m.W)
	for y := 0; y < m.H; y++ {
		row := m.Bits[y*m.W : (y+1)*m.W]
		for x, b := range row {
			out[x] += int(b)
		}
	}
	return out
}

// OpenHorizontal is a morphological opening with a 1×k line element: only
// horizontal ink runs of length ≥ k survive.
func (m *Mask) OpenHorizontal(k int) *Mask {
	out := &Mask{W: m.W, H: m.H, Bits: make([]uint8, len(m.Bits))}
	if k <= 1 {
		copy(out.Bits, m.Bits)
		return out
	}
	for y := 0; y < m.H; y++ {
		row := m.Bits[y*m.W : (y+1)*m.W]
		dst := out.Bits[y*m.W : (y+1)*m.W]
		keepRuns(len(row), k, func(i int) bool { return row[i] != 0 }, func(i int) { dst[i] = 1 })
	}
	return out
}

// OpenVertical is the k×1 counterpart of OpenHorizontal.
func (m *Mask) OpenVertical(k int) *Mask {
	out := &Mask{W: m.W, H: m.H, Bits: make([]uint8, len(m.Bits))}
	if k <= 1 {
		copy(out.Bits, m.Bits)
		return out
	}
	for x := 0; x < m.W; x++ {
		keepRuns(m.H, k,
			func(i int) bool { return m.Bits[i*m.W+x] != 0 },
			func(i int) { out.Bits[i*m.W+x] = 1 })
	}
	return out
}

func keepRuns(n, k int, ink func(int) bool, mark func(int)) {
	start := -1
	for i := 0; i <= n; i++ {
		on := i < n && ink(i)
		switch {
		case on && start < 0:
			start = i
		case !on && start >= 0:
			if i-start >= k {
				for j := start; j < i; j++ {
					mark(j)
				}
			}
			start = -1
		}
	}
}
