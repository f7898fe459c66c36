package imaging

import "image"

// Components returns bounding rectangles of the 8-connected ink regions of
// m, in raster scan order of their first pixel. With holes set it also
// returns the rectangles of enclosed paper regions (4-connected background
// that never touches the mask border), which is what a full contour
// hierarchy would report as inner contours.
func Components(m *Mask, holes bool) []image.Rectangle {
	labels := make([]int32, len(m.Bits))
	rects := make([]image.Rectangle, 0)
	stack := make([]int, 0, 64)

	var label int32
	for start, b := range m.Bits {
		if b == 0 || labels[start] != 0 {
			continue
		}
		label++
		r, _ := flood(m, labels, label, start, 1, true, &stack)
		rects = append(rects, r)
	}

	if !holes {
		return rects
	}

	for start, b := range m.Bits {
		if b != 0 || labels[start] != 0 {
			continue
		}
		label++
		r, border := flood(m, labels, label, start, 0, false, &stack)
		if !border {
			rects = append(rects, r)
		}
	}
	return rects
}

// flood labels the region of value v containing start and reports its
// bounding rectangle and whether it touches the mask border.
func flood(m *Mask, labels []int32, label int32, start int, v uint8, eight bool, stack *[]int) (image.Rectangle, bool) {
	w, h := m.W, m.H
	minX, minY := start%w, start/w
	maxX, maxY := minX, minY
	border := false

	s := (*stack)[:0]
	s = append(s, start)
	labels[start] = label

	for len(s) > 0 {
		p := s[len(s)-1]
		s = s[:len(s)-1]
		x, y := p%w, p/w

		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}
		if x == 0 || y == 0 || x == w-1 || y == h-1 {
			border = true
		}

		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				if !eight && dx != 0 && dy != 0 {
					continue
				}
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				q := ny*w + nx
				if labels[q] != 0 || m.Bits[q] != v {
					continue
				}
				labels[q] = label
				s = append(s, q)
			}
		}
	}

	*stack = s
	return image.Rect(minX, minY, maxX+1, maxY+1), border
}
