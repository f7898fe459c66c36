/**
 * Check region detection
 *
 * Finds individual check rectangles on scanned pages with two heuristic
 * strategies (bordered contours and ruled line grids), picks between them
 * with a document-wide format hint and validates what survives.
 */

package detector

import (
	"image"
	"sort"
)

// Box is an axis-aligned rectangle in page pixels. X2/Y2 are exclusive.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// BoxFromRect converts an image rectangle.
func BoxFromRect(r image.Rectangle) Box {
	return Box{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

func (b Box) Width() int  { return b.X2 - b.X1 }
func (b Box) Height() int { return b.Y2 - b.Y1 }
func (b Box) Area() int   { return b.Width() * b.Height() }

// Valid reports whether the box has positive extent.
func (b Box) Valid() bool { return b.X2 > b.X1 && b.Y2 > b.Y1 }

// Rect converts the box to an image rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Clamp limits the box to a w×h page.
func (b Box) Clamp(w, h int) Box {
	return BoxFromRect(b.Rect().Intersect(image.Rect(0, 0, w, h)))
}

// overlap returns the intersection area of a and b.
func overlap(a, b Box) int {
	r := a.Rect().Intersect(b.Rect())
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}

// SortReading orders boxes top-to-bottom, then left-to-right.
func SortReading(boxes []Box) {
	sort.SliceStable(boxes, func(i, j int) bool {
		if boxes[i].Y1 != boxes[j].Y1 {
			return boxes[i].Y1 < boxes[j].Y1
		}
		return boxes[i].X1 < boxes[j].X1
	})
}

// Dedup keeps the largest boxes first and drops any box that shares more
// than 35% of its own area with an already kept box. Equal areas fall back
// to reading order so the result does not depend on input order.
func Dedup(boxes []Box) []Box {
	if len(boxes) == 0 {
		return boxes
	}

	sorted := make([]Box, len(boxes))
	copy(sorted, boxes)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Area() != b.Area() {
			return a.Area() > b.Area()
		}
		if a.Y1 != b.Y1 {
			return a.Y1 < b.Y1
		}
		if a.X1 != b.X1 {
			return a.X1 < b.X1
		}
		if a.Y2 != b.Y2 {
			return a.Y2 < b.Y2
		}
		return a.X2 < b.X2
	})

	kept := make([]Box, 0, len(sorted))
	for _, r := range sorted {
		dup := false
		for _, k := range kept {
			if float64(overlap(r, k)) > 0.35*float64(r.Area()) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, r)
		}
	}
	return kept
}

// meanWidthRatio is the mean box width as a fraction of page width.
func meanWidthRatio(boxes []Box, pageW int) float64 {
	if len(boxes) == 0 || pageW == 0 {
		return 0
	}
	sum := 0
	for _, b := range boxes {
		sum += b.Width()
	}
	return float64(sum) / float64(len(boxes)) / float64(pageW)
}
