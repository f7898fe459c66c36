package detector

import "github.com/adverant/nexus/checkextract-worker/internal/imaging"

// Snap moves each box onto the bordered rectangle around it when one is
// found within a margin of max(15% box height, 10px). The rectangle must
// span more than 70% of the box in both directions and cover more than
// half its area; otherwise the box is left alone.
func Snap(boxes []Box, mask *imaging.Mask) []Box {
	out := make([]Box, 0, len(boxes))
	for _, b := range boxes {
		bw, bh := b.Width(), b.Height()
		pad := int(float64(bh) * 0.15)
		if pad < 10 {
			pad = 10
		}

		search := Box{b.X1 - pad, b.Y1 - pad, b.X2 + pad, b.Y2 + pad}.Clamp(mask.W, mask.H)
		if !search.Valid() {
			out = append(out, b)
			continue
		}

		roi := mask.Sub(search.Rect())
		var (
			best     Box
			bestArea int
		)
		for _, r := range imaging.Components(roi, false) {
			rw, rh := r.Dx(), r.Dy()
			area := rw * rh
			if area > bestArea && float64(rw) > float64(bw)*0.7 && float64(rh) > float64(bh)*0.7 {
				bestArea = area
				best = Box{search.X1 + r.Min.X, search.Y1 + r.Min.Y, search.X1 + r.Max.X, search.Y1 + r.Max.Y}
			}
		}

		if bestArea > 0 && float64(bestArea) > float64(bw*bh)*0.5 {
			out = append(out, best)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// IsBack reports whether the region looks like the endorsement side of a
// check: mostly vertical text columns and no ink band along the bottom
// where a front carries its MICR line.
func IsBack(roi *imaging.Gray) bool {
	bh, bw := roi.H, roi.W
	if bh == 0 || bw == 0 {
		return false
	}

	m := imaging.Threshold(roi, inkThreshold)

	textRows := 0
	for _, n := range m.RowSums() {
		if float64(n) > float64(bw)*0.05 {
			textRows++
		}
	}
	textCols := 0
	for _, n := range m.ColSums() {
		if float64(n) > float64(bh)*0.10 {
			textCols++
		}
	}
	hRatio := float64(textRows) / float64(bh)
	vRatio := float64(textCols) / float64(bw)

	strip := int(float64(bh) * 0.15)
	if strip < 10 {
		strip = 10
	}
	if strip > bh {
		strip = bh
	}
	bottom := m.Density(Box{0, bh - strip, bw, bh}.Rect())

	return vRatio > 0.15 && vRatio > hRatio*1.5 && bottom < 0.15
}

// FilterBacks drops boxes whose region reads as a check back. Boxes with
// an empty region are dropped too.
func FilterBacks(boxes []Box, g *imaging.Gray) []Box {
	fronts := make([]Box, 0, len(boxes))
	for _, b := range boxes {
		r := b.Clamp(g.W, g.H)
		if !r.Valid() {
			continue
		}
		if IsBack(g.Crop(r.Rect())) {
			continue
		}
		fronts = append(fronts, b)
	}
	return fronts
}

// ExpandMetadata grows each box downward, by at most a quarter of its
// height, to take in the printed metadata row under a bordered check.
func ExpandMetadata(boxes []Box, g *imaging.Gray) []Box {
	out := make([]Box, 0, len(boxes))
	for _, b := range boxes {
		below := int(float64(b.Height()) * 0.25)
		if rest := g.H - b.Y2; rest < below {
			below = rest
		}

		if below > 10 {
			area := Box{b.X1, b.Y2, b.X2, b.Y2 + below}
			if g.Mean(area.Rect()) < 250 {
				last := -1
				for i, m := range g.RowMeans(area.Rect()) {
					if m < 245 {
						last = i
					}
				}
				if last >= 0 {
					// below is already capped by the page bottom
					b.Y2 += min(last+5, below)
				}
			}
		}
		out = append(out, b)
	}
	return out
}
