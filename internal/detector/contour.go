package detector

import "github.com/adverant/nexus/checkextract-worker/internal/imaging"

// ContourBoxes returns bordered check candidates: every outer and inner
// outline on the binarized page whose bounding box is check shaped and
// carries some ink.
func ContourBoxes(mask *imaging.Mask) []Box {
	w, h := mask.W, mask.H
	minW := int(float64(w) * 0.15)
	minH := int(float64(h) * 0.04)
	maxH := int(float64(h) * 0.25)
	minArea := float64(w) * float64(h) * 0.005

	candidates := make([]Box, 0)
	for _, r := range imaging.Components(mask, true) {
		cw, ch := r.Dx(), r.Dy()
		if cw < minW || ch < minH || ch > maxH {
			continue
		}
		if float64(cw*ch) < minArea {
			continue
		}
		ar := float64(cw) / float64(ch)
		if ar <= 1.2 || ar >= 7.0 {
			continue
		}
		if mask.Density(r) < 0.03 {
			continue
		}
		candidates = append(candidates, BoxFromRect(r))
	}
	return candidates
}
