package detector

// Strategy names which detector produced a selection.
type Strategy string

const (
	StrategyContour Strategy = "contour"
	StrategyGrid    Strategy = "grid"
	StrategyUnion   Strategy = "union"
	StrategyNone    Strategy = "none"
)

// minGridChecks is the fewest narrow cells a LineGrid page must yield.
const minGridChecks = 4

// Select applies the per-format selection policy to the two candidate sets
// of one page.
func Select(hint Format, contour, grid []Box, pageW int) ([]Box, Strategy) {
	switch hint {
	case FormatContourBordered:
		if len(contour) > 0 {
			return clone(contour), StrategyContour
		}
		return clone(grid), StrategyGrid

	case FormatLineGrid:
		// full-width cells are header or summary rows, not checks
		half := float64(pageW) * 0.55
		narrow := make([]Box, 0, len(grid))
		for _, b := range grid {
			if float64(b.Width()) < half {
				narrow = append(narrow, b)
			}
		}
		// a LineGrid check page holds at least two rows of two; fewer
		// narrow cells means a cover or summary page
		if len(narrow) < minGridChecks {
			return []Box{}, StrategyNone
		}
		return narrow, StrategyGrid
	}

	ratio := meanWidthRatio(contour, pageW)
	switch {
	case len(contour) >= 2 && ratio > 0.30:
		return clone(contour), StrategyContour
	case len(grid) >= 8:
		return clone(grid), StrategyGrid
	case len(contour) >= 2:
		return clone(contour), StrategyContour
	case len(grid) >= 4:
		return clone(grid), StrategyGrid
	case len(contour) == 0 && len(grid) == 0:
		return []Box{}, StrategyNone
	}

	union := make([]Box, 0, len(contour)+len(grid))
	union = append(union, contour...)
	union = append(union, grid...)
	return union, StrategyUnion
}

func clone(boxes []Box) []Box {
	out := make([]Box, len(boxes))
	copy(out, boxes)
	return out
}
