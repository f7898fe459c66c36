package detector

import (
	"math"
	"sort"

	"github.com/adverant/nexus/checkextract-worker/internal/imaging"
)

// GridBoxes finds checks laid out in a ruled table: long horizontal rules
// split the page into bands, an optional centre divider splits each band
// into two columns, and thin bands are merged until they are check height.
func GridBoxes(mask *imaging.Mask) []Box {
	w, h := mask.W, mask.H
	if w == 0 || h == 0 {
		return nil
	}

	rows := mask.OpenHorizontal(w / 3).RowSums()
	lineRows := make([]int, 0)
	for y, n := range rows {
		if float64(n) > float64(w)*0.20 {
			lineRows = append(lineRows, y)
		}
	}
	lines := clusterPositions(lineRows, 15)
	if len(lines) < 5 {
		return nil
	}

	centre, twoCol := findCentreSplit(mask)

	boundaries := uniqueSorted(append(append([]int{0}, lines...), h))
	minCellH := int(float64(h) * 0.03)
	filtered := []int{boundaries[0]}
	for _, y := range boundaries[1:] {
		if y-filtered[len(filtered)-1] >= minCellH {
			filtered = append(filtered, y)
		}
	}
	if filtered[len(filtered)-1] != h {
		filtered = append(filtered, h)
	}

	cells := make([]Box, 0)
	for i := 0; i+1 < len(filtered); i++ {
		y1, y2 := filtered[i], filtered[i+1]
		if y2-y1 < minCellH {
			continue
		}
		if twoCol && centre != 0 {
			cells = append(cells, Box{0, y1, centre, y2}, Box{centre, y1, w, y2})
		} else {
			cells = append(cells, Box{0, y1, w, y2})
		}
	}

	return mergeSmallCells(cells, int(float64(h)*0.08))
}

// findCentreSplit looks for the divider between two check columns: a
// vertical rule near the middle, or failing that a run of nearly empty
// columns in the middle band.
func findCentreSplit(mask *imaging.Mask) (int, bool) {
	w, h := mask.W, mask.H

	cols := mask.OpenVertical(h / 4).ColSums()
	vertCols := make([]int, 0)
	for x, n := range cols {
		if float64(n) > float64(h)*0.15 {
			vertCols = append(vertCols, x)
		}
	}
	best, found := 0, false
	for _, v := range clusterPositions(vertCols, 20) {
		if float64(v) <= float64(w)*0.35 || float64(v) >= float64(w)*0.65 {
			continue
		}
		if !found || abs(v-w/2) < abs(best-w/2) {
			best, found = v, true
		}
	}
	if found {
		return best, true
	}

	ink := mask.ColSums()
	total := 0
	for _, n := range ink {
		total += n
	}
	avg := float64(total) / float64(w)

	midStart, midEnd := int(float64(w)*0.35), int(float64(w)*0.65)
	gapSum, gapCount := 0, 0
	for x := midStart; x < midEnd && x < w; x++ {
		if float64(ink[x]) < avg*0.15 {
			gapSum += x
			gapCount++
		}
	}
	if gapCount >= 10 {
		return int(math.Floor(float64(gapSum) / float64(gapCount))), true
	}

	return 0, false
}

// mergeSmallCells stacks vertically adjacent cells of the same column until
// each reaches minH. Columns keep first-seen order.
func mergeSmallCells(cells []Box, minH int) []Box {
	if len(cells) == 0 {
		return cells
	}

	type column struct{ x1, x2 int }
	order := make([]column, 0)
	rows := make(map[column][]Box)
	for _, c := range cells {
		k := column{c.X1, c.X2}
		if _, ok := rows[k]; !ok {
			order = append(order, k)
		}
		rows[k] = append(rows[k], c)
	}

	merged := make([]Box, 0, len(cells))
	for _, k := range order {
		col := rows[k]
		SortReading(col)
		for i := 0; i < len(col); i++ {
			yStart, yEnd := col[i].Y1, col[i].Y2
			for yEnd-yStart < minH && i+1 < len(col) {
				i++
				yEnd = col[i].Y2
			}
			merged = append(merged, Box{k.x1, yStart, k.x2, yEnd})
		}
	}
	return merged
}

// clusterPositions collapses runs of sorted positions no more than minGap
// apart into their midpoints.
func clusterPositions(positions []int, minGap int) []int {
	if len(positions) == 0 {
		return nil
	}
	clusters := make([]int, 0)
	start, prev := positions[0], positions[0]
	for _, p := range positions[1:] {
		if p-prev > minGap {
			clusters = append(clusters, (start+prev)/2)
			start = p
		}
		prev = p
	}
	return append(clusters, (start+prev)/2)
}

func uniqueSorted(values []int) []int {
	seen := make(map[int]bool, len(values))
	out := make([]int, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
