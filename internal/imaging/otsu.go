package imaging

// Otsu picks the threshold that maximises between-class variance of the
// luma histogram.
func Otsu(g *Gray) uint8 {
	var hist [256]int
	for _, v := range g.Pix {
		hist[v]++
	}

	total := len(g.Pix)
	if total == 0 {
		return 127
	}

	var sum float64
	for i, c := range hist {
		sum += float64(i * c)
	}

	var (
		sumB   float64
		wB     int
		best   float64
		thresh int
	)
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			thresh = t
		}
	}
	return uint8(thresh)
}

// Binarize maps pixels above thr to white and the rest to black.
func Binarize(g *Gray, thr uint8) *Gray {
	out := &Gray{W: g.W, H: g.H, Pix: make([]uint8, len(g.Pix))}
	for i, v := range g.Pix {
		if v > thr {
			out.Pix[i] = 255
		}
	}
	return out
}
