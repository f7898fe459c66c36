package detector

import "github.com/adverant/nexus/checkextract-worker/internal/imaging"

// Format is the dominant check layout of a document.
type Format int

const (
	FormatUnknown Format = iota
	FormatContourBordered
	FormatLineGrid
)

// String returns the label written to manifests.
func (f Format) String() string {
	switch f {
	case FormatContourBordered:
		return "Contour/Bordered"
	case FormatLineGrid:
		return "Line-Grid"
	default:
		return "Auto"
	}
}

// ParseFormat maps a manifest label back to a Format. Unrecognised labels
// are Unknown.
func ParseFormat(s string) Format {
	switch s {
	case "Contour/Bordered":
		return FormatContourBordered
	case "Line-Grid":
		return FormatLineGrid
	default:
		return FormatUnknown
	}
}

// Classify votes over the first sample pages. A page votes bordered when at
// least two deduplicated contour candidates average a quarter of the page
// width or more, else ruled when the grid yields at least four cells. The
// majority wins; a tie (including no votes) is Unknown.
func Classify(pages []*imaging.Gray, sample int) Format {
	if sample > len(pages) {
		sample = len(pages)
	}

	var contourVotes, gridVotes int
	for _, g := range pages[:sample] {
		mask := imaging.Threshold(g, inkThreshold)
		contour := Dedup(ContourBoxes(mask))
		if len(contour) >= 2 && meanWidthRatio(contour, g.W) >= 0.25 {
			contourVotes++
			continue
		}
		if len(GridBoxes(mask)) >= 4 {
			gridVotes++
		}
	}

	switch {
	case contourVotes > gridVotes:
		return FormatContourBordered
	case gridVotes > contourVotes:
		return FormatLineGrid
	default:
		return FormatUnknown
	}
}
