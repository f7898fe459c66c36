package detector

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/checkextract-worker/internal/imaging"
	"github.com/adverant/nexus/checkextract-worker/internal/logging"
	"github.com/adverant/nexus/checkextract-worker/internal/metrics"
)

// inkThreshold is the luma at or below which a pixel counts as ink.
const inkThreshold = 200

// maxWorkers caps concurrent page detection.
const maxWorkers = 8

// Options tune a detection pass.
type Options struct {
	SamplePages    int
	Snap           bool
	FilterBacks    bool
	ExpandMetadata bool
}

// DefaultOptions samples three pages and enables every post-processing step.
func DefaultOptions() Options {
	return Options{SamplePages: 3, Snap: true, FilterBacks: true, ExpandMetadata: true}
}

// Result is the output of a whole-document detection pass. Boxes[i] holds
// the validated regions of page i in reading order.
type Result struct {
	Format Format
	Boxes  [][]Box
}

// Total returns the number of regions across all pages.
func (r *Result) Total() int {
	n := 0
	for _, b := range r.Boxes {
		n += len(b)
	}
	return n
}

// Detector finds check regions on page rasters.
type Detector struct {
	opts   Options
	logger *logging.Logger
}

// New creates a detector.
func New(opts Options) *Detector {
	if opts.SamplePages <= 0 {
		opts.SamplePages = 3
	}
	return &Detector{opts: opts, logger: logging.NewLogger("Detector")}
}

// DetectPage returns the validated check regions of one page under the
// given format hint. An empty result means the page holds no checks.
func (d *Detector) DetectPage(g *imaging.Gray, hint Format) []Box {
	mask := imaging.Threshold(g, inkThreshold)
	contour := Dedup(ContourBoxes(mask))
	grid := GridBoxes(mask)

	selected, strategy := Select(hint, contour, grid, g.W)
	boxes := validate(Dedup(selected), g)

	// bordered checks get their edges and metadata row fixed; grid cells
	// are already bounded by the rules they came from
	if d.opts.Snap && strategy == StrategyContour {
		boxes = Snap(boxes, mask)
	}
	if d.opts.FilterBacks {
		boxes = FilterBacks(boxes, g)
	}
	if d.opts.ExpandMetadata && strategy == StrategyContour {
		boxes = ExpandMetadata(boxes, g)
	}

	SortReading(boxes)
	return boxes
}

// DetectAll classifies the document from its first pages and detects every
// page with the resulting hint on a bounded pool. Results keep page order.
// A page that fails detection contributes zero regions.
func (d *Detector) DetectAll(ctx context.Context, pages []*imaging.Gray) (*Result, error) {
	result := &Result{Format: FormatUnknown, Boxes: make([][]Box, len(pages))}
	if len(pages) == 0 {
		return result, nil
	}

	result.Format = Classify(pages, d.opts.SamplePages)
	d.logger.Info("Document format classified",
		"format", result.Format.String(),
		"pages", len(pages),
		"sampled", min(d.opts.SamplePages, len(pages)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(maxWorkers, len(pages)))

	for i, page := range pages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result.Boxes[i] = d.safeDetect(i, page, result.Format)
			metrics.PagesDetected.Inc()
			metrics.BoxesPerPage.Observe(float64(len(result.Boxes[i])))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("page detection interrupted: %w", err)
	}

	for i, boxes := range result.Boxes {
		if len(boxes) == 0 {
			d.logger.Debug("Page skipped, no checks found", "page", i+1)
		}
	}
	d.logger.Info("Detection complete", "checks", result.Total(), "pages", len(pages))

	return result, nil
}

func (d *Detector) safeDetect(idx int, page *imaging.Gray, hint Format) (boxes []Box) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("Page detection failed", "page", idx+1, "panic", fmt.Sprint(r))
			boxes = []Box{}
		}
	}()
	return d.DetectPage(page, hint)
}

// validate drops regions that are blank, too small or too faint to be a
// check.
func validate(boxes []Box, g *imaging.Gray) []Box {
	good := make([]Box, 0, len(boxes))
	for _, b := range boxes {
		r := b.Clamp(g.W, g.H)
		if !r.Valid() {
			continue
		}
		if g.Mean(r.Rect()) > 250 {
			continue
		}
		if float64(b.Width()) < float64(g.W)*0.10 || float64(b.Height()) < float64(g.H)*0.03 {
			continue
		}
		if g.FractionBelow(r.Rect(), 180) < 0.02 {
			continue
		}
		good = append(good, b)
	}
	SortReading(good)
	return good
}
