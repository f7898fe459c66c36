/**
 * Check image extraction
 *
 * Crops validated regions out of their pages, stores each crop through an
 * ImageStore and records it in an ordered manifest. Check ids follow
 * (page, y, x) order so range selections downstream stay stable across
 * re-runs of the same document.
 */

package extractor

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"time"

	"github.com/adverant/nexus/checkextract-worker/internal/detector"
	"github.com/adverant/nexus/checkextract-worker/internal/imaging"
	"github.com/adverant/nexus/checkextract-worker/internal/logging"
	"github.com/adverant/nexus/checkextract-worker/internal/pages"
)

// blankMean is the crop luma above which a region is treated as empty paper.
const blankMean = 252

// ImageStore persists crop images and reads them back.
type ImageStore interface {
	// Save stores data under name for the job and returns a reference
	// that Load understands.
	Save(ctx context.Context, jobID, name string, data []byte) (string, error)
	Load(ctx context.Context, ref string) ([]byte, error)
}

// Entry is one manifest row.
type Entry struct {
	CheckID    string       `json:"check_id"`
	ImageFile  string       `json:"image_file"`
	PageNumber int          `json:"page_number"`
	Box        detector.Box `json:"box"`
}

// Manifest lists every extracted check of a job in check id order.
type Manifest struct {
	JobID      string    `json:"job_id"`
	SourceFile string    `json:"source_file,omitempty"`
	DocFormat  string    `json:"doc_format"`
	TotalPages int       `json:"total_pages"`
	Entries    []Entry   `json:"entries"`
	CreatedAt  time.Time `json:"created_at"`
}

// Extractor crops detected regions into stored check images.
type Extractor struct {
	store  ImageStore
	logger *logging.Logger
}

// New creates an extractor writing through store.
func New(store ImageStore) *Extractor {
	return &Extractor{store: store, logger: logging.NewLogger("Extractor")}
}

// CheckID formats the n-th (1-based) check id.
func CheckID(n int) string {
	return fmt.Sprintf("check_%04d", n)
}

// Extract walks pages in order and each page's regions in (y, x) order,
// skips degenerate or blank crops and returns the manifest. boxes[i]
// belongs to docPages[i]; result is not modified.
func (e *Extractor) Extract(ctx context.Context, jobID string, docPages []pages.Page, grays []*imaging.Gray, result *detector.Result) (*Manifest, error) {
	if len(grays) != len(docPages) || len(result.Boxes) != len(docPages) {
		return nil, fmt.Errorf("page count mismatch: pages=%d grays=%d boxes=%d", len(docPages), len(grays), len(result.Boxes))
	}

	manifest := &Manifest{
		JobID:      jobID,
		DocFormat:  result.Format.String(),
		TotalPages: len(docPages),
		Entries:    make([]Entry, 0, result.Total()),
		CreatedAt:  time.Now().UTC(),
	}

	counter := 1
	for i, page := range docPages {
		g := grays[i]
		onPage := 0

		boxes := append([]detector.Box(nil), result.Boxes[i]...)
		detector.SortReading(boxes)

		for _, box := range boxes {
			b := box.Clamp(g.W, g.H)
			if !b.Valid() {
				continue
			}
			if g.Mean(b.Rect()) > blankMean {
				continue
			}

			data, err := imaging.EncodePNG(crop(page.Image, b.Rect()))
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", CheckID(counter), err)
			}

			cid := CheckID(counter)
			ref, err := e.store.Save(ctx, jobID, fmt.Sprintf("images/%s.png", cid), data)
			if err != nil {
				return nil, fmt.Errorf("failed to store %s: %w", cid, err)
			}

			onPage++
			if _, err := e.store.Save(ctx, jobID, fmt.Sprintf("images/page_%d/cheque_%d.png", page.Number, onPage), data); err != nil {
				e.logger.Warn("Per-page copy not stored", "check_id", cid, "error", err.Error())
			}

			manifest.Entries = append(manifest.Entries, Entry{
				CheckID:    cid,
				ImageFile:  ref,
				PageNumber: page.Number,
				Box:        b,
			})
			counter++
		}
	}

	e.logger.Info("Check images extracted", "job_id", jobID, "checks", len(manifest.Entries), "pages", len(docPages))
	return manifest, nil
}

// crop copies r out of img; r is in page coordinates starting at (0,0).
func crop(img image.Image, r image.Rectangle) image.Image {
	src := r.Add(img.Bounds().Min)
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)
	return dst
}
