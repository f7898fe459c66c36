/**
 * Page sources
 *
 * Turns an uploaded document into ordered page rasters:
 * - scanned PDFs: the largest embedded image of each page (pdfcpu)
 * - single images: PNG, JPEG, GIF, TIFF, BMP, WebP
 */

package pages

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/checkextract-worker/internal/imaging"
)

// Page is one decoded document page. Number is 1-based.
type Page struct {
	Number int
	Image  image.Image
}

// Load decodes data according to its detected MIME type.
func Load(data []byte) ([]Page, string, error) {
	mime := DetectMimeType(data)
	switch {
	case mime == "application/pdf":
		pages, err := FromPDF(data)
		return pages, mime, err
	case IsImage(mime):
		pages, err := Decode(data)
		return pages, mime, err
	default:
		return nil, mime, fmt.Errorf("unsupported document type %q", mime)
	}
}

// Decode reads a single-image document as one page.
func Decode(data []byte) ([]Page, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return []Page{{Number: 1, Image: img}}, nil
}

// FromPDF returns the page scans embedded in a PDF. Each page contributes
// its largest decodable image; pages without one are skipped.
func FromPDF(data []byte) ([]Page, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	perPage, err := api.ExtractImagesRaw(bytes.NewReader(data), nil, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to extract pdf images: %w", err)
	}

	byNumber := make(map[int]image.Image)
	for _, images := range perPage {
		objNrs := make([]int, 0, len(images))
		for nr := range images {
			objNrs = append(objNrs, nr)
		}
		sort.Ints(objNrs)

		for _, nr := range objNrs {
			raw := images[nr]
			img, err := decodeEmbedded(raw)
			if err != nil {
				continue
			}
			if cur, ok := byNumber[raw.PageNr]; !ok || area(img) > area(cur) {
				byNumber[raw.PageNr] = img
			}
		}
	}

	numbers := make([]int, 0, len(byNumber))
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	out := make([]Page, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, Page{Number: n, Image: byNumber[n]})
	}
	return out, nil
}

func decodeEmbedded(raw model.Image) (image.Image, error) {
	if raw.Reader == nil {
		return nil, fmt.Errorf("image %s has no data", raw.Name)
	}
	data, err := io.ReadAll(raw)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func area(img image.Image) int {
	b := img.Bounds()
	return b.Dx() * b.Dy()
}

// Grays converts pages to luma rasters in page order.
func Grays(pages []Page) []*imaging.Gray {
	out := make([]*imaging.Gray, len(pages))
	for i, p := range pages {
		out[i] = imaging.ToGray(p.Image)
	}
	return out
}
