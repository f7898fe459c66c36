/**
 * Tesseract OCR - offline engine
 *
 * Local, free OCR. The check image is Otsu-binarized before recognition and
 * the plain text is parsed with the line rules in engines.ParseCheckText.
 * Kept in its own package because gosseract links against libtesseract.
 */

package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/checkextract-worker/internal/engines"
	"github.com/adverant/nexus/checkextract-worker/internal/imaging"
)

// Engine runs Tesseract in-process.
type Engine struct {
	languages []string
}

// Config holds Tesseract configuration
type Config struct {
	Languages []string
}

// New creates a Tesseract engine. Languages default to English.
func New(cfg *Config) *Engine {
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	return &Engine{languages: langs}
}

func (e *Engine) Name() string { return engines.NameTesseract }

// Extract performs OCR on a PNG check image.
func (e *Engine) Extract(ctx context.Context, png []byte) (engines.Fields, string, error) {
	img, _, err := image.Decode(bytes.NewReader(png))
	if err != nil {
		return engines.Fields{}, "", fmt.Errorf("failed to decode image: %w", err)
	}

	g := imaging.ToGray(img)
	bin := imaging.Binarize(g, imaging.Otsu(g))
	prepared, err := imaging.EncodePNG(bin.Image())
	if err != nil {
		return engines.Fields{}, "", fmt.Errorf("failed to encode binarized image: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return engines.Fields{}, "", err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.languages...); err != nil {
		return engines.Fields{}, "", fmt.Errorf("failed to set languages %s: %w", strings.Join(e.languages, "+"), err)
	}
	if err := client.SetImageFromBytes(prepared); err != nil {
		return engines.Fields{}, "", fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return engines.Fields{}, "", fmt.Errorf("tesseract OCR failed: %w", err)
	}

	return engines.ParseCheckText(text), text, nil
}

// Version reports the linked libtesseract version.
func Version() string {
	client := gosseract.NewClient()
	defer client.Close()
	return client.Version()
}
