package pdf

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	fitz "github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"
)

// Renderer rasterizes PDF pages for the vision OCR path. Pages render at
// DPI and are downscaled to fit MaxDim on the long edge; the encoding is
// PNG because OCR quality degrades on JPEG artifacts around small glyphs.
type Renderer struct {
	DPI    int
	MaxDim int
}

// NewRenderer applies the production defaults when values are unset.
func NewRenderer(dpi, maxDim int) *Renderer {
	if dpi <= 0 {
		dpi = 144
	}
	if maxDim <= 0 {
		maxDim = 2000
	}
	return &Renderer{DPI: dpi, MaxDim: maxDim}
}

// PageCount opens the document just long enough to count pages with the
// render backend; used when pdfcpu refuses a file go-fitz still accepts.
func (r *Renderer) PageCount(path string) (int, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

// RenderPage rasterizes the 0-based page to PNG bytes.
func (r *Renderer) RenderPage(path string, pageIndex int) ([]byte, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	img, err := doc.ImageDPI(pageIndex, float64(r.DPI))
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", pageIndex+1, err)
	}

	var resized image.Image = img
	b := img.Bounds()
	if b.Dx() > r.MaxDim || b.Dy() > r.MaxDim {
		resized = imaging.Fit(img, r.MaxDim, r.MaxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return nil, fmt.Errorf("encode page %d: %w", pageIndex+1, err)
	}

	log.Debug().
		Int("page", pageIndex+1).
		Int("width", resized.Bounds().Dx()).
		Int("height", resized.Bounds().Dy()).
		Int("png_size", buf.Len()).
		Msg("rendered page")

	return buf.Bytes(), nil
}
