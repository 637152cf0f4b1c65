package pdf

import (
	"regexp"

	"github.com/rs/zerolog/log"
)

// Prober decides whether a PDF is scanned (image-only). It extracts text
// from the first Pages pages, strips all Unicode whitespace and counts
// runes; a total below Threshold classifies the file as scanned. The
// threshold is a product constant: lowering it routes garbage through the
// text path, raising it sends cheap text PDFs to OCR.
type Prober struct {
	Open      Opener
	Pages     int
	Threshold int
}

// NewProber builds a prober with the go-fitz opener.
func NewProber(pages, threshold int) *Prober {
	if pages <= 0 {
		pages = 3
	}
	if threshold <= 0 {
		threshold = 50
	}
	return &Prober{Open: OpenFitz, Pages: pages, Threshold: threshold}
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// Scanned reports whether the PDF should take the vision OCR path.
func (p *Prober) Scanned(path string) (bool, error) {
	doc, err := p.Open(path)
	if err != nil {
		return false, err
	}
	defer doc.Close()

	total := doc.NumPage()
	if total <= 0 {
		return false, nil
	}
	probe := p.Pages
	if probe > total {
		probe = total
	}

	chars := 0
	for i := 0; i < probe; i++ {
		text, terr := doc.PageText(i)
		if terr != nil {
			log.Warn().Err(terr).Int("page", i+1).Str("pdf", path).Msg("probe page extraction failed")
			continue
		}
		chars += len([]rune(whitespaceRE.ReplaceAllString(text, "")))
		if chars >= p.Threshold {
			return false, nil
		}
	}

	log.Debug().Str("pdf", path).Int("chars", chars).Int("threshold", p.Threshold).Msg("classified pdf as scanned")
	return true, nil
}
