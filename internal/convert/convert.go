// Package convert routes a raw file to its Markdown conversion strategy by
// kind. The dispatcher owns no state; callers decide what the output means.
package convert

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docpipe/internal/convsvc"
	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/metrics"
	"github.com/local/docpipe/internal/pdf"
	"github.com/local/docpipe/internal/store"
	"github.com/local/docpipe/internal/vision"
)

// Input identifies the file to convert.
type Input struct {
	Path        string
	Kind        store.Kind
	Stem        string // artifact stem, used as the scanned-PDF title header
	DisplayName string // name sent to the conversion service
}

// Dispatcher selects and runs the conversion strategy.
type Dispatcher struct {
	convsvc *convsvc.Client
	ocr     *vision.OCR
	prober  *pdf.Prober
}

// New wires the dispatcher.
func New(c *convsvc.Client, ocr *vision.OCR, prober *pdf.Prober) *Dispatcher {
	return &Dispatcher{convsvc: c, ocr: ocr, prober: prober}
}

// ToMarkdown converts the input, reporting coarse progress in 0..100 for the
// conversion phase only (callers map it into the document's progress band).
func (d *Dispatcher) ToMarkdown(ctx context.Context, in Input, onProgress func(int)) (string, error) {
	progress := func(v int) {
		if onProgress != nil {
			onProgress(v)
		}
	}

	start := time.Now()
	strategy := string(in.Kind)

	var md string
	var err error
	switch in.Kind {
	case store.KindMarkdown:
		md, err = d.copyMarkdown(in, progress)
	case store.KindPDF:
		var scanned bool
		scanned, err = d.prober.Scanned(in.Path)
		if err != nil {
			err = errs.Wrap(errs.KindConversion, err, "probe pdf")
			break
		}
		if scanned {
			strategy = "pdf_scanned"
			md, err = d.scannedPDF(ctx, in, progress)
		} else {
			strategy = "pdf_text"
			md, err = d.remote(ctx, in, progress, true)
		}
	case store.KindHTML:
		md, err = d.remote(ctx, in, progress, true)
	case store.KindExcel, store.KindWord, store.KindImage:
		md, err = d.remote(ctx, in, progress, false)
	default:
		return "", errs.Validation("no conversion strategy for kind %q", in.Kind)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(md) == "" {
		return "", errs.Conversion("conversion produced empty Markdown for %s", in.DisplayName)
	}

	metrics.ObserveConversion(strategy, time.Since(start))
	log.Info().Str("kind", string(in.Kind)).Str("strategy", strategy).
		Str("file", in.DisplayName).Dur("elapsed", time.Since(start)).Msg("converted to markdown")
	return md, nil
}

// copyMarkdown is the byte-copy shortcut for files that already are
// Markdown (or plain text). Progress steps mirror the other strategies so
// the UI moves the same way.
func (d *Dispatcher) copyMarkdown(in Input, progress func(int)) (string, error) {
	progress(10)
	data, err := os.ReadFile(in.Path)
	if err != nil {
		return "", errs.Wrap(errs.KindConversion, err, "read markdown source")
	}
	progress(30)
	md := string(data)
	progress(70)
	return md, nil
}

func (d *Dispatcher) remote(ctx context.Context, in Input, progress func(int), stripImages bool) (string, error) {
	progress(10)
	data, err := os.ReadFile(in.Path)
	if err != nil {
		return "", errs.Wrap(errs.KindConversion, err, "read source file")
	}
	progress(20)
	md, _, err := d.convsvc.Convert(ctx, in.DisplayName, data)
	if err != nil {
		return "", err
	}
	progress(90)
	if stripImages {
		md = StripImageRefs(md)
	}
	return md, nil
}

// scannedPDF output is preserved verbatim: the vision model only emits text
// the page actually shows, so there are no image references to strip.
func (d *Dispatcher) scannedPDF(ctx context.Context, in Input, progress func(int)) (string, error) {
	progress(10)
	return d.ocr.DocumentToMarkdown(ctx, in.Path, in.Stem, func(done, total int) {
		if total > 0 {
			progress(10 + done*85/total)
		}
	})
}
