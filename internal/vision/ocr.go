package vision

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/metrics"
)

// ocrPrompt is the fixed instruction given to the model for each page.
const ocrPrompt = "Extract all textual content from this page as Markdown. " +
	"Ignore watermarks and seals. Preserve tables as Markdown tables. " +
	"Return only the extracted content, no commentary."

// PageRenderer rasterizes a 0-based page to PNG bytes.
type PageRenderer interface {
	PageCount(path string) (int, error)
	RenderPage(path string, pageIndex int) ([]byte, error)
}

// OCR drives the scanned-PDF path: render each page, OCR it, concatenate in
// page order.
type OCR struct {
	client      Client
	renderer    PageRenderer
	concurrency int
	pageTimeout time.Duration
}

// NewOCR builds the pipeline. concurrency bounds concurrent page calls.
func NewOCR(client Client, renderer PageRenderer, concurrency int, pageTimeout time.Duration) *OCR {
	if concurrency <= 0 {
		concurrency = 4
	}
	if pageTimeout < 60*time.Second {
		pageTimeout = 60 * time.Second
	}
	return &OCR{client: client, renderer: renderer, concurrency: concurrency, pageTimeout: pageTimeout}
}

// DocumentToMarkdown OCRs every page and assembles the artifact: a leading
// "# <stem>" header, then "## Page N" before each page body. Any page
// failing fails the whole document; partial OCR output is worse than a
// retryable failure.
func (o *OCR) DocumentToMarkdown(ctx context.Context, pdfPath, stem string, onProgress func(done, total int)) (string, error) {
	total, err := o.renderer.PageCount(pdfPath)
	if err != nil {
		return "", errs.Wrap(errs.KindConversion, err, "open scanned pdf")
	}
	if total <= 0 {
		return "", errs.Conversion("scanned pdf has no pages")
	}

	pages := make([]string, total)
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i := 0; i < total; i++ {
		g.Go(func() error {
			png, rerr := o.renderer.RenderPage(pdfPath, i)
			if rerr != nil {
				metrics.IncVisionPage("render_error")
				return errs.Wrap(errs.KindConversion, rerr, "render page %d", i+1)
			}

			pctx, cancel := context.WithTimeout(gctx, o.pageTimeout)
			defer cancel()
			text, cerr := o.client.Complete(pctx, Request{Prompt: ocrPrompt, ImagePNG: png})
			if cerr != nil {
				metrics.IncVisionPage("error")
				return errs.Wrap(errs.KindConversion, cerr, "OCR page %d", i+1)
			}
			metrics.IncVisionPage("ok")

			pages[i] = strings.TrimSpace(text)
			n := int(done.Add(1))
			log.Debug().Str("pdf", pdfPath).Int("page", i+1).Int("done", n).Int("total", total).Msg("page OCR complete")
			if onProgress != nil {
				onProgress(n, total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# " + stem + "\n")
	for i, body := range pages {
		b.WriteString(fmt.Sprintf("\n## Page %d\n\n", i+1))
		b.WriteString(body)
		b.WriteString("\n")
	}
	return b.String(), nil
}
