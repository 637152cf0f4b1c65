// Package pdf wraps the PDF backends: go-fitz for text extraction and page
// rendering, pdfcpu for a cheap page count that avoids opening a render
// context. The Opener seam lets tests substitute an in-memory document.
package pdf

import (
	"fmt"

	fitz "github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Document abstracts an open PDF for extraction and rendering.
type Document interface {
	NumPage() int
	PageText(i int) (string, error)
	Close() error
}

// Opener opens a PDF path into a Document.
type Opener func(path string) (Document, error)

// OpenFitz is the go-fitz backed Opener used outside tests.
func OpenFitz(path string) (Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &fitzDoc{doc}, nil
}

type fitzDoc struct {
	*fitz.Document
}

func (d *fitzDoc) PageText(i int) (string, error) {
	if i < 0 || i >= d.NumPage() {
		return "", fmt.Errorf("page %d out of range (document has %d pages)", i+1, d.NumPage())
	}
	return d.Text(i)
}

// PageCount reads the page count without a render context.
func PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	return n, nil
}
