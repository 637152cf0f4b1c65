package pdf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDoc struct {
	pages []string
}

func (d *fakeDoc) NumPage() int { return len(d.pages) }

func (d *fakeDoc) PageText(i int) (string, error) {
	if i < 0 || i >= len(d.pages) {
		return "", errors.New("out of range")
	}
	return d.pages[i], nil
}

func (d *fakeDoc) Close() error { return nil }

func proberFor(doc *fakeDoc) *Prober {
	p := NewProber(3, 50)
	p.Open = func(string) (Document, error) { return doc, nil }
	return p
}

func TestScannedWhenProbePagesNearlyEmpty(t *testing.T) {
	doc := &fakeDoc{pages: []string{"  \n\t ", "stamp", "", "full text on page four that the probe never reads"}}
	scanned, err := proberFor(doc).Scanned("scan.pdf")
	require.NoError(t, err)
	assert.True(t, scanned)
}

func TestNotScannedWhenTextMeetsThreshold(t *testing.T) {
	doc := &fakeDoc{pages: []string{"This first page alone carries well over fifty characters of text content."}}
	scanned, err := proberFor(doc).Scanned("report.pdf")
	require.NoError(t, err)
	assert.False(t, scanned)
}

func TestProbeStripsWhitespaceBeforeCounting(t *testing.T) {
	// 60 runes of whitespace plus 12 visible chars: still scanned.
	doc := &fakeDoc{pages: []string{"  a b c \n\n\t  d e f    1 2 3 4 5 6   \n \n \n \n \n \n \n \n \n \n"}}
	scanned, err := proberFor(doc).Scanned("scan.pdf")
	require.NoError(t, err)
	assert.True(t, scanned)
}

func TestProbeOnlyReadsFirstThreePages(t *testing.T) {
	long := "plenty of extractable text that would clear any threshold easily, repeated"
	doc := &fakeDoc{pages: []string{"", "", "", long, long}}
	scanned, err := proberFor(doc).Scanned("scan.pdf")
	require.NoError(t, err)
	assert.True(t, scanned, "text beyond the probe depth must not count")
}

func TestZeroPageDocumentIsNotScanned(t *testing.T) {
	scanned, err := proberFor(&fakeDoc{}).Scanned("empty.pdf")
	require.NoError(t, err)
	assert.False(t, scanned)
}
