package filekind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/store"
)

func TestResolveAllowList(t *testing.T) {
	cases := map[string]store.Kind{
		"report.pdf":    store.KindPDF,
		"Q3.XLSX":       store.KindExcel,
		"rows.csv":      store.KindExcel,
		"notes.txt":     store.KindMarkdown,
		"readme.md":     store.KindMarkdown,
		"scan.JPG":      store.KindImage,
		"photo.jpeg":    store.KindImage,
		"chart.png":     store.KindImage,
		"page.html":     store.KindHTML,
		"page.htm":      store.KindHTML,
		"ledger.xls":    store.KindExcel,
		"合同.pdf":        store.KindPDF,
		"dir/nested.md": store.KindMarkdown,
	}
	for name, want := range cases {
		kind, _, err := Resolve(name)
		require.NoError(t, err, "name %q", name)
		assert.Equal(t, want, kind, "name %q", name)
	}
}

func TestResolveRejectsWordWithPinnedMessage(t *testing.T) {
	for _, name := range []string{"contract.doc", "contract.DOCX"} {
		_, _, err := Resolve(name)
		require.Error(t, err)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		assert.Equal(t, WordRejectionMessage, errs.Message(err))
	}
}

func TestResolveRejectsUnknownExtension(t *testing.T) {
	_, _, err := Resolve("malware.exe")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Contains(t, err.Error(), "exe")
}

func TestSniffPlainContent(t *testing.T) {
	mime := Sniff([]byte("# heading\n\nbody"), "notes.md")
	assert.Contains(t, mime, "text/")

	mime = Sniff([]byte("%PDF-1.7 fake"), "doc.pdf")
	assert.Equal(t, "application/pdf", mime)
}

func TestMismatch(t *testing.T) {
	assert.True(t, Mismatch("text/plain", store.KindPDF))
	assert.False(t, Mismatch("application/pdf", store.KindPDF))
	assert.False(t, Mismatch("application/octet-stream", store.KindPDF))
	assert.True(t, Mismatch("application/pdf", store.KindImage))
	assert.False(t, Mismatch("text/csv", store.KindExcel))
	assert.False(t, Mismatch("text/plain", store.KindMarkdown))
}
