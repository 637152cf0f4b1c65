// Package filekind validates upload names against the ingest allow-list and
// maps extensions to pipeline kinds. Content sniffing cross-checks the
// declared extension; validation itself stays extension-based.
package filekind

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/store"
)

// WordRejectionMessage is the user-facing text for .doc/.docx uploads.
const WordRejectionMessage = "unsupported format; please upload as PDF"

var kindByExt = map[string]store.Kind{
	"pdf":  store.KindPDF,
	"xls":  store.KindExcel,
	"xlsx": store.KindExcel,
	"csv":  store.KindExcel,
	"txt":  store.KindMarkdown,
	"md":   store.KindMarkdown,
	"jpg":  store.KindImage,
	"jpeg": store.KindImage,
	"png":  store.KindImage,
	"html": store.KindHTML,
	"htm":  store.KindHTML,
}

// AllowedExtensions lists the ingestable extensions, sorted.
func AllowedExtensions() []string {
	out := make([]string, 0, len(kindByExt))
	for ext := range kindByExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Resolve validates the file name and returns its pipeline kind and
// normalized extension (without the dot).
func Resolve(name string) (store.Kind, string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "doc" || ext == "docx" {
		return "", ext, errs.Validation("%s", WordRejectionMessage)
	}
	kind, ok := kindByExt[ext]
	if !ok {
		return "", ext, errs.Validation("unsupported file extension %q; allowed: %s",
			ext, strings.Join(AllowedExtensions(), ", "))
	}
	return kind, ext, nil
}

// Sniff detects the content MIME type. ZIP and OLE containers are resolved
// through the declared extension because modern and legacy Office files are
// indistinguishable at the container level.
func Sniff(data []byte, name string) string {
	mtype := mimetype.Detect(data)
	mime := mtype.String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}

	ext := strings.ToLower(filepath.Ext(name))
	if mime == "application/zip" || strings.Contains(mime, "application/x-zip") {
		switch ext {
		case ".docx":
			return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
		case ".xlsx":
			return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		}
	}
	if mime == "application/x-ole-storage" || mime == "application/x-cfb" {
		switch ext {
		case ".doc":
			return "application/msword"
		case ".xls":
			return "application/vnd.ms-excel"
		}
	}
	return mime
}

// Mismatch reports a clear conflict between sniffed content and the declared
// kind. Generic detections (octet-stream, empty) never flag; text containers
// are accepted for every text-ish kind.
func Mismatch(sniffed string, kind store.Kind) bool {
	if sniffed == "" || sniffed == "application/octet-stream" {
		return false
	}
	switch kind {
	case store.KindPDF:
		return sniffed != "application/pdf"
	case store.KindImage:
		return !strings.HasPrefix(sniffed, "image/")
	case store.KindHTML, store.KindMarkdown:
		return !strings.HasPrefix(sniffed, "text/")
	case store.KindExcel:
		return !strings.HasPrefix(sniffed, "text/") &&
			!strings.Contains(sniffed, "spreadsheet") &&
			!strings.Contains(sniffed, "ms-excel") &&
			sniffed != "application/zip"
	default:
		return false
	}
}
