package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := NewLayout(t.TempDir())
	require.NoError(t, err)
	return l
}

func TestSaveUploadDistinctPaths(t *testing.T) {
	l := newTestLayout(t)

	n1, p1, err := l.SaveUpload("folder-1", "report.pdf", []byte("one"))
	require.NoError(t, err)
	n2, p2, err := l.SaveUpload("folder-1", "report.pdf", []byte("two"))
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.True(t, strings.HasSuffix(n1, "_report.pdf"))
	assert.True(t, strings.HasSuffix(n2, "_report.pdf"))
	assert.Len(t, strings.SplitN(n1, "_", 2)[0], 8)

	got, err := os.ReadFile(p1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"report.pdf":          "report.pdf",
		"q3 budget (v2).xlsx": "q3_budget__v2_.xlsx",
		"../../etc/passwd":    "passwd",
		"合同条款.pdf":            "合同条款.pdf",
		"a/b\\c.md":           "c.md",
		"...":                 "file",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}
}

func TestArtifactPathUsesRawStem(t *testing.T) {
	l := newTestLayout(t)
	p := l.ArtifactPath("folder-1", "1a2b3c4d_report.pdf")
	assert.Equal(t, filepath.Join(l.Root, "processed", "folder-1", "1a2b3c4d_report.md"), p)
}

func TestWriteArtifactAndRemove(t *testing.T) {
	l := newTestLayout(t)
	p, err := l.WriteArtifact("folder-1", "1a2b3c4d_report.pdf", []byte("# hi"))
	require.NoError(t, err)
	_, err = os.Stat(p)
	require.NoError(t, err)

	require.NoError(t, Remove(p))
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))

	// removing again is fine
	require.NoError(t, Remove(p))
}

func TestSaveReportNaming(t *testing.T) {
	l := newTestLayout(t)
	at := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	p, err := l.SaveReport("ACME Holdings Ltd.", []byte("# Report"), at)
	require.NoError(t, err)
	assert.Equal(t, "ACME_Holdings_Ltd-20250314-150926.md", filepath.Base(p))
}

func TestRemoveProjectDirs(t *testing.T) {
	l := newTestLayout(t)
	_, _, err := l.SaveUpload("folder-9", "a.md", []byte("x"))
	require.NoError(t, err)
	_, err = l.WriteArtifact("folder-9", "ff_a.md", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, l.RemoveProjectDirs("folder-9"))
	_, err = os.Stat(l.UploadsDir("folder-9"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(l.ProcessedDir("folder-9"))
	assert.True(t, os.IsNotExist(err))
}

func TestStem(t *testing.T) {
	assert.Equal(t, "1a2b_file", Stem("1a2b_file.pdf"))
	assert.Equal(t, "noext", Stem("noext"))
}
