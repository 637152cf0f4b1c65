package processor

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/docpipe/internal/convert"
	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/filekind"
	"github.com/local/docpipe/internal/queue"
	"github.com/local/docpipe/internal/storage"
	"github.com/local/docpipe/internal/store"
)

// fakeConverter returns canned Markdown and records what it was handed.
type fakeConverter struct {
	md    string
	err   error
	calls atomic.Int64

	mu        sync.Mutex
	lastInput convert.Input
}

func (f *fakeConverter) ToMarkdown(_ context.Context, in convert.Input, onProgress func(int)) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastInput = in
	f.mu.Unlock()
	if onProgress != nil {
		onProgress(20)
		onProgress(80)
	}
	if f.err != nil {
		return "", f.err
	}
	if f.md != "" {
		return f.md, nil
	}
	data, err := os.ReadFile(in.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// fakeKB mimics the real service's store transitions without a remote.
type fakeKB struct {
	st         store.Store
	ensureErr  error
	uploadErr  error
	mu         sync.Mutex
	deregister []string
	datasets   []string
}

func (f *fakeKB) EnsureDatasetForProject(ctx context.Context, projectID string) (string, error) {
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	p, ok, err := f.st.GetProject(ctx, projectID)
	if err != nil || !ok {
		return "", errs.NotFound("project %s", projectID)
	}
	if p.DatasetID != "" {
		return p.DatasetID, nil
	}
	id := "ds-" + projectID
	_, err = f.st.SetProjectDataset(ctx, projectID, id, "owner_"+p.Name)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.datasets = append(f.datasets, id)
	f.mu.Unlock()
	return id, nil
}

func (f *fakeKB) UploadDocument(ctx context.Context, projectID, documentID string) error {
	won, err := f.st.UpdateDocumentIf(ctx, documentID,
		[]store.Status{store.StatusProcessing},
		store.DocumentPatch{
			Status:   store.StatusPtr(store.StatusUploadingToKB),
			Progress: store.IntPtr(store.ProgressUploadingToKB),
		})
	if err != nil || !won {
		return err
	}
	if f.uploadErr != nil {
		_, _ = f.st.UpdateDocumentIf(ctx, documentID,
			[]store.Status{store.StatusUploadingToKB},
			store.DocumentPatch{
				Status:       store.StatusPtr(store.StatusFailed),
				ErrorMessage: store.StrPtr(errs.Message(f.uploadErr)),
			})
		return f.uploadErr
	}
	_, err = f.st.UpdateDocumentIf(ctx, documentID,
		[]store.Status{store.StatusUploadingToKB},
		store.DocumentPatch{
			Status:        store.StatusPtr(store.StatusParsingKB),
			Progress:      store.IntPtr(store.ProgressParsingKB),
			RagDocumentID: store.StrPtr("rag-" + documentID),
		})
	return err
}

func (f *fakeKB) DeleteDocumentFromDataset(_ context.Context, _ string, ragDocumentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregister = append(f.deregister, ragDocumentID)
	return nil
}

func (f *fakeKB) DeleteDataset(_ context.Context, _ string) error { return nil }

type fixture struct {
	st     *store.Memory
	q      *queue.MemoryQueue
	layout *storage.Layout
	conv   *fakeConverter
	kb     *fakeKB
	proc   *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	layout, err := storage.NewLayout(t.TempDir())
	require.NoError(t, err)
	q := queue.NewMemoryQueue(64)
	conv := &fakeConverter{}
	kb := &fakeKB{st: st}
	proc := New(st, layout, q, conv, kb, nil, map[string]string{"contract": "Contract"})

	p := store.Project{ID: "proj-1", Name: "acme", Owner: "alice", FolderUUID: "folder-1", CreatedAt: time.Now()}
	require.NoError(t, st.CreateProject(context.Background(), &p))
	return &fixture{st: st, q: q, layout: layout, conv: conv, kb: kb, proc: proc}
}

func (f *fixture) ingest(t *testing.T, name string, data []byte) *store.Document {
	t.Helper()
	doc, err := f.proc.Ingest(context.Background(), IngestInput{
		ProjectID:    "proj-1",
		OriginalName: name,
		Data:         data,
		UploadedBy:   "alice",
	})
	require.NoError(t, err)
	return doc
}

func TestIngestRejectsWordWithExactMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.proc.Ingest(context.Background(), IngestInput{
		ProjectID:    "proj-1",
		OriginalName: "quarter.docx",
		Data:         []byte("PK\x03\x04"),
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Equal(t, filekind.WordRejectionMessage, errs.Message(err))

	// No row, no file.
	docs, _ := f.st.ListDocumentsByProject(context.Background(), "proj-1")
	assert.Empty(t, docs)
	entries, _ := os.ReadDir(f.layout.UploadsDir("folder-1"))
	assert.Empty(t, entries)
}

func TestIngestUnknownProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.proc.Ingest(context.Background(), IngestInput{
		ProjectID:    "ghost",
		OriginalName: "a.pdf",
		Data:         []byte("x"),
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestIngestCreatesRowAndEnqueues(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "notes.md", []byte("# Notes"))

	assert.Equal(t, store.StatusUploading, doc.Status)
	assert.Equal(t, store.KindMarkdown, doc.Kind)
	assert.EqualValues(t, 7, doc.SizeBytes)
	assert.True(t, strings.HasSuffix(doc.StoredName, "_notes.md"))

	_, job, err := f.q.Dequeue(context.Background(), "t", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, doc.ID, job.DocumentID)
	assert.False(t, job.Resume)
}

func TestIngestLabelPrefixIsIdempotent(t *testing.T) {
	f := newFixture(t)
	doc, err := f.proc.Ingest(context.Background(), IngestInput{
		ProjectID:    "proj-1",
		OriginalName: "terms.pdf",
		Data:         []byte("%PDF"),
		Label:        "contract",
	})
	require.NoError(t, err)
	assert.Equal(t, "Contract_terms.pdf", doc.Name)

	// A name already carrying the prefix keeps it single.
	doc2, err := f.proc.Ingest(context.Background(), IngestInput{
		ProjectID:    "proj-1",
		OriginalName: "Contract_terms.pdf",
		Data:         []byte("%PDF"),
		Label:        "contract",
	})
	require.NoError(t, err)
	assert.Equal(t, "Contract_terms.pdf", doc2.Name)

	// Unknown label keys fall back to the raw key.
	doc3, err := f.proc.Ingest(context.Background(), IngestInput{
		ProjectID:    "proj-1",
		OriginalName: "x.pdf",
		Data:         []byte("%PDF"),
		Label:        "misc",
	})
	require.NoError(t, err)
	assert.Equal(t, "misc_x.pdf", doc3.Name)
}

func TestIngestDuplicateNamesGetDistinctPaths(t *testing.T) {
	f := newFixture(t)
	d1 := f.ingest(t, "notes.md", []byte("# Same"))
	d2 := f.ingest(t, "notes.md", []byte("# Same"))
	assert.NotEqual(t, d1.StoredName, d2.StoredName)
	assert.NotEqual(t,
		f.layout.ArtifactPath("folder-1", d1.StoredName),
		f.layout.ArtifactPath("folder-1", d2.StoredName))
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "notes.md", []byte("# Notes\n\nbody"))

	require.NoError(t, f.proc.Process(context.Background(), doc.ID))

	got, ok, err := f.st.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StatusParsingKB, got.Status)
	assert.Equal(t, store.ProgressParsingKB, got.Progress)
	assert.Equal(t, "rag-"+doc.ID, got.RagDocumentID)
	assert.NotNil(t, got.ProcessingStartedAt)
	assert.NotNil(t, got.ProcessedAt)
	assert.Empty(t, got.ErrorMessage)

	// The markdown artifact is a byte-identical copy of the source.
	content, err := os.ReadFile(got.ProcessedFilePath)
	require.NoError(t, err)
	assert.Equal(t, "# Notes\n\nbody", string(content))

	// Project got its dataset lazily.
	p, _, _ := f.st.GetProject(context.Background(), "proj-1")
	assert.Equal(t, "ds-proj-1", p.DatasetID)
}

func TestProcessHandsDisplayStemToConversion(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "scan.pdf", []byte("%PDF"))

	require.NoError(t, f.proc.Process(context.Background(), doc.ID))

	f.conv.mu.Lock()
	in := f.conv.lastInput
	f.conv.mu.Unlock()
	// "scan", never the hex-prefixed stored name: the stem becomes the
	// artifact's leading "# <stem>" header for scanned PDFs.
	assert.Equal(t, "scan", in.Stem)
	assert.Equal(t, store.KindPDF, in.Kind)
	assert.Equal(t, f.layout.UploadPath("folder-1", doc.StoredName), in.Path)

	// Labeled uploads title with the label-prefixed stem, matching the name
	// shown in the knowledge base.
	labeled, err := f.proc.Ingest(context.Background(), IngestInput{
		ProjectID:    "proj-1",
		OriginalName: "scan.pdf",
		Data:         []byte("%PDF"),
		Label:        "contract",
	})
	require.NoError(t, err)
	require.NoError(t, f.proc.Process(context.Background(), labeled.ID))
	f.conv.mu.Lock()
	in = f.conv.lastInput
	f.conv.mu.Unlock()
	assert.Equal(t, "Contract_scan", in.Stem)
}

func TestProcessConcurrentCallersRunOnce(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "notes.md", []byte("# N"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.proc.Process(context.Background(), doc.ID))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.conv.calls.Load(), "only the entry-transition winner may convert")
}

func TestProcessConversionFailure(t *testing.T) {
	f := newFixture(t)
	f.conv.err = errs.Conversion("glyph table corrupt")
	doc := f.ingest(t, "bad.pdf", []byte("%PDF"))

	require.Error(t, f.proc.Process(context.Background(), doc.ID))

	got, _, _ := f.st.GetDocument(context.Background(), doc.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "glyph table corrupt", got.ErrorMessage)
	assert.Empty(t, got.ProcessedFilePath)
}

func TestProcessKBEnsureFailure(t *testing.T) {
	f := newFixture(t)
	f.kb.ensureErr = errs.UpstreamUnavailable(nil, "kb down")
	doc := f.ingest(t, "notes.md", []byte("# N"))

	require.Error(t, f.proc.Process(context.Background(), doc.ID))
	got, _, _ := f.st.GetDocument(context.Background(), doc.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	// The artifact survives a KB failure; only Retry removes it.
	assert.FileExists(t, got.ProcessedFilePath)
}

func TestRetryResetsAndReruns(t *testing.T) {
	f := newFixture(t)
	f.conv.err = errs.Conversion("first pass fails")
	doc := f.ingest(t, "notes.md", []byte("# N"))
	require.Error(t, f.proc.Process(context.Background(), doc.ID))

	// drain the ingest job
	_, _, _ = f.q.Dequeue(context.Background(), "t", 50*time.Millisecond)

	f.conv.err = nil
	require.NoError(t, f.proc.Retry(context.Background(), doc.ID))

	got, _, _ := f.st.GetDocument(context.Background(), doc.ID)
	assert.Equal(t, store.StatusProcessing, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.RagDocumentID)

	_, job, err := f.q.Dequeue(context.Background(), "t", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, job.Resume)

	// The resume body drives the machine to the same place a fresh run does.
	require.NoError(t, f.proc.run(context.Background(), doc.ID))
	got, _, _ = f.st.GetDocument(context.Background(), doc.ID)
	assert.Equal(t, store.StatusParsingKB, got.Status)
	assert.FileExists(t, got.ProcessedFilePath)
}

func TestRetryRemovesStaleArtifact(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "notes.md", []byte("# N"))
	require.NoError(t, f.proc.Process(context.Background(), doc.ID))

	got, _, _ := f.st.GetDocument(context.Background(), doc.ID)
	artifact := got.ProcessedFilePath
	require.FileExists(t, artifact)

	// Force a terminal failure so Retry is legal.
	_, err := f.st.UpdateDocument(context.Background(), doc.ID, store.DocumentPatch{
		Status:       store.StatusPtr(store.StatusKBParseFailed),
		ErrorMessage: store.StrPtr("parse failed"),
	})
	require.NoError(t, err)

	require.NoError(t, f.proc.Retry(context.Background(), doc.ID))
	_, statErr := os.Stat(artifact)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRetryOnlyFromTerminalFailures(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "notes.md", []byte("# N"))
	err := f.proc.Retry(context.Background(), doc.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestDeleteCascade(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "notes.md", []byte("# N"))
	require.NoError(t, f.proc.Process(context.Background(), doc.ID))

	got, _, _ := f.st.GetDocument(context.Background(), doc.ID)
	rawPath := f.layout.UploadPath("folder-1", got.StoredName)
	require.FileExists(t, rawPath)
	require.FileExists(t, got.ProcessedFilePath)

	require.NoError(t, f.proc.Delete(context.Background(), doc.ID))

	assert.Equal(t, []string{"rag-" + doc.ID}, f.kb.deregister)
	assert.NoFileExists(t, got.ProcessedFilePath)
	assert.NoFileExists(t, rawPath)
	_, ok, _ := f.st.GetDocument(context.Background(), doc.ID)
	assert.False(t, ok)
}

func TestDeleteProjectCascade(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "notes.md", []byte("# N"))
	require.NoError(t, f.proc.Process(context.Background(), doc.ID))

	warnings, err := f.proc.DeleteProject(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Empty(t, warnings)

	_, ok, _ := f.st.GetProject(context.Background(), "proj-1")
	assert.False(t, ok)
	_, ok, _ = f.st.GetDocument(context.Background(), doc.ID)
	assert.False(t, ok)
	assert.NoDirExists(t, f.layout.UploadsDir("folder-1"))
	assert.NoDirExists(t, f.layout.ProcessedDir("folder-1"))
}

func TestPreviewEncodingFallbacks(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "notes.md", []byte("# N"))
	require.NoError(t, f.proc.Process(context.Background(), doc.ID))
	got, _, _ := f.st.GetDocument(context.Background(), doc.ID)

	// UTF-8 passes through.
	md, name, err := f.proc.Preview(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "# N", md)
	assert.Equal(t, "notes.md", name)

	// GBK bytes decode through the legacy fallback.
	gbk := []byte{0xd6, 0xd0, 0xce, 0xc4} // "中文" in GBK
	require.NoError(t, os.WriteFile(got.ProcessedFilePath, gbk, 0o644))
	md, _, err = f.proc.Preview(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "中文", md)

	// Arbitrary bytes degrade to Latin-1 without error.
	junk := []byte{0xff, 0x41, 0xfe}
	require.NoError(t, os.WriteFile(got.ProcessedFilePath, junk, 0o644))
	md, _, err = f.proc.Preview(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "ÿAþ", md)
}

func TestPreviewWithoutArtifact(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "notes.md", []byte("# N"))
	_, _, err := f.proc.Preview(context.Background(), doc.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestProgressNeverDecreasesWithinRun(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "notes.md", []byte("# N"))

	var seen []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			d, ok, _ := f.st.GetDocument(context.Background(), doc.ID)
			if !ok {
				return
			}
			seen = append(seen, d.Progress)
			if d.Status == store.StatusParsingKB {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	require.NoError(t, f.proc.Process(context.Background(), doc.ID))
	<-done

	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
}
