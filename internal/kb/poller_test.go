package kb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/store"
)

func seedParsingDoc(t *testing.T, st store.Store, ragID string) store.Document {
	t.Helper()
	seedProject(t, st)
	d := store.Document{
		ID:                "doc-1",
		ProjectID:         "proj-1",
		Name:              "report.pdf",
		StoredName:        "ab12_report.pdf",
		Kind:              store.KindPDF,
		Status:            store.StatusParsingKB,
		Progress:          store.ProgressParsingKB,
		ProcessedFilePath: "/tmp/x.md",
		RagDocumentID:     ragID,
		CreatedAt:         time.Now(),
	}
	require.NoError(t, st.CreateDocument(context.Background(), &d))
	ctx := context.Background()
	_, err := st.SetProjectDataset(ctx, "proj-1", "ds-1", "alice_acme_x")
	require.NoError(t, err)
	return d
}

func waitForStatus(t *testing.T, st store.Store, docID string, want store.Status) store.Document {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			d, _, _ := st.GetDocument(context.Background(), docID)
			t.Fatalf("document never reached %s (stuck at %s)", want, d.Status)
		case <-time.After(10 * time.Millisecond):
		}
		d, ok, err := st.GetDocument(context.Background(), docID)
		require.NoError(t, err)
		require.True(t, ok)
		if d.Status == want {
			return d
		}
	}
}

func TestPollerCompletesDocumentOnDone(t *testing.T) {
	defer goleak.VerifyNone(t)
	st := store.NewMemory()
	seedParsingDoc(t, st, "rag-1")
	remote := newFakeRemote()
	remote.listResults = []RemoteDocument{{ID: "rag-1", Progress: 1.0, Run: RunDone}}

	sup := NewSupervisor(st, remote, 20*time.Millisecond)
	defer sup.Close()
	sup.Launch("doc-1")

	d := waitForStatus(t, st, "doc-1", store.StatusCompleted)
	assert.Equal(t, 100, d.Progress)
	assert.Empty(t, d.ErrorMessage)
}

func TestPollerFlagsParseFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	st := store.NewMemory()
	seedParsingDoc(t, st, "rag-1")
	remote := newFakeRemote()
	remote.listResults = []RemoteDocument{{ID: "rag-1", Progress: 0.6, Run: RunFailed, ProgressMsg: "chunking crashed"}}

	sup := NewSupervisor(st, remote, 20*time.Millisecond)
	defer sup.Close()
	sup.Launch("doc-1")

	d := waitForStatus(t, st, "doc-1", store.StatusKBParseFailed)
	assert.Equal(t, "chunking crashed", d.ErrorMessage)
	// Progress stays at the PARSING_KB floor; failure never rewinds it.
	assert.Equal(t, store.ProgressParsingKB, d.Progress)
}

func TestPollerTreatsListErrorsAsTransient(t *testing.T) {
	defer goleak.VerifyNone(t)
	st := store.NewMemory()
	seedParsingDoc(t, st, "rag-1")
	remote := newFakeRemote()
	remote.listErr = errors.New("connection refused")

	sup := NewSupervisor(st, remote, 10*time.Millisecond)
	sup.Launch("doc-1")

	// Let several failing cycles pass, then heal the remote.
	time.Sleep(80 * time.Millisecond)
	d, _, _ := st.GetDocument(context.Background(), "doc-1")
	assert.Equal(t, store.StatusParsingKB, d.Status, "transient errors must not fail the document")

	remote.mu.Lock()
	remote.listErr = nil
	remote.listResults = []RemoteDocument{{ID: "rag-1", Progress: 1.0, Run: RunDone}}
	remote.mu.Unlock()

	waitForStatus(t, st, "doc-1", store.StatusCompleted)
	sup.Close()
}

func TestPollerFailsDocumentOnListingRejection(t *testing.T) {
	defer goleak.VerifyNone(t)
	st := store.NewMemory()
	seedParsingDoc(t, st, "rag-1")
	remote := newFakeRemote()
	// The KB answered and refused: the dataset is gone remotely, so the
	// parse can never complete.
	remote.listErr = errs.UpstreamRejected("dataset ds-1 does not exist")

	sup := NewSupervisor(st, remote, 10*time.Millisecond)
	defer sup.Close()
	sup.Launch("doc-1")

	d := waitForStatus(t, st, "doc-1", store.StatusKBParseFailed)
	assert.Contains(t, d.ErrorMessage, "dataset ds-1 does not exist")
}

func TestPollerExitsWhenDocumentLeavesParsing(t *testing.T) {
	defer goleak.VerifyNone(t)
	st := store.NewMemory()
	seedParsingDoc(t, st, "rag-1")
	remote := newFakeRemote()
	remote.listResults = []RemoteDocument{{ID: "rag-1", Progress: 0.2, Run: "RUNNING"}}

	sup := NewSupervisor(st, remote, 10*time.Millisecond)
	defer sup.Close()
	sup.Launch("doc-1")

	// A rebuild moves the row back to PROCESSING; the poller must stand down.
	_, err := st.UpdateDocument(context.Background(), "doc-1", store.DocumentPatch{
		Status:        store.StatusPtr(store.StatusProcessing),
		Progress:      store.IntPtr(0),
		ForceProgress: true,
	})
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		sup.mu.Lock()
		n := len(sup.active)
		sup.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("poller did not exit after the document left PARSING_KB")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestResumeLaunchesOnePollerPerParsingDocument(t *testing.T) {
	defer goleak.VerifyNone(t)
	st := store.NewMemory()
	seedParsingDoc(t, st, "rag-1")
	remote := newFakeRemote()
	remote.listResults = []RemoteDocument{{ID: "rag-1", Progress: 1.0, Run: RunDone}}

	sup := NewSupervisor(st, remote, 20*time.Millisecond)
	defer sup.Close()
	require.NoError(t, sup.Resume(context.Background()))
	// A second Resume (or a racing Launch) must not double-poll.
	require.NoError(t, sup.Resume(context.Background()))
	sup.Launch("doc-1")

	sup.mu.Lock()
	assert.LessOrEqual(t, len(sup.active), 1)
	sup.mu.Unlock()

	waitForStatus(t, st, "doc-1", store.StatusCompleted)
}

func TestCloseStopsPollers(t *testing.T) {
	defer goleak.VerifyNone(t)
	st := store.NewMemory()
	seedParsingDoc(t, st, "rag-1")
	remote := newFakeRemote()
	remote.listResults = []RemoteDocument{{ID: "rag-1", Progress: 0.1, Run: "RUNNING"}}

	sup := NewSupervisor(st, remote, 10*time.Millisecond)
	sup.Launch("doc-1")
	time.Sleep(30 * time.Millisecond)
	sup.Close()

	// State is left as-is for the next start to resume.
	d, _, _ := st.GetDocument(context.Background(), "doc-1")
	assert.Equal(t, store.StatusParsingKB, d.Status)
}
