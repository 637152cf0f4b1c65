package kb

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/queue"
	"github.com/local/docpipe/internal/storage"
	"github.com/local/docpipe/internal/store"
)

// Remote is the RAG transport used by the service; *Client implements it.
type Remote interface {
	CreateDataset(ctx context.Context, name, description string) (string, error)
	DeleteDatasets(ctx context.Context, ids []string) error
	UploadDocument(ctx context.Context, datasetID, filename string, content []byte) (string, error)
	DeleteDocuments(ctx context.Context, datasetID string, ids []string) error
	TriggerParse(ctx context.Context, datasetID string, docIDs []string) error
	ListDocuments(ctx context.Context, datasetID string) ([]RemoteDocument, error)
}

// Service owns the per-project dataset lifecycle and drives documents
// through the KB upload and parse phases.
type Service struct {
	store  store.Store
	remote Remote
	queue  queue.Queue
	poller *Supervisor
}

// NewService wires the service; the poller supervisor is attached with
// SetPoller after construction because the two reference each other.
func NewService(st store.Store, remote Remote, q queue.Queue) *Service {
	return &Service{store: st, remote: remote, queue: q}
}

// SetPoller attaches the parse poller supervisor.
func (s *Service) SetPoller(p *Supervisor) { s.poller = p }

// EnsureDatasetForProject returns the project's dataset id, creating the
// remote dataset on first use. Concurrent callers converge on one id: the
// bind is a conditional store write, and the loser deletes its own remote
// dataset.
func (s *Service) EnsureDatasetForProject(ctx context.Context, projectID string) (string, error) {
	p, ok, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return "", errs.Internal(err, "load project %s", projectID)
	}
	if !ok {
		return "", errs.NotFound("project %s not found", projectID)
	}
	if p.DatasetID != "" {
		return p.DatasetID, nil
	}

	name := fmt.Sprintf("%s_%s_%s", p.Owner, p.Name, uuid.NewString())
	datasetID, err := s.remote.CreateDataset(ctx, name, "Documents of project "+p.Name)
	if err != nil {
		return "", err
	}

	bound, err := s.store.SetProjectDataset(ctx, projectID, datasetID, name)
	if err != nil {
		return "", errs.Internal(err, "bind dataset to project %s", projectID)
	}
	if !bound {
		// Lost the race; adopt the winner's dataset and drop ours.
		if derr := s.remote.DeleteDatasets(ctx, []string{datasetID}); derr != nil {
			log.Warn().Err(derr).Str("dataset_id", datasetID).Msg("could not delete redundant dataset")
		}
		p, ok, err = s.store.GetProject(ctx, projectID)
		if err != nil || !ok || p.DatasetID == "" {
			return "", errs.Internal(err, "project %s lost its dataset binding mid-race", projectID)
		}
		return p.DatasetID, nil
	}

	log.Info().Str("project_id", projectID).Str("dataset_id", datasetID).Str("name", name).Msg("created dataset")
	return datasetID, nil
}

// UploadDocument pushes the document's artifact into the project dataset,
// triggers the remote parse and launches the completion poller. The two
// status transitions are conditional writes; losing either means another
// worker owns the document and this call backs out silently.
func (s *Service) UploadDocument(ctx context.Context, projectID, documentID string) error {
	p, ok, err := s.store.GetProject(ctx, projectID)
	if err != nil || !ok {
		return errs.NotFound("project %s not found", projectID)
	}
	if p.DatasetID == "" {
		return errs.Validation("project %s has no dataset", projectID)
	}
	d, ok, err := s.store.GetDocument(ctx, documentID)
	if err != nil || !ok {
		return errs.NotFound("document %s not found", documentID)
	}
	if d.ProcessedFilePath == "" {
		return errs.Validation("document %s has no artifact", documentID)
	}
	content, err := os.ReadFile(d.ProcessedFilePath)
	if err != nil {
		return errs.Internal(err, "read artifact for %s", documentID)
	}

	won, err := s.store.UpdateDocumentIf(ctx, documentID,
		[]store.Status{store.StatusProcessing},
		store.DocumentPatch{
			Status:   store.StatusPtr(store.StatusUploadingToKB),
			Progress: store.IntPtr(store.ProgressUploadingToKB),
		})
	if err != nil {
		return errs.Internal(err, "advance document %s to KB upload", documentID)
	}
	if !won {
		log.Debug().Str("document_id", documentID).Msg("another worker owns the document; skipping KB upload")
		return nil
	}

	// The KB shows this name to users, so it carries the label prefix.
	filename := uploadName(d)
	ragID, err := s.remote.UploadDocument(ctx, p.DatasetID, filename, content)
	if err != nil {
		s.failUpload(ctx, documentID, err)
		return err
	}
	if err := s.remote.TriggerParse(ctx, p.DatasetID, []string{ragID}); err != nil {
		s.failUpload(ctx, documentID, err)
		return err
	}

	won, err = s.store.UpdateDocumentIf(ctx, documentID,
		[]store.Status{store.StatusUploadingToKB},
		store.DocumentPatch{
			Status:        store.StatusPtr(store.StatusParsingKB),
			Progress:      store.IntPtr(store.ProgressParsingKB),
			RagDocumentID: store.StrPtr(ragID),
		})
	if err != nil {
		return errs.Internal(err, "advance document %s to parsing", documentID)
	}
	if !won {
		return nil
	}

	log.Info().Str("document_id", documentID).Str("rag_document_id", ragID).
		Str("dataset_id", p.DatasetID).Msg("uploaded document to knowledge base")
	if s.poller != nil {
		s.poller.Launch(documentID)
	}
	return nil
}

func (s *Service) failUpload(ctx context.Context, documentID string, cause error) {
	_, err := s.store.UpdateDocumentIf(ctx, documentID,
		[]store.Status{store.StatusUploadingToKB},
		store.DocumentPatch{
			Status:       store.StatusPtr(store.StatusFailed),
			ErrorMessage: store.StrPtr(errs.Message(cause)),
		})
	if err != nil {
		log.Error().Err(err).Str("document_id", documentID).Msg("could not record KB upload failure")
	}
}

// uploadName is the label-prefixed stem with a .md extension. The display
// name already carries the prefix, so the stem is derived from it.
func uploadName(d store.Document) string {
	stem := storage.Stem(storage.SanitizeName(d.Name))
	if stem == "" {
		stem = storage.Stem(d.StoredName)
	}
	return stem + ".md"
}

// DeleteDocumentFromDataset removes the remote registration. Callers decide
// whether a failure matters; document deletion treats it as best-effort.
func (s *Service) DeleteDocumentFromDataset(ctx context.Context, projectID, ragDocumentID string) error {
	if ragDocumentID == "" {
		return nil
	}
	p, ok, err := s.store.GetProject(ctx, projectID)
	if err != nil || !ok || p.DatasetID == "" {
		return nil
	}
	return s.remote.DeleteDocuments(ctx, p.DatasetID, []string{ragDocumentID})
}

// DeleteDataset removes the project's remote dataset and clears the local
// binding. Upstream failure propagates so project deletion can surface the
// warning; the binding is only cleared after a successful remote delete.
func (s *Service) DeleteDataset(ctx context.Context, projectID string) error {
	p, ok, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return errs.Internal(err, "load project %s", projectID)
	}
	if !ok || p.DatasetID == "" {
		return nil
	}
	if err := s.remote.DeleteDatasets(ctx, []string{p.DatasetID}); err != nil {
		return err
	}
	if err := s.store.ClearProjectDataset(ctx, projectID); err != nil {
		return errs.Internal(err, "clear dataset binding of project %s", projectID)
	}
	log.Info().Str("project_id", projectID).Str("dataset_id", p.DatasetID).Msg("deleted dataset")
	return nil
}

// RebuildForProject tears the dataset down and reprocesses every document:
// delete remote dataset (log and continue on failure), clear the binding,
// reset each document to PROCESSING with its artifact removed, create a
// fresh dataset, then enqueue a resume job per document.
func (s *Service) RebuildForProject(ctx context.Context, projectID string) error {
	p, ok, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return errs.Internal(err, "load project %s", projectID)
	}
	if !ok {
		return errs.NotFound("project %s not found", projectID)
	}

	if p.DatasetID != "" {
		if err := s.remote.DeleteDatasets(ctx, []string{p.DatasetID}); err != nil {
			log.Warn().Err(err).Str("dataset_id", p.DatasetID).Msg("rebuild: remote dataset delete failed; continuing")
		}
		if err := s.store.ClearProjectDataset(ctx, projectID); err != nil {
			return errs.Internal(err, "clear dataset binding of project %s", projectID)
		}
	}

	docs, err := s.store.ListDocumentsByProject(ctx, projectID)
	if err != nil {
		return errs.Internal(err, "list documents of project %s", projectID)
	}

	now := time.Now()
	for _, d := range docs {
		if d.ProcessedFilePath != "" {
			if rerr := storage.Remove(d.ProcessedFilePath); rerr != nil {
				log.Warn().Err(rerr).Str("path", d.ProcessedFilePath).Msg("rebuild: stale artifact not removed")
			}
		}
		_, uerr := s.store.UpdateDocument(ctx, d.ID, store.DocumentPatch{
			Status:              store.StatusPtr(store.StatusProcessing),
			Progress:            store.IntPtr(0),
			ForceProgress:       true,
			ErrorMessage:        store.StrPtr(""),
			ProcessedFilePath:   store.StrPtr(""),
			RagDocumentID:       store.StrPtr(""),
			ProcessingStartedAt: store.TimePtr(now),
			ProcessedAt:         store.TimePtr(time.Time{}),
		})
		if uerr != nil {
			return errs.Internal(uerr, "reset document %s", d.ID)
		}
	}

	if _, err := s.EnsureDatasetForProject(ctx, projectID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, d := range docs {
		g.Go(func() error {
			return s.queue.Enqueue(gctx, queue.Job{DocumentID: d.ID, Resume: true})
		})
	}
	if err := g.Wait(); err != nil {
		return errs.Internal(err, "enqueue rebuild jobs for project %s", projectID)
	}

	log.Info().Str("project_id", projectID).Int("documents", len(docs)).Msg("rebuild started")
	return nil
}
