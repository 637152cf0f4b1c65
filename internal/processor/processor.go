// Package processor owns the per-document state machine: ingest, the
// asynchronous processing run, retry, deletion and artifact preview. Every
// status transition is a conditional store write, so any number of workers
// and API callers can race on a document and exactly one advances it.
package processor

import (
	"context"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/local/docpipe/internal/convert"
	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/filekind"
	"github.com/local/docpipe/internal/metrics"
	"github.com/local/docpipe/internal/queue"
	"github.com/local/docpipe/internal/storage"
	"github.com/local/docpipe/internal/store"
)

// Converter turns a raw file into Markdown.
type Converter interface {
	ToMarkdown(ctx context.Context, in convert.Input, onProgress func(int)) (string, error)
}

// KBService is the knowledge-base surface the processor drives.
type KBService interface {
	EnsureDatasetForProject(ctx context.Context, projectID string) (string, error)
	UploadDocument(ctx context.Context, projectID, documentID string) error
	DeleteDocumentFromDataset(ctx context.Context, projectID, ragDocumentID string) error
	DeleteDataset(ctx context.Context, projectID string) error
}

// SourceFetcher resolves remote ingest sources (s3://, http://).
type SourceFetcher interface {
	Fetch(ctx context.Context, url string) (name string, data []byte, err error)
}

// Processor wires the document pipeline.
type Processor struct {
	store     store.Store
	layout    *storage.Layout
	queue     queue.Queue
	converter Converter
	kb        KBService
	fetcher   SourceFetcher // nil disables remote sources
	labels    map[string]string
}

// New builds a processor. fetcher may be nil.
func New(st store.Store, layout *storage.Layout, q queue.Queue, conv Converter, kbsvc KBService, fetcher SourceFetcher, labels map[string]string) *Processor {
	if labels == nil {
		labels = map[string]string{}
	}
	return &Processor{store: st, layout: layout, queue: q, converter: conv, kb: kbsvc, fetcher: fetcher, labels: labels}
}

// IngestInput describes one upload. Either Data or SourceURL must be set.
type IngestInput struct {
	ProjectID    string
	OriginalName string
	Data         []byte
	SourceURL    string
	Label        string
	UploadedBy   string
}

// Ingest validates and persists the upload, creates the document row in
// UPLOADING and enqueues the processing job. Nothing is written to disk when
// validation rejects the file.
func (p *Processor) Ingest(ctx context.Context, in IngestInput) (*store.Document, error) {
	project, ok, err := p.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, errs.Internal(err, "load project %s", in.ProjectID)
	}
	if !ok {
		return nil, errs.NotFound("project %s not found", in.ProjectID)
	}

	name, data := in.OriginalName, in.Data
	if len(data) == 0 && in.SourceURL != "" {
		if p.fetcher == nil {
			return nil, errs.Validation("remote sources are not configured")
		}
		fetchedName, fetched, ferr := p.fetcher.Fetch(ctx, in.SourceURL)
		if ferr != nil {
			return nil, errs.UpstreamUnavailable(ferr, "fetch source %s", in.SourceURL)
		}
		data = fetched
		if name == "" {
			name = fetchedName
		}
	}
	if len(data) == 0 {
		return nil, errs.Validation("empty upload")
	}

	kind, _, err := filekind.Resolve(name)
	if err != nil {
		return nil, err
	}
	if sniffed := filekind.Sniff(data, name); filekind.Mismatch(sniffed, kind) {
		log.Warn().Str("file", name).Str("sniffed", sniffed).Str("kind", string(kind)).
			Msg("content type does not match extension; trusting the extension")
	}

	displayName := p.labelPrefix(in.Label, name)
	storedName, _, err := p.layout.SaveUpload(project.FolderUUID, name, data)
	if err != nil {
		return nil, errs.Internal(err, "persist upload %s", name)
	}

	doc := &store.Document{
		ID:         uuid.NewString(),
		ProjectID:  in.ProjectID,
		Name:       displayName,
		StoredName: storedName,
		Kind:       kind,
		Label:      in.Label,
		SizeBytes:  int64(len(data)),
		UploadedBy: in.UploadedBy,
		Status:     store.StatusUploading,
		Progress:   store.ProgressUploading,
		CreatedAt:  time.Now(),
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		// Roll the file back so a failed row never leaks an orphan upload.
		_ = storage.Remove(p.layout.UploadPath(project.FolderUUID, storedName))
		return nil, errs.Internal(err, "create document row for %s", name)
	}

	if err := p.queue.Enqueue(ctx, queue.Job{DocumentID: doc.ID}); err != nil {
		log.Error().Err(err).Str("document_id", doc.ID).Msg("enqueue failed; document stays in UPLOADING")
	}

	metrics.IncIngested(string(kind))
	log.Info().Str("document_id", doc.ID).Str("project_id", in.ProjectID).
		Str("name", displayName).Str("kind", string(kind)).Int64("bytes", doc.SizeBytes).
		Msg("document ingested")
	return doc, nil
}

// labelPrefix prepends the localized label name. Idempotent: a name already
// carrying the prefix keeps it, so Retry and Rebuild never stack prefixes.
func (p *Processor) labelPrefix(label, name string) string {
	if label == "" {
		return name
	}
	labelName, ok := p.labels[label]
	if !ok || labelName == "" {
		labelName = label
	}
	prefix := labelName + "_"
	if strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}

// Process drives the machine for one document. The entry transition is a
// conditional write from {UPLOADING, FAILED, KB_PARSE_FAILED}; a concurrent
// caller losing it returns nil without side effects.
func (p *Processor) Process(ctx context.Context, documentID string) error {
	now := time.Now()
	won, err := p.store.UpdateDocumentIf(ctx, documentID,
		[]store.Status{store.StatusUploading, store.StatusFailed, store.StatusKBParseFailed},
		store.DocumentPatch{
			Status:              store.StatusPtr(store.StatusProcessing),
			Progress:            store.IntPtr(store.ProgressProcessing),
			ForceProgress:       true,
			ErrorMessage:        store.StrPtr(""),
			ProcessingStartedAt: store.TimePtr(now),
		})
	if err != nil {
		return errs.Internal(err, "enter processing for %s", documentID)
	}
	if !won {
		log.Debug().Str("document_id", documentID).Msg("document already being processed; no-op")
		return nil
	}
	return p.run(ctx, documentID)
}

// run is the machine body after the document sits at PROCESSING. Resume
// jobs (Retry, Rebuild) enter here directly.
func (p *Processor) run(ctx context.Context, documentID string) error {
	d, ok, err := p.store.GetDocument(ctx, documentID)
	if err != nil || !ok {
		return errs.NotFound("document %s not found", documentID)
	}
	project, ok, err := p.store.GetProject(ctx, d.ProjectID)
	if err != nil || !ok {
		p.fail(ctx, documentID, errs.NotFound("project %s is gone", d.ProjectID))
		return errs.NotFound("project %s not found", d.ProjectID)
	}

	rawPath := p.layout.UploadPath(project.FolderUUID, d.StoredName)
	// The stem titles the artifact, so it comes from the display name; the
	// hex-prefixed stored name only keys the artifact path.
	stem := storage.Stem(storage.SanitizeName(d.Name))
	if stem == "" {
		stem = storage.Stem(d.StoredName)
	}
	md, err := p.converter.ToMarkdown(ctx, convert.Input{
		Path:        rawPath,
		Kind:        d.Kind,
		Stem:        stem,
		DisplayName: d.Name,
	}, func(phase int) {
		// Conversion phase maps into the 10..50 progress band.
		v := store.ProgressProcessing + phase*(store.ProgressConverted-store.ProgressProcessing)/100
		_, _ = p.store.UpdateDocumentIf(ctx, documentID,
			[]store.Status{store.StatusProcessing},
			store.DocumentPatch{Progress: store.IntPtr(v)})
	})
	if err != nil {
		p.fail(ctx, documentID, err)
		return err
	}

	artifactPath, err := p.layout.WriteArtifact(project.FolderUUID, d.StoredName, []byte(md))
	if err != nil {
		p.fail(ctx, documentID, errs.Internal(err, "write artifact"))
		return err
	}
	won, err := p.store.UpdateDocumentIf(ctx, documentID,
		[]store.Status{store.StatusProcessing},
		store.DocumentPatch{
			Progress:          store.IntPtr(store.ProgressConverted),
			ProcessedFilePath: store.StrPtr(artifactPath),
			ProcessedAt:       store.TimePtr(time.Now()),
		})
	if err != nil {
		return errs.Internal(err, "record artifact for %s", documentID)
	}
	if !won {
		// Deleted or rebuilt mid-conversion; drop the orphan artifact.
		_ = storage.Remove(artifactPath)
		log.Debug().Str("document_id", documentID).Msg("document left PROCESSING mid-conversion; abandoning")
		return nil
	}

	if _, err := p.kb.EnsureDatasetForProject(ctx, d.ProjectID); err != nil {
		p.fail(ctx, documentID, err)
		return err
	}
	if err := p.kb.UploadDocument(ctx, d.ProjectID, documentID); err != nil {
		// The KB service records the failure when it owned the transition;
		// this covers failures before the machine moved.
		p.fail(ctx, documentID, err)
		return err
	}
	return nil
}

// fail flips the document to FAILED from any pre-KB-parse state. Losing the
// write means another worker already terminated the machine.
func (p *Processor) fail(ctx context.Context, documentID string, cause error) {
	won, err := p.store.UpdateDocumentIf(ctx, documentID,
		[]store.Status{store.StatusProcessing, store.StatusUploadingToKB},
		store.DocumentPatch{
			Status:       store.StatusPtr(store.StatusFailed),
			ErrorMessage: store.StrPtr(errs.Message(cause)),
		})
	if err != nil {
		log.Error().Err(err).Str("document_id", documentID).Msg("could not record failure")
		return
	}
	if won {
		metrics.IncProcessed("failed")
		log.Warn().Str("document_id", documentID).Str("kind", string(errs.KindOf(cause))).
			Str("reason", errs.Message(cause)).Msg("document failed")
	}
}

// Retry re-enters the machine from a terminal failure: fields reset, stale
// artifact removed, resume job enqueued.
func (p *Processor) Retry(ctx context.Context, documentID string) error {
	d, ok, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return errs.Internal(err, "load document %s", documentID)
	}
	if !ok {
		return errs.NotFound("document %s not found", documentID)
	}
	if !d.Status.Retryable() {
		return errs.Validation("document %s is %s; only failed documents can be retried", documentID, d.Status)
	}

	now := time.Now()
	won, err := p.store.UpdateDocumentIf(ctx, documentID,
		[]store.Status{store.StatusFailed, store.StatusKBParseFailed},
		store.DocumentPatch{
			Status:              store.StatusPtr(store.StatusProcessing),
			Progress:            store.IntPtr(0),
			ForceProgress:       true,
			ErrorMessage:        store.StrPtr(""),
			ProcessedFilePath:   store.StrPtr(""),
			RagDocumentID:       store.StrPtr(""),
			ProcessingStartedAt: store.TimePtr(now),
			ProcessedAt:         store.TimePtr(time.Time{}),
		})
	if err != nil {
		return errs.Internal(err, "reset document %s", documentID)
	}
	if !won {
		return errs.Validation("document %s changed state; retry aborted", documentID)
	}

	if d.ProcessedFilePath != "" {
		if rerr := storage.Remove(d.ProcessedFilePath); rerr != nil {
			log.Warn().Err(rerr).Str("path", d.ProcessedFilePath).Msg("stale artifact not removed")
		}
	}
	if err := p.queue.Enqueue(ctx, queue.Job{DocumentID: documentID, Resume: true}); err != nil {
		return errs.Internal(err, "enqueue retry for %s", documentID)
	}
	log.Info().Str("document_id", documentID).Msg("document retry enqueued")
	return nil
}

// Delete removes the KB registration (best effort), the artifact, the raw
// file and the row, in that order. The row always goes; earlier failures
// become warnings.
func (p *Processor) Delete(ctx context.Context, documentID string) error {
	d, ok, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return errs.Internal(err, "load document %s", documentID)
	}
	if !ok {
		return errs.NotFound("document %s not found", documentID)
	}

	if d.RagDocumentID != "" {
		if kerr := p.kb.DeleteDocumentFromDataset(ctx, d.ProjectID, d.RagDocumentID); kerr != nil {
			log.Warn().Err(kerr).Str("document_id", documentID).Msg("KB de-registration failed; continuing delete")
		}
	}
	if d.ProcessedFilePath != "" {
		if rerr := storage.Remove(d.ProcessedFilePath); rerr != nil {
			log.Warn().Err(rerr).Str("path", d.ProcessedFilePath).Msg("artifact not removed; continuing delete")
		}
	}
	if project, ok, _ := p.store.GetProject(ctx, d.ProjectID); ok {
		raw := p.layout.UploadPath(project.FolderUUID, d.StoredName)
		if rerr := storage.Remove(raw); rerr != nil {
			log.Warn().Err(rerr).Str("path", raw).Msg("raw file not removed; continuing delete")
		}
	}
	if err := p.store.DeleteDocument(ctx, documentID); err != nil {
		return errs.Internal(err, "delete document row %s", documentID)
	}
	log.Info().Str("document_id", documentID).Msg("document deleted")
	return nil
}

// DeleteProject cascade-deletes the project: dataset, documents, trees and
// report artifact. Warnings aggregate; the project row is removed
// regardless and the warnings go back to the caller.
func (p *Processor) DeleteProject(ctx context.Context, projectID string) (warnings []string, err error) {
	project, ok, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, errs.Internal(err, "load project %s", projectID)
	}
	if !ok {
		return nil, errs.NotFound("project %s not found", projectID)
	}

	if derr := p.kb.DeleteDataset(ctx, projectID); derr != nil {
		warnings = append(warnings, "knowledge base dataset not deleted: "+errs.Message(derr))
	}

	docs, lerr := p.store.ListDocumentsByProject(ctx, projectID)
	if lerr != nil {
		warnings = append(warnings, "document listing failed: "+lerr.Error())
	}
	for _, d := range docs {
		if derr := p.store.DeleteDocument(ctx, d.ID); derr != nil {
			warnings = append(warnings, "document row "+d.ID+" not deleted: "+derr.Error())
		}
	}

	if rerr := p.layout.RemoveProjectDirs(project.FolderUUID); rerr != nil {
		warnings = append(warnings, "project trees not fully removed: "+rerr.Error())
	}
	if project.ReportPath != "" {
		if rerr := storage.Remove(project.ReportPath); rerr != nil {
			warnings = append(warnings, "report artifact not removed: "+rerr.Error())
		}
	}

	if err := p.store.DeleteProject(ctx, projectID); err != nil {
		return warnings, errs.Internal(err, "delete project row %s", projectID)
	}
	for _, w := range warnings {
		log.Warn().Str("project_id", projectID).Msg("project delete: " + w)
	}
	log.Info().Str("project_id", projectID).Int("documents", len(docs)).Msg("project deleted")
	return warnings, nil
}

// Preview reads the artifact for display. Decoding tries UTF-8, then GBK,
// then Latin-1.
func (p *Processor) Preview(ctx context.Context, documentID string) (markdown, displayName string, err error) {
	d, ok, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", "", errs.Internal(err, "load document %s", documentID)
	}
	if !ok {
		return "", "", errs.NotFound("document %s not found", documentID)
	}
	if d.ProcessedFilePath == "" {
		return "", "", errs.NotFound("document %s has no artifact yet", documentID)
	}
	data, err := os.ReadFile(d.ProcessedFilePath)
	if err != nil {
		return "", "", errs.NotFound("artifact of document %s is missing", documentID)
	}
	return decodeArtifact(data), d.Name, nil
}

func decodeArtifact(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	if decoded, derr := simplifiedchinese.GBK.NewDecoder().Bytes(data); derr == nil && !strings.ContainsRune(string(decoded), utf8.RuneError) {
		return string(decoded)
	}
	// Latin-1 maps every byte to a rune; this never fails.
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}
