package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/kb"
	"github.com/local/docpipe/internal/metrics"
	"github.com/local/docpipe/internal/storage"
	"github.com/local/docpipe/internal/store"
)

// Workflow runs the remote report composition.
type Workflow interface {
	Run(ctx context.Context, company, knowledgeName string) (text, runID string, err error)
}

// DatasetLister is the KB read surface the gate needs.
type DatasetLister interface {
	ListDocuments(ctx context.Context, datasetID string) ([]kb.RemoteDocument, error)
}

// Service dispatches report generation.
type Service struct {
	store    store.Store
	remote   DatasetLister
	workflow Workflow
	layout   *storage.Layout
}

// NewService wires the report dispatcher.
func NewService(st store.Store, remote DatasetLister, wf Workflow, layout *storage.Layout) *Service {
	return &Service{store: st, remote: remote, workflow: wf, layout: layout}
}

// Result is a generated report.
type Result struct {
	Markdown      string
	Path          string
	WorkflowRunID string
}

// Generate gates on every dataset document being fully parsed, runs the
// workflow and persists the Markdown under output/. The gate reads remote
// state only; it never advances any document.
func (s *Service) Generate(ctx context.Context, projectID, company, knowledgeName string) (*Result, error) {
	p, ok, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, errs.Internal(err, "load project %s", projectID)
	}
	if !ok {
		return nil, errs.NotFound("project %s not found", projectID)
	}
	if p.DatasetID == "" {
		return nil, errs.NotReady("project %s has no knowledge base yet", projectID)
	}

	docs, err := s.remote.ListDocuments(ctx, p.DatasetID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, errs.NotReady("knowledge base of project %s is empty", projectID)
	}
	var lagging []string
	for _, d := range docs {
		if d.Progress < 1.0 {
			lagging = append(lagging, fmt.Sprintf("%s (%.0f%%)", d.Name, d.Progress*100))
		}
	}
	if len(lagging) > 0 {
		return nil, errs.NotReady("documents still parsing: %s", strings.Join(lagging, ", "))
	}

	if knowledgeName == "" {
		knowledgeName = p.KnowledgeBaseName
	}

	start := time.Now()
	if err := s.store.SetProjectReport(ctx, projectID, p.ReportPath, "running", nil); err != nil {
		return nil, errs.Internal(err, "mark report running for %s", projectID)
	}

	text, runID, err := s.workflow.Run(ctx, company, knowledgeName)
	if err != nil {
		now := time.Now()
		_ = s.store.SetProjectReport(ctx, projectID, p.ReportPath, "failed", &now)
		metrics.ObserveReport("failed", time.Since(start))
		return nil, err
	}

	path, err := s.layout.SaveReport(company, []byte(text), time.Now())
	if err != nil {
		now := time.Now()
		_ = s.store.SetProjectReport(ctx, projectID, "", "failed", &now)
		metrics.ObserveReport("failed", time.Since(start))
		return nil, errs.Internal(err, "persist report for %s", projectID)
	}

	now := time.Now()
	if err := s.store.SetProjectReport(ctx, projectID, path, "succeeded", &now); err != nil {
		log.Warn().Err(err).Str("project_id", projectID).Msg("report generated but status not recorded")
	}
	metrics.ObserveReport("succeeded", time.Since(start))

	log.Info().Str("project_id", projectID).Str("workflow_run_id", runID).
		Str("path", path).Dur("elapsed", time.Since(start)).Msg("report generated")
	return &Result{Markdown: text, Path: path, WorkflowRunID: runID}, nil
}
