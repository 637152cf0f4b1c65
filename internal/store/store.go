// Package store persists documents and projects. Two implementations share
// the same semantics: Redis for deployments, Memory for tests and
// single-node development. Status transitions go through UpdateDocumentIf,
// an optimistic conditional write: the patch applies only when the observed
// status is still one of the expected values, so concurrent workers never
// clobber each other's transitions.
package store

import (
	"context"
	"time"
)

// Store is the persistence handle passed to workers and services.
type Store interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (Project, bool, error)
	ListProjects(ctx context.Context) ([]Project, error)
	DeleteProject(ctx context.Context, id string) error

	// SetProjectDataset binds a dataset to a project only when none is bound
	// yet. Returns false when another caller won the race.
	SetProjectDataset(ctx context.Context, id, datasetID, kbName string) (bool, error)
	ClearProjectDataset(ctx context.Context, id string) error
	SetProjectReport(ctx context.Context, id, path, status string, at *time.Time) error

	CreateDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, id string) (Document, bool, error)
	DeleteDocument(ctx context.Context, id string) error
	ListDocumentsByProject(ctx context.Context, projectID string) ([]Document, error)
	ListDocumentsByStatus(ctx context.Context, st Status) ([]Document, error)

	// UpdateDocument applies the patch unconditionally. False means the row
	// is gone.
	UpdateDocument(ctx context.Context, id string, patch DocumentPatch) (bool, error)

	// UpdateDocumentIf applies the patch only while the current status is in
	// from. (false, nil) means the condition failed or the row is gone; the
	// caller treats both as "another worker advanced the machine" and no-ops.
	UpdateDocumentIf(ctx context.Context, id string, from []Status, patch DocumentPatch) (bool, error)

	Close() error
}
