package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process Store used by tests and single-node development.
type Memory struct {
	mu       sync.RWMutex
	docs     map[string]*Document
	projects map[string]*Project
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]*Document),
		projects: make(map[string]*Project),
	}
}

func (m *Memory) CreateProject(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *Memory) GetProject(ctx context.Context, id string) (Project, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return Project{}, false, nil
	}
	return *p, true, nil
}

func (m *Memory) ListProjects(ctx context.Context) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteProject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	for docID, d := range m.docs {
		if d.ProjectID == id {
			delete(m.docs, docID)
		}
	}
	return nil
}

func (m *Memory) SetProjectDataset(ctx context.Context, id, datasetID, kbName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return false, nil
	}
	if p.DatasetID != "" {
		return false, nil
	}
	p.DatasetID = datasetID
	p.KnowledgeBaseName = kbName
	return true, nil
}

func (m *Memory) ClearProjectDataset(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[id]; ok {
		p.DatasetID = ""
		p.KnowledgeBaseName = ""
	}
	return nil
}

func (m *Memory) SetProjectReport(ctx context.Context, id, path, status string, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[id]; ok {
		p.ReportPath = path
		p.ReportStatus = status
		if at != nil {
			t := *at
			p.ReportGeneratedAt = &t
		}
	}
	return nil
}

func (m *Memory) CreateDocument(ctx context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.docs[d.ID] = &cp
	return nil
}

func (m *Memory) GetDocument(ctx context.Context, id string) (Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return Document{}, false, nil
	}
	return *d, true, nil
}

func (m *Memory) DeleteDocument(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *Memory) ListDocumentsByProject(ctx context.Context, projectID string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Document
	for _, d := range m.docs {
		if d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListDocumentsByStatus(ctx context.Context, st Status) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Document
	for _, d := range m.docs {
		if d.Status == st {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateDocument(ctx context.Context, id string, patch DocumentPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return false, nil
	}
	patch.apply(d)
	return true, nil
}

func (m *Memory) UpdateDocumentIf(ctx context.Context, id string, from []Status, patch DocumentPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return false, nil
	}
	if len(from) > 0 {
		matched := false
		for _, s := range from {
			if d.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	patch.apply(d)
	return true, nil
}

func (m *Memory) Close() error { return nil }
