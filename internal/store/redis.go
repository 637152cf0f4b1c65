package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis persists entities as one hash per row with membership sets for
// enumeration. Conditional document updates run as a single server-side
// script so the status check, the field writes and the monotonic progress
// guard are atomic.
type Redis struct {
	client *redis.Client
}

// casScript: KEYS[1] = doc hash. ARGV[1] = allowed statuses joined by "|"
// (empty means unconditional), ARGV[2] = "1" to force progress, ARGV[3..] =
// field/value pairs. Returns 1 when applied, 0 when the row is missing or
// the status condition failed.
var casScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return 0 end
local allowed = ARGV[1]
if allowed ~= '' then
  local cur = redis.call('HGET', key, 'status') or ''
  if not string.find('|' .. allowed .. '|', '|' .. cur .. '|', 1, true) then
    return 0
  end
end
local force = ARGV[2] == '1'
local i = 3
while i < #ARGV do
  local f = ARGV[i]
  local v = ARGV[i+1]
  if f == 'progress' and not force then
    local cur = tonumber(redis.call('HGET', key, 'progress') or '0') or 0
    local nv = tonumber(v) or 0
    if nv > cur then
      redis.call('HSET', key, 'progress', v)
    end
  else
    redis.call('HSET', key, f, v)
  end
  i = i + 2
end
return 1
`)

// bindDatasetScript binds a dataset to a project only when none is bound.
var bindDatasetScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return 0 end
local cur = redis.call('HGET', key, 'dataset_id')
if cur and cur ~= '' then return 0 end
redis.call('HSET', key, 'dataset_id', ARGV[1], 'knowledge_base_name', ARGV[2])
return 1
`)

// NewRedis connects and verifies the server is reachable.
func NewRedis(redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opt)
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: c}, nil
}

// Client returns the underlying Redis client for health probes.
func (s *Redis) Client() *redis.Client { return s.client }

func (s *Redis) Close() error { return s.client.Close() }

func docKey(id string) string         { return "doc:" + id }
func projectKey(id string) string     { return "project:" + id }
func projectDocsKey(id string) string { return "project:" + id + ":docs" }

const (
	allDocsKey     = "docs:all"
	allProjectsKey = "projects:all"
)

func (s *Redis) CreateProject(ctx context.Context, p *Project) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, projectKey(p.ID), projectToMap(p))
	pipe.SAdd(ctx, allProjectsKey, p.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) GetProject(ctx context.Context, id string) (Project, bool, error) {
	res, err := s.client.HGetAll(ctx, projectKey(id)).Result()
	if err != nil {
		return Project{}, false, err
	}
	if len(res) == 0 {
		return Project{}, false, nil
	}
	return projectFromMap(res), true, nil
}

func (s *Redis) ListProjects(ctx context.Context) ([]Project, error) {
	ids, err := s.client.SMembers(ctx, allProjectsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(ids))
	for _, id := range ids {
		p, ok, err := s.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Redis) DeleteProject(ctx context.Context, id string) error {
	docIDs, err := s.client.SMembers(ctx, projectDocsKey(id)).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, docID := range docIDs {
		pipe.Del(ctx, docKey(docID))
		pipe.SRem(ctx, allDocsKey, docID)
	}
	pipe.Del(ctx, projectDocsKey(id))
	pipe.Del(ctx, projectKey(id))
	pipe.SRem(ctx, allProjectsKey, id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Redis) SetProjectDataset(ctx context.Context, id, datasetID, kbName string) (bool, error) {
	n, err := bindDatasetScript.Run(ctx, s.client, []string{projectKey(id)}, datasetID, kbName).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Redis) ClearProjectDataset(ctx context.Context, id string) error {
	return s.client.HSet(ctx, projectKey(id), "dataset_id", "", "knowledge_base_name", "").Err()
}

func (s *Redis) SetProjectReport(ctx context.Context, id, path, status string, at *time.Time) error {
	m := map[string]interface{}{
		"report_path":   path,
		"report_status": status,
	}
	if at != nil {
		m["report_generated_at"] = at.Format(time.RFC3339Nano)
	}
	return s.client.HSet(ctx, projectKey(id), m).Err()
}

func (s *Redis) CreateDocument(ctx context.Context, d *Document) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, docKey(d.ID), docToMap(d))
	pipe.SAdd(ctx, allDocsKey, d.ID)
	pipe.SAdd(ctx, projectDocsKey(d.ProjectID), d.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) GetDocument(ctx context.Context, id string) (Document, bool, error) {
	res, err := s.client.HGetAll(ctx, docKey(id)).Result()
	if err != nil {
		return Document{}, false, err
	}
	if len(res) == 0 {
		return Document{}, false, nil
	}
	return docFromMap(res), true, nil
}

func (s *Redis) DeleteDocument(ctx context.Context, id string) error {
	projectID, err := s.client.HGet(ctx, docKey(id), "project_id").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, docKey(id))
	pipe.SRem(ctx, allDocsKey, id)
	if projectID != "" {
		pipe.SRem(ctx, projectDocsKey(projectID), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Redis) ListDocumentsByProject(ctx context.Context, projectID string) ([]Document, error) {
	return s.listDocs(ctx, projectDocsKey(projectID), "")
}

func (s *Redis) ListDocumentsByStatus(ctx context.Context, st Status) ([]Document, error) {
	return s.listDocs(ctx, allDocsKey, st)
}

func (s *Redis) listDocs(ctx context.Context, setKey string, filter Status) ([]Document, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		d, ok, err := s.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if filter != "" && d.Status != filter {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Redis) UpdateDocument(ctx context.Context, id string, patch DocumentPatch) (bool, error) {
	return s.runCAS(ctx, id, nil, patch)
}

func (s *Redis) UpdateDocumentIf(ctx context.Context, id string, from []Status, patch DocumentPatch) (bool, error) {
	return s.runCAS(ctx, id, from, patch)
}

func (s *Redis) runCAS(ctx context.Context, id string, from []Status, patch DocumentPatch) (bool, error) {
	args := make([]interface{}, 0, 2+16)
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}
	args = append(args, strings.Join(allowed, "|"))
	if patch.ForceProgress {
		args = append(args, "1")
	} else {
		args = append(args, "0")
	}
	args = append(args, patchPairs(patch)...)
	if len(args) == 2 {
		// nothing to write; report row existence
		n, err := s.client.Exists(ctx, docKey(id)).Result()
		return n == 1, err
	}
	n, err := casScript.Run(ctx, s.client, []string{docKey(id)}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// patchPairs flattens a patch into field/value pairs for the CAS script.
func patchPairs(p DocumentPatch) []interface{} {
	var pairs []interface{}
	if p.Status != nil {
		pairs = append(pairs, "status", string(*p.Status))
	}
	if p.Progress != nil {
		pairs = append(pairs, "progress", strconv.Itoa(*p.Progress))
	}
	if p.ErrorMessage != nil {
		pairs = append(pairs, "error_message", *p.ErrorMessage)
	}
	if p.ProcessedFilePath != nil {
		pairs = append(pairs, "processed_file_path", *p.ProcessedFilePath)
	}
	if p.RagDocumentID != nil {
		pairs = append(pairs, "rag_document_id", *p.RagDocumentID)
	}
	if p.ProcessingStartedAt != nil {
		pairs = append(pairs, "processing_started_at", formatTimePtr(p.ProcessingStartedAt))
	}
	if p.ProcessedAt != nil {
		pairs = append(pairs, "processed_at", formatTimePtr(p.ProcessedAt))
	}
	return pairs
}

func formatTimePtr(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func docToMap(d *Document) map[string]interface{} {
	return map[string]interface{}{
		"id":                    d.ID,
		"project_id":            d.ProjectID,
		"name":                  d.Name,
		"stored_name":           d.StoredName,
		"kind":                  string(d.Kind),
		"label":                 d.Label,
		"size_bytes":            strconv.FormatInt(d.SizeBytes, 10),
		"uploaded_by":           d.UploadedBy,
		"status":                string(d.Status),
		"progress":              strconv.Itoa(d.Progress),
		"processed_file_path":   d.ProcessedFilePath,
		"rag_document_id":       d.RagDocumentID,
		"error_message":         d.ErrorMessage,
		"created_at":            d.CreatedAt.Format(time.RFC3339Nano),
		"processing_started_at": formatTimePtr(d.ProcessingStartedAt),
		"processed_at":          formatTimePtr(d.ProcessedAt),
	}
}

func docFromMap(m map[string]string) Document {
	d := Document{
		ID:                m["id"],
		ProjectID:         m["project_id"],
		Name:              m["name"],
		StoredName:        m["stored_name"],
		Kind:              Kind(m["kind"]),
		Label:             m["label"],
		UploadedBy:        m["uploaded_by"],
		Status:            Status(m["status"]),
		ProcessedFilePath: m["processed_file_path"],
		RagDocumentID:     m["rag_document_id"],
		ErrorMessage:      m["error_message"],
	}
	d.SizeBytes, _ = strconv.ParseInt(m["size_bytes"], 10, 64)
	d.Progress, _ = strconv.Atoi(m["progress"])
	d.CreatedAt = parseTime(m["created_at"])
	d.ProcessingStartedAt = parseTimePtr(m["processing_started_at"])
	d.ProcessedAt = parseTimePtr(m["processed_at"])
	return d
}

func projectToMap(p *Project) map[string]interface{} {
	return map[string]interface{}{
		"id":                  p.ID,
		"name":                p.Name,
		"owner":               p.Owner,
		"folder_uuid":         p.FolderUUID,
		"dataset_id":          p.DatasetID,
		"knowledge_base_name": p.KnowledgeBaseName,
		"report_path":         p.ReportPath,
		"report_status":       p.ReportStatus,
		"report_generated_at": formatTimePtr(p.ReportGeneratedAt),
		"created_at":          p.CreatedAt.Format(time.RFC3339Nano),
	}
}

func projectFromMap(m map[string]string) Project {
	p := Project{
		ID:                m["id"],
		Name:              m["name"],
		Owner:             m["owner"],
		FolderUUID:        m["folder_uuid"],
		DatasetID:         m["dataset_id"],
		KnowledgeBaseName: m["knowledge_base_name"],
		ReportPath:        m["report_path"],
		ReportStatus:      m["report_status"],
	}
	p.ReportGeneratedAt = parseTimePtr(m["report_generated_at"])
	p.CreatedAt = parseTime(m["created_at"])
	return p
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

var (
	_ Store = (*Redis)(nil)
	_ Store = (*Memory)(nil)
)
