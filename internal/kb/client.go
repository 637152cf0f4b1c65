// Package kb manages per-project knowledge-base datasets on the remote RAG
// service: creating datasets, uploading artifacts, triggering parses and
// polling parse completion.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/metrics"
)

// RemoteDocument is one entry of the dataset's document list. Run is the
// remote parse state; progress is a 0..1 fraction.
type RemoteDocument struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Progress    float64 `json:"progress"`
	Run         string  `json:"run"`
	ProgressMsg string  `json:"progress_msg"`
}

// Remote parse run states.
const (
	RunDone      = "DONE"
	RunFailed    = "FAILED"
	RunError     = "ERROR"
	RunCancelled = "CANCELLED"
)

// ParseFailed reports whether the run state is terminal-failed.
func ParseFailed(run string) bool {
	switch strings.ToUpper(run) {
	case RunFailed, RunError, RunCancelled:
		return true
	}
	return false
}

// Client is the RAG service REST transport. Every response wraps its payload
// as {code, data, message}; code != 0 is an upstream rejection.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	uploadHTTP *http.Client
}

// NewClient builds the transport. Uploads get a longer timeout than the
// control-plane calls.
func NewClient(baseURL, apiKey string, requestTimeout, uploadTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	if uploadTimeout < requestTimeout {
		uploadTimeout = 2 * requestTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: requestTimeout},
		uploadHTTP: &http.Client{Timeout: uploadTimeout},
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do runs one JSON call and returns the data payload.
func (c *Client) do(ctx context.Context, op, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errs.Internal(err, "encode %s request", op)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errs.Internal(err, "build %s request", op)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	data, err := c.roundTrip(c.http, req, op)
	metrics.ObserveKBRequest(op, err)
	return data, err
}

func (c *Client) roundTrip(client *http.Client, req *http.Request, op string) (json.RawMessage, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.UpstreamUnavailable(err, "knowledge base unreachable during %s", op)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.UpstreamUnavailable(
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			"knowledge base returned HTTP %d during %s", resp.StatusCode, op)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, errs.UpstreamUnavailable(err, "knowledge base returned malformed JSON during %s", op)
	}
	if env.Code != 0 {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("code %d", env.Code)
		}
		return nil, errs.UpstreamRejected("knowledge base rejected %s: %s", op, msg)
	}
	return env.Data, nil
}

// CreateDataset creates a dataset and returns its id.
func (c *Client) CreateDataset(ctx context.Context, name, description string) (string, error) {
	data, err := c.do(ctx, "create_dataset", http.MethodPost, "/api/v1/datasets",
		map[string]string{"name": name, "description": description})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.ID == "" {
		return "", errs.UpstreamRejected("create_dataset returned no dataset id")
	}
	return out.ID, nil
}

// DeleteDatasets removes datasets by id.
func (c *Client) DeleteDatasets(ctx context.Context, ids []string) error {
	_, err := c.do(ctx, "delete_dataset", http.MethodDelete, "/api/v1/datasets",
		map[string][]string{"ids": ids})
	return err
}

// UploadDocument posts the Markdown artifact into the dataset and returns
// the remote document id.
func (c *Client) UploadDocument(ctx context.Context, datasetID, filename string, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", "text/markdown")
	fw, err := mw.CreatePart(hdr)
	if err != nil {
		return "", errs.Internal(err, "build upload request")
	}
	if _, err := fw.Write(content); err != nil {
		return "", errs.Internal(err, "build upload request")
	}
	if err := mw.Close(); err != nil {
		return "", errs.Internal(err, "build upload request")
	}

	url := fmt.Sprintf("%s/api/v1/datasets/%s/documents", c.baseURL, datasetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", errs.Internal(err, "build upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	data, err := c.roundTrip(c.uploadHTTP, req, "upload_document")
	metrics.ObserveKBRequest("upload_document", err)
	if err != nil {
		return "", err
	}

	var out []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &out); err != nil || len(out) == 0 || out[0].ID == "" {
		return "", errs.UpstreamRejected("upload_document returned no document id")
	}
	return out[0].ID, nil
}

// DeleteDocuments removes remote documents from the dataset.
func (c *Client) DeleteDocuments(ctx context.Context, datasetID string, ids []string) error {
	_, err := c.do(ctx, "delete_documents", http.MethodDelete,
		fmt.Sprintf("/api/v1/datasets/%s/documents", datasetID),
		map[string][]string{"ids": ids})
	return err
}

// TriggerParse starts the remote chunk+index run for the documents.
func (c *Client) TriggerParse(ctx context.Context, datasetID string, docIDs []string) error {
	_, err := c.do(ctx, "trigger_parse", http.MethodPost,
		fmt.Sprintf("/api/v1/datasets/%s/chunks", datasetID),
		map[string][]string{"document_ids": docIDs})
	return err
}

// ListDocuments returns the dataset's documents with their parse state.
func (c *Client) ListDocuments(ctx context.Context, datasetID string) ([]RemoteDocument, error) {
	data, err := c.do(ctx, "list_documents", http.MethodGet,
		fmt.Sprintf("/api/v1/datasets/%s/documents?page_size=100", datasetID), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Docs []RemoteDocument `json:"docs"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.UpstreamRejected("list_documents returned malformed payload")
	}
	return out.Docs, nil
}
