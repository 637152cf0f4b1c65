// Package report gates on knowledge-base readiness and invokes the remote
// report workflow, persisting the returned Markdown under output/.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/local/docpipe/internal/errs"
)

// WorkflowClient calls the blocking report workflow endpoint.
type WorkflowClient struct {
	url    string
	apiKey string
	http   *http.Client
}

// NewWorkflowClient builds the client. Report runs take many minutes; the
// timeout is never clamped below twenty.
func NewWorkflowClient(url, apiKey string, timeout time.Duration) *WorkflowClient {
	if timeout < 20*time.Minute {
		timeout = 20 * time.Minute
	}
	return &WorkflowClient{url: url, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

type workflowRequest struct {
	Inputs       map[string]string `json:"inputs"`
	ResponseMode string            `json:"response_mode"`
	User         string            `json:"user"`
}

type workflowResponse struct {
	WorkflowRunID string `json:"workflow_run_id"`
	Data          struct {
		Status  string `json:"status"`
		Error   string `json:"error"`
		Outputs struct {
			Text string `json:"text"`
		} `json:"outputs"`
	} `json:"data"`
}

// Run executes the workflow and returns the report text and run id.
func (c *WorkflowClient) Run(ctx context.Context, company, knowledgeName string) (text, runID string, err error) {
	payload := workflowRequest{
		Inputs:       map[string]string{"company": company, "knowledge_name": knowledgeName},
		ResponseMode: "blocking",
		User:         "root",
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", "", errs.Internal(err, "build workflow request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", errs.UpstreamUnavailable(err, "workflow endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", errs.UpstreamUnavailable(
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			"workflow endpoint returned HTTP %d", resp.StatusCode)
	}

	var out workflowResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", errs.UpstreamUnavailable(err, "workflow endpoint returned malformed JSON")
	}
	if out.Data.Status != "succeeded" {
		msg := out.Data.Error
		if msg == "" {
			msg = "workflow ended in status " + out.Data.Status
		}
		return "", "", errs.UpstreamRejected("report workflow failed: %s", msg)
	}
	if strings.TrimSpace(out.Data.Outputs.Text) == "" {
		return "", "", errs.UpstreamRejected("report workflow returned no text")
	}
	return out.Data.Outputs.Text, out.WorkflowRunID, nil
}
