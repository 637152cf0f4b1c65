// Package statuscheck aggregates dependency health probes for the ops
// endpoint. Every probe runs with a short timeout; a slow dependency reports
// as down rather than hanging the endpoint.
package statuscheck

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RedisPinger is the minimal Redis capability a probe needs. Nil means the
// in-memory store is in use and the probe reports that instead.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// Status is the readiness of one subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles every subsystem status.
type Summary struct {
	Store         Status `json:"store"`
	Storage       Status `json:"storage"`
	Converter     Status `json:"converter"`
	KnowledgeBase Status `json:"knowledge_base"`
	Vision        Status `json:"vision"`
	Workflow      Status `json:"workflow"`
}

// Options configures the Checker.
type Options struct {
	Redis        RedisPinger
	StorageRoot  string
	ConverterURL string
	KBBaseURL    string
	KBAPIKey     string
	VisionAPIKey string
	WorkflowURL  string
	HTTPClient   *http.Client
}

// Checker runs the probes.
type Checker struct {
	opts Options
	http *http.Client
}

// New builds a Checker.
func New(opts Options) *Checker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Checker{opts: opts, http: client}
}

// Check runs all probes and returns the summary.
func (c *Checker) Check(ctx context.Context) Summary {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return Summary{
		Store:         c.checkStore(ctx),
		Storage:       c.checkStorage(),
		Converter:     c.checkHTTP(ctx, c.opts.ConverterURL, "conversion service"),
		KnowledgeBase: c.checkKB(ctx),
		Vision:        checkConfigured(c.opts.VisionAPIKey, "vision API key"),
		Workflow:      checkConfigured(c.opts.WorkflowURL, "workflow URL"),
	}
}

func (c *Checker) checkStore(ctx context.Context) Status {
	if c.opts.Redis == nil {
		return Status{OK: true, Message: "in-memory store"}
	}
	if err := c.opts.Redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: err.Error()}
	}
	return Status{OK: true, Message: "redis reachable"}
}

// checkStorage verifies the data root is writable, not merely present.
func (c *Checker) checkStorage() Status {
	probe := filepath.Join(c.opts.StorageRoot, ".healthprobe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return Status{OK: false, Message: err.Error()}
	}
	_ = os.Remove(probe)
	return Status{OK: true, Message: "writable"}
}

func (c *Checker) checkHTTP(ctx context.Context, url, name string) Status {
	if url == "" {
		return Status{OK: false, Message: name + " not configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{OK: false, Message: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{OK: false, Message: err.Error()}
	}
	defer resp.Body.Close()
	// Any HTTP response means the service is up; 404 on the base path is fine.
	return Status{OK: true, Message: resp.Status}
}

func (c *Checker) checkKB(ctx context.Context) Status {
	if c.opts.KBBaseURL == "" || c.opts.KBAPIKey == "" {
		return Status{OK: false, Message: "knowledge base not configured"}
	}
	url := strings.TrimRight(c.opts.KBBaseURL, "/") + "/api/v1/datasets"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{OK: false, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.KBAPIKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{OK: false, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Status{OK: false, Message: "knowledge base rejected the API key"}
	}
	return Status{OK: true, Message: resp.Status}
}

func checkConfigured(value, name string) Status {
	if value == "" {
		return Status{OK: false, Message: name + " not configured"}
	}
	return Status{OK: true, Message: "configured"}
}
