// Package convsvc talks to the external document conversion service that
// turns office files, images and text PDFs into Markdown.
package convsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docpipe/internal/errs"
)

// Meta is the conversion metadata echoed back by the service.
type Meta struct {
	FileType       string
	ProcessingTime float64
}

// Client uploads one file per call. No retries here: the document-level
// Retry operation is the recovery mechanism.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client. Large spreadsheets convert for minutes, so the
// timeout is never clamped below five.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout < 5*time.Minute {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type convertResponse struct {
	Success        bool    `json:"success"`
	Content        string  `json:"content"`
	Error          string  `json:"error"`
	ProcessingTime float64 `json:"processing_time"`
	Metadata       struct {
		FileType string `json:"file_type"`
	} `json:"metadata"`
}

// Convert posts the file and returns the produced Markdown.
func (c *Client) Convert(ctx context.Context, filename string, data []byte) (string, Meta, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", Meta{}, errs.Internal(err, "build conversion request")
	}
	if _, err := fw.Write(data); err != nil {
		return "", Meta{}, errs.Internal(err, "build conversion request")
	}
	if err := mw.Close(); err != nil {
		return "", Meta{}, errs.Internal(err, "build conversion request")
	}

	url := c.baseURL + "/api/process"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", Meta{}, errs.Internal(err, "build conversion request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", Meta{}, errs.UpstreamUnavailable(err, "conversion service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", Meta{}, errs.UpstreamUnavailable(
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			"conversion service returned HTTP %d", resp.StatusCode)
	}

	var out convertResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Meta{}, errs.UpstreamUnavailable(err, "conversion service returned malformed JSON")
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "conversion service reported failure"
		}
		return "", Meta{}, errs.UpstreamRejected("%s", msg)
	}
	if strings.TrimSpace(out.Content) == "" {
		return "", Meta{}, errs.Conversion("conversion produced empty output for %s", filename)
	}

	log.Debug().
		Str("file", filename).
		Str("file_type", out.Metadata.FileType).
		Float64("remote_seconds", out.ProcessingTime).
		Dur("elapsed", time.Since(start)).
		Msg("converted file")

	return out.Content, Meta{FileType: out.Metadata.FileType, ProcessingTime: out.ProcessingTime}, nil
}
