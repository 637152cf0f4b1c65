package convsvc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/docpipe/internal/errs"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := New(srv.URL, time.Minute)
	// The production floor of five minutes is irrelevant against httptest.
	c.http.Timeout = 5 * time.Second
	return c, srv
}

func TestConvertHappyPath(t *testing.T) {
	var gotFilename string
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/process", r.URL.Path)
		file, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		gotFilename = hdr.Filename
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"content":"# Converted","processing_time":1.5,"metadata":{"file_type":"pdf"}}`))
	})
	defer srv.Close()

	md, meta, err := c.Convert(context.Background(), "report.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "# Converted", md)
	assert.Equal(t, "pdf", meta.FileType)
	assert.Equal(t, "report.pdf", gotFilename)
}

func TestConvertUpstreamRejected(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"unsupported encoding"}`))
	})
	defer srv.Close()

	_, _, err := c.Convert(context.Background(), "weird.xlsx", []byte("data"))
	require.Error(t, err)
	assert.Equal(t, errs.KindUpstreamRejected, errs.KindOf(err))
	assert.Contains(t, errs.Message(err), "unsupported encoding")
}

func TestConvertUpstreamUnavailable(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway timeout", http.StatusBadGateway)
	})
	defer srv.Close()

	_, _, err := c.Convert(context.Background(), "a.pdf", []byte("data"))
	require.Error(t, err)
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
}

func TestConvertTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // connection refused from here on

	c := New(url, time.Minute)
	c.http.Timeout = 2 * time.Second
	_, _, err := c.Convert(context.Background(), "a.pdf", []byte("data"))
	require.Error(t, err)
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
}

func TestConvertEmptyContent(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"content":"   "}`))
	})
	defer srv.Close()

	_, _, err := c.Convert(context.Background(), "blank.html", []byte("<html/>"))
	require.Error(t, err)
	assert.Equal(t, errs.KindConversion, errs.KindOf(err))
}
