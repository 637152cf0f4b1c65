package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/docpipe/internal/errs"
)

func TestCompleteSendsDataURLAndTemperature(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"## Page text"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", "test-model", time.Minute)
	out, err := c.Complete(context.Background(), Request{Prompt: "extract", ImagePNG: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, "## Page text", out)

	assert.Equal(t, "test-model", captured["model"])
	assert.InDelta(t, 0.1, captured["temperature"].(float64), 1e-9)

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 1)
	content := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	img := content[1].(map[string]any)["image_url"].(map[string]any)
	assert.True(t, strings.HasPrefix(img["url"].(string), "data:image/png;base64,"))
}

func TestCompleteRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "k", "m", time.Minute)
	_, err := c.Complete(context.Background(), Request{Prompt: "x", ImagePNG: []byte{1}})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestCompleteMissingKey(t *testing.T) {
	c := NewOpenAIClient("http://localhost:1", "", "m", time.Minute)
	_, err := c.Complete(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[],"error":{"message":"image too large"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "k", "m", time.Minute)
	_, err := c.Complete(context.Background(), Request{Prompt: "x", ImagePNG: []byte{1}})
	require.Error(t, err)
	assert.Equal(t, errs.KindUpstreamRejected, errs.KindOf(err))
	assert.Contains(t, errs.Message(err), "image too large")
}
