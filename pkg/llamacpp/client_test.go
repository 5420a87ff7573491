package llamacpp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func server(t *testing.T, status int, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req chatRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "vision", req.Model)
		assert.False(t, req.Stream)

		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReviewLabel(t *testing.T) {
	srv := server(t, http.StatusOK, `{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"label_matches\": true, \"observed_label\": \"cat\", \"confidence\": 0.8}"}}]}`)

	c, err := NewClient(srv.URL + "/")
	require.NoError(t, err)

	v, err := c.ReviewLabel(context.Background(), "vision", "is this a cat?", "aGVsbG8=")
	require.NoError(t, err)
	assert.True(t, v.Matches)
	assert.Equal(t, "cat", v.ObservedLabel)
	assert.InDelta(t, 0.8, v.Confidence, 1e-9)
}

func TestSimpleQueryContentParts(t *testing.T) {
	srv := server(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"a cat"}]}}]}`)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	reply, err := c.SimpleQuery(context.Background(), "vision", "what is this?", "")
	require.NoError(t, err)
	assert.Equal(t, "a cat", reply)
}

func TestServerError(t *testing.T) {
	srv := server(t, http.StatusInternalServerError, "boom")

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.ReviewLabel(context.Background(), "vision", "p", "")
	assert.Error(t, err)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("localhost:8080")
	assert.Error(t, err)

	c, err := NewClient("")
	require.NoError(t, err)
	assert.Equal(t, DefaultURL+"/health", c.endpoint(healthPath))

	c, err = NewClient("http://gpu-box:9000/v1/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:9000/v1/chat/completions", c.endpoint(chatPath))
}

func TestHealth(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	assert.Error(t, c.Health(context.Background()))

	status = http.StatusOK
	assert.NoError(t, c.Health(context.Background()))
}
