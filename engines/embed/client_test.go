package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/pulse/resilience"
)

func TestNewRequiresEndpoint(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()

	_, err := New(am.EmbedConfig{Model: "m"}, log)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = New(am.EmbedConfig{BaseURL: "http://localhost:11434"}, log)
	require.Error(t, err)
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req embedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		switch req.Input[0] {
		case "overloaded":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"server busy"}`))
			return
		case "bad model":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model not found"}`))
			return
		case "short":
			_, _ = w.Write([]byte(`{"embeddings":[[0.1]]}`))
			return
		}
		resp := embedResponse{Model: req.Model}
		for i := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 0.5})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := New(am.EmbedConfig{BaseURL: srv.URL + "/", Model: "nomic-embed-text"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "nomic-embed-text", c.Model())

	ctx := context.Background()

	vecs, err := c.Embed(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{2, 0.5}, vecs[2])

	vecs, err = c.Embed(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)

	_, err = c.Embed(ctx, []string{"overloaded"})
	require.Error(t, err)
	assert.True(t, resilience.IsRetryable(err))

	_, err = c.Embed(ctx, []string{"bad model"})
	require.Error(t, err)
	assert.False(t, resilience.IsRetryable(err))
	var statusErr *resilience.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	_, err = c.Embed(ctx, []string{"short", "pair"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIntegrity))
}
