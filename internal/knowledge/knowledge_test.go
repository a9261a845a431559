package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticEmbedder struct{ vec []float32 }

func (s *staticEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return s.vec, nil
}

func TestHTTPEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req["input"])
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2}})
	}))
	t.Cleanup(srv.Close)

	vec, err := NewHTTPEmbedder(srv.URL).Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
}

func TestHTTPEmbedderEmptyVectorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{}})
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTPEmbedder(srv.URL).Embed(context.Background(), "hello")
	assert.Error(t, err)
}

func TestVectorStoreQueryJoinsHits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		var req struct {
			Vector []float32 `json:"vector"`
			TopK   int       `json:"top_k"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []float32{1, 2}, req.Vector)
		assert.Equal(t, defaultTopK, req.TopK)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"text": "first doc", "score": 0.9},
				{"text": "  ", "score": 0.5},
				{"text": "second doc", "score": 0.4},
			},
		})
	}))
	t.Cleanup(srv.Close)

	vs := NewVectorStore(srv.URL, &staticEmbedder{vec: []float32{1, 2}}, nil)
	got, err := vs.Query(context.Background(), "auth tokens")
	require.NoError(t, err)
	assert.Equal(t, "first doc\n\nsecond doc", got)
}

func TestVectorStoreNoHits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	t.Cleanup(srv.Close)

	vs := NewVectorStore(srv.URL, &staticEmbedder{vec: []float32{1}}, nil)
	got, err := vs.Query(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVectorStoreSearchErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	vs := NewVectorStore(srv.URL, &staticEmbedder{vec: []float32{1}}, nil)
	_, err := vs.Query(context.Background(), "anything")
	assert.ErrorContains(t, err, "502")
}

func TestCodeGraphPackageSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]string `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "auth", req.Variables["pkg"])
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"package": map[string]any{
					"files":   []map[string]any{{"path": "auth/token.go"}},
					"symbols": []map[string]any{{"name": "RotateToken", "kind": "func"}},
				},
			},
		})
	}))
	t.Cleanup(srv.Close)

	got, err := NewCodeGraph(srv.URL).PackageSummary(context.Background(), "auth")
	require.NoError(t, err)
	assert.Contains(t, got, "### Package auth")
	assert.Contains(t, got, "- auth/token.go")
	assert.Contains(t, got, "`RotateToken` (func)")
}

func TestCodeGraphUnknownPackage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"package": nil}})
	}))
	t.Cleanup(srv.Close)

	got, err := NewCodeGraph(srv.URL).PackageSummary(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, got)
}
