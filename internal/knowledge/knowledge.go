// Package knowledge retrieves related documentation for an issue from an
// external vector store, embedding the query first. Everything here is
// optional: callers hold a nil provider when the endpoints are not
// configured.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 15 * time.Second
	defaultTopK    = 5
)

// Provider answers free-text queries with documentation snippets.
type Provider interface {
	Query(ctx context.Context, query string) (string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls an embedding service: POST {url}/embed with
// {"input": "..."} returning {"embedding": [...]}.
type HTTPEmbedder struct {
	url    string
	client *http.Client
}

// NewHTTPEmbedder creates an embedder against the given base URL.
func NewHTTPEmbedder(url string) *HTTPEmbedder {
	return &HTTPEmbedder{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: defaultTimeout},
	}
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{"input": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("embed service returned %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embed service returned empty vector")
	}
	return out.Embedding, nil
}

// VectorStore searches a vector database over HTTP: POST {url}/search with
// {"vector": [...], "top_k": N} returning {"results": [{"text": ..., "score": ...}]}.
type VectorStore struct {
	url      string
	topK     int
	embedder Embedder
	client   *http.Client
	log      *slog.Logger
}

var _ Provider = (*VectorStore)(nil)

// NewVectorStore creates a Provider backed by an embedding service and a
// vector search endpoint.
func NewVectorStore(url string, embedder Embedder, log *slog.Logger) *VectorStore {
	if log == nil {
		log = slog.Default()
	}
	return &VectorStore{
		url:      strings.TrimRight(url, "/"),
		topK:     defaultTopK,
		embedder: embedder,
		client:   &http.Client{Timeout: defaultTimeout},
		log:      log,
	}
}

type searchResult struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Query embeds the query text, searches the store, and joins the hit texts
// with blank lines. No hits yields "".
func (v *VectorStore) Query(ctx context.Context, query string) (string, error) {
	vec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	payload, err := json.Marshal(map[string]any{"vector": vec, "top_k": v.topK})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url+"/search", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vector search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("vector store returned %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Results []searchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode search results: %w", err)
	}

	texts := make([]string, 0, len(out.Results))
	for _, r := range out.Results {
		if t := strings.TrimSpace(r.Text); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n\n"), nil
}
