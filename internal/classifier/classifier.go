// Package classifier turns raw issue text into a structured verdict using an
// OpenAI-compatible chat endpoint. The LLM is treated as an untrusted JSON
// source: every response goes through a total normalization layer, and any
// failure collapses into a default verdict instead of an error.
package classifier

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

	"github.com/lucasnoah/archon/internal/pipeline"
)

const systemPrompt = `You are a software issue classifier. Analyze the GitHub issue and respond with ONLY a JSON object, no prose, in exactly this shape:
{
  "issue_type": "feature" | "bug" | "documentation" | "infrastructure" | "unknown",
  "requirements": ["extracted requirement statements, in order"],
  "affected_packages": ["package identifiers likely touched"],
  "completeness_score": 1-5,
  "clarification_questions": ["questions to ask when the issue is underspecified"],
  "confidence": 0.0-1.0,
  "reasoning": "one short paragraph"
}
A completeness_score below 3 means the issue cannot be implemented without answers; include the questions that would unblock it.`

// Classifier calls the LLM endpoint and normalizes its output.
type Classifier struct {
	httpClient  *http.Client
	endpoint    string
	model       string
	temperature float64
	log         *slog.Logger
}

// New creates a Classifier for an OpenAI-compatible base URL.
func New(baseURL, model string, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		endpoint:    strings.TrimRight(baseURL, "/") + "/chat/completions",
		model:       model,
		temperature: 0.1,
		log:         log,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Classify produces a verdict for an issue. It never fails: network errors,
// malformed JSON, and out-of-range values all degrade to a defensible
// default with the reason recorded in Reasoning.
func (c *Classifier) Classify(ctx context.Context, title, body string, labels []string) *pipeline.Classification {
	verdict, err := c.classify(ctx, title, body, labels)
	if err != nil {
		c.log.Warn("classification failed, using default verdict",
			slog.String("title", title),
			slog.String("error", err.Error()))
		return DefaultVerdict(err)
	}
	return verdict
}

func (c *Classifier) classify(ctx context.Context, title, body string, labels []string) (*pipeline.Classification, error) {
	user := fmt.Sprintf("Title: %s\n\nLabels: %s\n\nBody:\n%s", title, strings.Join(labels, ", "), body)
	reqBody, err := json.Marshal(chatRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("llm returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, fmt.Errorf("decode llm response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("llm response has no choices")
	}

	return Parse(chat.Choices[0].Message.Content)
}

// Parse decodes and normalizes the model's raw content.
func Parse(content string) (*pipeline.Classification, error) {
	stripped := StripFences(content)

	var raw rawVerdict
	if err := json.Unmarshal([]byte(stripped), &raw); err != nil {
		return nil, fmt.Errorf("decode verdict JSON: %w", err)
	}
	return Normalize(raw), nil
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag, so fenced model output still decodes.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
