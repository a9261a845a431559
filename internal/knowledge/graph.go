package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// codeGraphQuery lists files and symbols related to a package.
const codeGraphQuery = `query($pkg: String!) {
  package(name: $pkg) {
    files { path }
    symbols(limit: 20) { name kind }
  }
}`

// CodeGraph queries a code-graph GraphQL endpoint for structural context
// about affected packages.
type CodeGraph struct {
	url    string
	client *http.Client
}

// NewCodeGraph creates a client against the given GraphQL URL.
func NewCodeGraph(url string) *CodeGraph {
	return &CodeGraph{url: url, client: &http.Client{Timeout: defaultTimeout}}
}

type graphPackage struct {
	Files []struct {
		Path string `json:"path"`
	} `json:"files"`
	Symbols []struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	} `json:"symbols"`
}

// PackageSummary returns a short markdown summary of the package's files and
// symbols, or "" when the graph has no entry for it.
func (g *CodeGraph) PackageSummary(ctx context.Context, pkg string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"query":     codeGraphQuery,
		"variables": map[string]string{"pkg": pkg},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("code graph query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("code graph returned %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Data struct {
			Package *graphPackage `json:"package"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode code graph response: %w", err)
	}
	if len(out.Errors) > 0 {
		return "", fmt.Errorf("code graph error: %s", out.Errors[0].Message)
	}
	if out.Data.Package == nil {
		return "", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "### Package %s\n", pkg)
	for _, f := range out.Data.Package.Files {
		fmt.Fprintf(&sb, "- %s\n", f.Path)
	}
	for _, s := range out.Data.Package.Symbols {
		fmt.Fprintf(&sb, "- `%s` (%s)\n", s.Name, s.Kind)
	}
	return sb.String(), nil
}
