package config

import (
	"fmt"
	"strings"
)

// ValidationError is a single problem found in a Config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the config for structural and semantic errors, returning
// every problem found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: "must be between 1 and 65535"})
	}

	if cfg.GitHub.Token == "" {
		errs = append(errs, ValidationError{Field: "github.token", Message: "is required"})
	}
	if !hasHTTPScheme(cfg.GitHub.BaseURL) {
		errs = append(errs, ValidationError{Field: "github.base_url", Message: "must be an http(s) URL"})
	}

	if cfg.Database.URL == "" {
		errs = append(errs, ValidationError{Field: "database.url", Message: "is required"})
	} else if !strings.HasPrefix(cfg.Database.URL, "postgres://") && !strings.HasPrefix(cfg.Database.URL, "postgresql://") {
		errs = append(errs, ValidationError{Field: "database.url", Message: "must be a postgres:// URL"})
	}
	if cfg.Database.MinConns < 1 {
		errs = append(errs, ValidationError{Field: "database.min_conns", Message: "must be at least 1"})
	}
	if cfg.Database.MaxConns < cfg.Database.MinConns {
		errs = append(errs, ValidationError{Field: "database.max_conns", Message: "must be >= min_conns"})
	}

	if cfg.Workspace.BasePath == "" {
		errs = append(errs, ValidationError{Field: "workspace.base_path", Message: "is required"})
	}
	if cfg.Workspace.RetentionDays < 1 {
		errs = append(errs, ValidationError{Field: "workspace.retention_days", Message: "must be at least 1"})
	}
	if _, err := cfg.Workspace.DirPermBits(); err != nil {
		errs = append(errs, ValidationError{Field: "workspace.dir_perm", Message: "must be an octal mode like 0755"})
	}
	if cfg.Workspace.CloneTimeoutSeconds < 1 {
		errs = append(errs, ValidationError{Field: "workspace.clone_timeout_seconds", Message: "must be at least 1"})
	}

	if cfg.CLI.Path == "" {
		errs = append(errs, ValidationError{Field: "cli.path", Message: "is required"})
	}
	if cfg.CLI.TimeoutSeconds < 1 {
		errs = append(errs, ValidationError{Field: "cli.timeout_seconds", Message: "must be at least 1"})
	}

	if cfg.LLM.URL == "" {
		errs = append(errs, ValidationError{Field: "llm.url", Message: "is required"})
	} else if !hasHTTPScheme(cfg.LLM.URL) {
		errs = append(errs, ValidationError{Field: "llm.url", Message: "must be an http(s) URL"})
	}

	for field, url := range map[string]string{
		"knowledge.vector_store_url": cfg.Knowledge.VectorStoreURL,
		"knowledge.embedder_url":     cfg.Knowledge.EmbedderURL,
		"knowledge.code_graph_url":   cfg.Knowledge.CodeGraphURL,
	} {
		if url != "" && !hasHTTPScheme(url) {
			errs = append(errs, ValidationError{Field: field, Message: "must be an http(s) URL"})
		}
	}
	if cfg.Knowledge.VectorStoreURL != "" && cfg.Knowledge.EmbedderURL == "" {
		errs = append(errs, ValidationError{Field: "knowledge.embedder_url", Message: "is required when vector_store_url is set"})
	}

	if cfg.NATS.URL != "" && cfg.NATS.Subject == "" {
		errs = append(errs, ValidationError{Field: "nats.subject", Message: "is required when nats.url is set"})
	}

	return errs
}

func hasHTTPScheme(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}
