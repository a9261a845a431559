package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML config at path, overlays environment variables, and
// applies defaults. A missing file is not an error when env vars supply the
// required values; pass "" to skip the file entirely.
func Load(path string) (*Config, error) {
	// Best effort: a .env file in the working directory seeds the process
	// environment before the overlay.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	overlayEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// overlayEnv applies ARCHON_* environment variables on top of file values.
func overlayEnv(cfg *Config) {
	setString(&cfg.Server.Host, "ARCHON_HOST")
	setInt(&cfg.Server.Port, "ARCHON_PORT")

	setString(&cfg.GitHub.Token, "ARCHON_GITHUB_TOKEN")
	setString(&cfg.GitHub.WebhookSecret, "ARCHON_WEBHOOK_SECRET")
	setString(&cfg.GitHub.BaseURL, "ARCHON_GITHUB_BASE_URL")
	setString(&cfg.GitHub.BaseBranch, "ARCHON_GITHUB_BASE_BRANCH")
	setList(&cfg.GitHub.Reviewers, "ARCHON_REVIEWERS")

	setString(&cfg.Database.URL, "ARCHON_DATABASE_URL")
	setInt(&cfg.Database.MinConns, "ARCHON_DB_MIN_CONNS")
	setInt(&cfg.Database.MaxConns, "ARCHON_DB_MAX_CONNS")

	setString(&cfg.Workspace.BasePath, "ARCHON_WORKSPACE_BASE")
	setInt(&cfg.Workspace.RetentionDays, "ARCHON_WORKSPACE_RETENTION_DAYS")
	setString(&cfg.Workspace.DirPerm, "ARCHON_WORKSPACE_DIR_PERM")
	setInt(&cfg.Workspace.CloneTimeoutSeconds, "ARCHON_CLONE_TIMEOUT_SECONDS")

	setString(&cfg.CLI.Path, "ARCHON_CLI_PATH")
	setInt(&cfg.CLI.TimeoutSeconds, "ARCHON_CLI_TIMEOUT_SECONDS")

	setString(&cfg.LLM.URL, "ARCHON_LLM_URL")
	setString(&cfg.LLM.Model, "ARCHON_LLM_MODEL")

	setString(&cfg.Knowledge.VectorStoreURL, "ARCHON_VECTOR_STORE_URL")
	setString(&cfg.Knowledge.EmbedderURL, "ARCHON_EMBEDDER_URL")
	setString(&cfg.Knowledge.CodeGraphURL, "ARCHON_CODE_GRAPH_URL")

	setString(&cfg.NATS.URL, "ARCHON_NATS_URL")
	setString(&cfg.NATS.Subject, "ARCHON_NATS_SUBJECT")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.GitHub.BaseURL == "" {
		cfg.GitHub.BaseURL = "https://api.github.com"
	}
	if cfg.GitHub.BaseBranch == "" {
		cfg.GitHub.BaseBranch = "main"
	}
	if cfg.Database.MinConns == 0 {
		cfg.Database.MinConns = 2
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Workspace.BasePath == "" {
		cfg.Workspace.BasePath = "/var/lib/archon/workspaces"
	}
	if cfg.Workspace.RetentionDays == 0 {
		cfg.Workspace.RetentionDays = 7
	}
	if cfg.Workspace.DirPerm == "" {
		cfg.Workspace.DirPerm = "0755"
	}
	if cfg.Workspace.CloneTimeoutSeconds == 0 {
		cfg.Workspace.CloneTimeoutSeconds = 300
	}
	if cfg.CLI.TimeoutSeconds == 0 {
		cfg.CLI.TimeoutSeconds = 1800
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "archon.events"
	}
}

// DirPermBits parses the octal permission string.
func (w Workspace) DirPermBits() (os.FileMode, error) {
	bits, err := strconv.ParseUint(w.DirPerm, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid dir_perm %q: %w", w.DirPerm, err)
	}
	return os.FileMode(bits), nil
}

// Addr joins host and port for the HTTP listener.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
