// Package config loads, defaults, and validates the service configuration
// from YAML with environment-variable overrides.
package config

// Config is the top-level service configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	GitHub    GitHub    `yaml:"github"`
	Database  Database  `yaml:"database"`
	Workspace Workspace `yaml:"workspace"`
	CLI       CLI       `yaml:"cli"`
	LLM       LLM       `yaml:"llm"`
	Knowledge Knowledge `yaml:"knowledge"`
	NATS      NATS      `yaml:"nats"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GitHub holds API credentials and webhook settings.
type GitHub struct {
	Token         string   `yaml:"token"`
	WebhookSecret string   `yaml:"webhook_secret"`
	BaseURL       string   `yaml:"base_url"`
	Reviewers     []string `yaml:"reviewers"`
	BaseBranch    string   `yaml:"base_branch"`
}

// Database holds the Postgres connection settings.
type Database struct {
	URL      string `yaml:"url"`
	MinConns int    `yaml:"min_conns"`
	MaxConns int    `yaml:"max_conns"`
}

// Workspace holds provisioning settings.
type Workspace struct {
	BasePath            string `yaml:"base_path"`
	RetentionDays       int    `yaml:"retention_days"`
	DirPerm             string `yaml:"dir_perm"`
	CloneTimeoutSeconds int    `yaml:"clone_timeout_seconds"`
}

// CLI holds the implementation CLI settings.
type CLI struct {
	Path           string `yaml:"path"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LLM holds the classifier endpoint settings.
type LLM struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

// Knowledge holds the optional retrieval endpoints. Empty URLs disable the
// corresponding client.
type Knowledge struct {
	VectorStoreURL string `yaml:"vector_store_url"`
	EmbedderURL    string `yaml:"embedder_url"`
	CodeGraphURL   string `yaml:"code_graph_url"`
}

// NATS holds the optional event-publishing settings.
type NATS struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}
