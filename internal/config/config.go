package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Specification struct {
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"providerApiKey" envconfig:"PROVIDER_API_KEY"`
	EmbedModel string `yaml:"providerEmbedModel" envconfig:"PROVIDER_EMBEDDING_MODEL"`
	ProjectID  string `yaml:"providerProjectID" envconfig:"PROVIDER_PROJECT_ID"`
	Location   string `yaml:"providerLocation" envconfig:"PROVIDER_LOCATION"`
	BaseURL    string `yaml:"providerBaseURL" envconfig:"PROVIDER_BASE_URL"`
	Dim        int    `yaml:"providerDim" envconfig:"EMBED_DIM"`

	DataDir        string  `yaml:"dataDir" split_words:"true"`
	ChunkMaxLines  int     `yaml:"chunkMaxLines" split_words:"true"`
	MaxFileBytes   int64   `yaml:"maxFileBytes" split_words:"true"`
	EmbedBatchSize int     `yaml:"embedBatchSize" split_words:"true"`
	EmbedWorkers   int     `yaml:"embedWorkers" split_words:"true"`
	EmbedRateLimit float64 `yaml:"embedRateLimit" split_words:"true"`
	QueryCacheSize int     `yaml:"queryCacheSize" split_words:"true"`
	IndexBackend   string  `yaml:"indexBackend" split_words:"true"`
	Database       string  `yaml:"database" envconfig:"DB_URL"`

	RepoRoot        string `yaml:"repoRoot" split_words:"true"`
	RepoURL         string `yaml:"repoURL" split_words:"true"`
	GithubToken     string `yaml:"githubToken" envconfig:"GITHUB_TOKEN"`
	GitRef          string `yaml:"gitRef" split_words:"true"`
	GithubPreflight bool   `yaml:"githubPreflight" split_words:"true"`

	LogLevel string `yaml:"logLevel" split_words:"true"`
	Port     int    `yaml:"port" split_words:"true"`

	flags *pflag.FlagSet `ignored:"true"`
}

const envPrefix = "REPOQA"

// Index backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

func (s *Specification) Usage() {
	fmt.Fprint(os.Stderr, s.flags.FlagUsages())
}

// Load => defaults < YAML < .env < env < flags.
// configPath may be ""; if so we auto-discover.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	var cfg Specification

	// set defaults (lowest precedence)
	setDefaults(&cfg)
	bindFlags(fs, &cfg)

	// config file
	path := configPath
	if path == "" {
		if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
			path = v
		} else {
			for _, cand := range []string{
				"config/repoqa.yaml",
				"config/config.yaml",
				"./repoqa.yaml",
				"./config.yaml",
			} {
				if fileExists(cand) {
					path = cand
					break
				}
			}
		}
	}

	if path != "" {
		if !fileExists(path) {
			return Specification{}, fmt.Errorf("config file not found: %s", path)
		}
		if err := loadYAML(path, &cfg); err != nil {
			return Specification{}, fmt.Errorf("load yaml %s: %w", path, err)
		}
	}

	// .env never overrides variables already set in the environment
	if err := loadDotEnv(); err != nil {
		return Specification{}, err
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	if err := fs.Parse(os.Args[1:]); err != nil {
		return Specification{}, err
	}
	applyChangedFlags(fs, &cfg)

	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	cfg.IndexBackend = strings.ToLower(strings.TrimSpace(cfg.IndexBackend))
	if err := cfg.Validate(); err != nil {
		return Specification{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (s *Specification) Validate() error {
	if _, err := ai.ParseProvider(s.Provider); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	if strings.TrimSpace(s.DataDir) == "" {
		return fmt.Errorf("%s_DATA_DIR is required (env/file/flag)", envPrefix)
	}
	positive := []struct {
		name string
		v    int64
	}{
		{"chunkMaxLines", int64(s.ChunkMaxLines)},
		{"maxFileBytes", s.MaxFileBytes},
		{"embedBatchSize", int64(s.EmbedBatchSize)},
		{"embedWorkers", int64(s.EmbedWorkers)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.v)
		}
	}
	if s.Dim < 0 {
		return fmt.Errorf("providerDim must not be negative, got %d", s.Dim)
	}
	if s.EmbedRateLimit < 0 {
		return fmt.Errorf("embedRateLimit must not be negative, got %g", s.EmbedRateLimit)
	}
	if s.QueryCacheSize < 0 {
		return fmt.Errorf("queryCacheSize must not be negative, got %d", s.QueryCacheSize)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port out of range: %d", s.Port)
	}
	switch s.IndexBackend {
	case BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(s.Database) == "" {
			return fmt.Errorf("%s_DB_URL is required for the postgres index backend", envPrefix)
		}
	default:
		return fmt.Errorf("unknown index backend %q (want %s or %s)", s.IndexBackend, BackendMemory, BackendPostgres)
	}
	return nil
}

// ---------- helpers ----------

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, into)
}

// loadDotEnv reads REPOQA_ENV_FILE, or ./.env when present.
func loadDotEnv() error {
	path := os.Getenv(envPrefix + "_ENV_FILE")
	if path == "" {
		if !fileExists(".env") {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func bindFlags(fs *pflag.FlagSet, c *Specification) {
	fs.String("config", "", "Path to config file")

	// If --config is provided on the command line, capture it now so
	// config discovery (which runs before flags.Parse) can use it.
	for i, a := range os.Args {
		if a == "--config" {
			if i+1 < len(os.Args) && !strings.HasPrefix(os.Args[i+1], "-") {
				_ = os.Setenv(envPrefix+"_CONFIG", os.Args[i+1])
			}
		} else if strings.HasPrefix(a, "--config=") {
			parts := strings.SplitN(a, "=", 2)
			if len(parts) == 2 {
				_ = os.Setenv(envPrefix+"_CONFIG", parts[1])
			}
		}
	}

	fs.String("provider", c.Provider, "Embedding provider (local, openai, vertexai)")
	fs.String("provider-api-key", c.APIKey, "Provider API key")
	fs.String("provider-embedding-model", c.EmbedModel, "Provider embedding model")
	fs.String("provider-project-id", c.ProjectID, "Provider project ID")
	fs.String("provider-location", c.Location, "Provider location/region")
	fs.String("provider-base-url", c.BaseURL, "Provider API base URL (OpenAI-compatible)")
	fs.Int("embed-dim", c.Dim, "Embedding dimensionality")

	fs.String("data-dir", c.DataDir, "Directory for repository snapshots and indexes")
	fs.Int("chunk-max-lines", c.ChunkMaxLines, "Maximum lines per chunk")
	fs.Int64("max-file-bytes", c.MaxFileBytes, "Skip files larger than this")
	fs.Int("embed-batch-size", c.EmbedBatchSize, "Texts per embedding request")
	fs.Int("embed-workers", c.EmbedWorkers, "Concurrent embedding requests")
	fs.Float64("embed-rate-limit", c.EmbedRateLimit, "Embedding requests per second (0 = unlimited)")
	fs.Int("query-cache-size", c.QueryCacheSize, "Cached query embeddings (0 = disabled)")
	fs.String("index-backend", c.IndexBackend, "Index backend (memory|postgres)")
	fs.String("db-url", c.Database, "Database URL (DSN) for the postgres backend")

	fs.String("repo-root", c.RepoRoot, "Path to local repo root")
	fs.String("git-repo", c.RepoURL, "Git repository URL")
	fs.String("github-token", c.GithubToken, "GitHub API token")
	fs.String("git-ref", c.GitRef, "Git branch or tag (empty = remote default)")
	fs.Bool("github-preflight", c.GithubPreflight, "Check github.com repositories through the API before cloning")

	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("port", c.Port, "API server port")

	// Used later for usage/help
	// create a shallow copy of fs (so Usage can be called safely without mutating caller)
	copied := pflag.NewFlagSet("temp", pflag.ContinueOnError)
	*copied = *fs
	c.flags = copied
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}
	setInt64 := func(name string, dst *int64) {
		if fs.Changed(name) {
			v, _ := fs.GetInt64(name)
			*dst = v
		}
	}
	setFloat := func(name string, dst *float64) {
		if fs.Changed(name) {
			v, _ := fs.GetFloat64(name)
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if fs.Changed(name) {
			v, _ := fs.GetBool(name)
			*dst = v
		}
	}

	// (We ignore --config here; it's for discovery.)
	setStr("provider", &c.Provider)
	setStr("provider-api-key", &c.APIKey)
	setStr("provider-embedding-model", &c.EmbedModel)
	setStr("provider-project-id", &c.ProjectID)
	setStr("provider-location", &c.Location)
	setStr("provider-base-url", &c.BaseURL)
	setInt("embed-dim", &c.Dim)

	setStr("data-dir", &c.DataDir)
	setInt("chunk-max-lines", &c.ChunkMaxLines)
	setInt64("max-file-bytes", &c.MaxFileBytes)
	setInt("embed-batch-size", &c.EmbedBatchSize)
	setInt("embed-workers", &c.EmbedWorkers)
	setFloat("embed-rate-limit", &c.EmbedRateLimit)
	setInt("query-cache-size", &c.QueryCacheSize)
	setStr("index-backend", &c.IndexBackend)
	setStr("db-url", &c.Database)

	setStr("repo-root", &c.RepoRoot)
	setStr("git-repo", &c.RepoURL)
	setStr("github-token", &c.GithubToken)
	setStr("git-ref", &c.GitRef)
	setBool("github-preflight", &c.GithubPreflight)

	setStr("log-level", &c.LogLevel)
	setInt("port", &c.Port)
}

func setDefaults(c *Specification) {
	c.Provider = "local"
	c.Location = "us-central1"
	c.DataDir = "./data"
	c.ChunkMaxLines = 40
	c.MaxFileBytes = 1 << 20
	c.EmbedBatchSize = 32
	c.EmbedWorkers = 4
	c.QueryCacheSize = 1024
	c.IndexBackend = BackendMemory
	c.RepoRoot = "."
	c.GithubPreflight = true
	c.LogLevel = "info"
	c.Port = 8080
}
