package config

import (
	"path/filepath"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Communities CommunitiesConfig
	Log         LogConfig
	Sync        SyncConfig
	GitHub      GitHubConfig
	Papers      PapersConfig
	Search      SearchConfig
	FAQ         FAQConfig
	Ollama      OllamaConfig
	Mailman     MailmanConfig
	HTTP        HTTPConfig
	API         APIConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type CommunitiesConfig struct {
	Dir string
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

type SyncConfig struct {
	Enabled bool
}

type GitHubConfig struct {
	Token string
}

type PapersConfig struct {
	SemanticScholarAPIKey string
	PubMedAPIKey          string
	OpenAlexAPIKey        string
	OpenAlexEmail         string
}

type SearchConfig struct {
	DedupThreshold float64
	MinTokenLength int
}

type FAQConfig struct {
	Provider         string
	ScoreModel       string
	Model            string
	QualityThreshold float64
	OpenRouterAPIKey string
}

type OllamaConfig struct {
	BaseURL string
}

type MailmanConfig struct {
	CacheDir      string
	CacheTTLHours int
}

type HTTPConfig struct {
	UserAgent string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 38528,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Communities: CommunitiesConfig{
			Dir: filepath.Join(configDir(), "communities"),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Sync: SyncConfig{
			Enabled: true,
		},
		Search: SearchConfig{
			DedupThreshold: 0.70,
		},
		FAQ: FAQConfig{
			Provider:         "openrouter",
			ScoreModel:       "anthropic/claude-3.5-haiku",
			Model:            "anthropic/claude-3.5-sonnet",
			QualityThreshold: 0.6,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Mailman: MailmanConfig{
			CacheDir:      defaultCacheDir(),
			CacheTTLHours: 7 * 24,
		},
		HTTP: HTTPConfig{
			UserAgent: "osakb/1.0 (+https://github.com/kalambet/osakb)",
		},
	}
}

// Load reads configuration from the JSON file backend and applies OSA_*
// environment overrides on top. Secrets are only read from the environment.
//
// The backend is a JSON file at $XDG_CONFIG_HOME/osakb/config.json.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
