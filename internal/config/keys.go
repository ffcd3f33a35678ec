package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OSA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OSA_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "communities.dir", typ: kString, env: "OSA_COMMUNITIES_DIR",
		apply:   func(cfg *Config, v any) { cfg.Communities.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Communities.Dir },
	},
	{
		key: "log.level", typ: kString, env: "OSA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "OSA_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "log.max_size_mb", typ: kInt, env: "OSA_LOG_MAX_SIZE_MB",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxSizeMB },
	},
	{
		key: "log.max_backups", typ: kInt, env: "OSA_LOG_MAX_BACKUPS",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxBackups = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxBackups },
	},
	{
		key: "sync.enabled", typ: kBool, env: "OSA_SYNC_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Sync.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.Enabled },
	},
	{
		key: "github.token", typ: kString, env: "GITHUB_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.GitHub.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.GitHub.Token },
	},
	{
		key: "semantic_scholar.api_key", typ: kString, env: "OSA_SEMANTIC_SCHOLAR_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Papers.SemanticScholarAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Papers.SemanticScholarAPIKey },
	},
	{
		key: "pubmed.api_key", typ: kString, env: "OSA_PUBMED_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Papers.PubMedAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Papers.PubMedAPIKey },
	},
	{
		key: "openalex.api_key", typ: kString, env: "OSA_OPENALEX_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Papers.OpenAlexAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Papers.OpenAlexAPIKey },
	},
	{
		key: "openalex.email", typ: kString, env: "OSA_OPENALEX_EMAIL",
		apply:   func(cfg *Config, v any) { cfg.Papers.OpenAlexEmail = v.(string) },
		extract: func(cfg Config) any { return cfg.Papers.OpenAlexEmail },
	},
	{
		key: "search.dedup_threshold", typ: kFloat, env: "OSA_SEARCH_DEDUP_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Search.DedupThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.DedupThreshold },
	},
	{
		key: "search.min_token_length", typ: kInt, env: "OSA_SEARCH_MIN_TOKEN_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Search.MinTokenLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MinTokenLength },
	},
	{
		key: "faq.provider", typ: kString, env: "OSA_FAQ_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.FAQ.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.FAQ.Provider },
	},
	{
		key: "faq.score_model", typ: kString, env: "OSA_FAQ_SCORE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.FAQ.ScoreModel = v.(string) },
		extract: func(cfg Config) any { return cfg.FAQ.ScoreModel },
	},
	{
		key: "faq.model", typ: kString, env: "OSA_FAQ_MODEL",
		apply:   func(cfg *Config, v any) { cfg.FAQ.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.FAQ.Model },
	},
	{
		key: "faq.quality_threshold", typ: kFloat, env: "OSA_FAQ_QUALITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.FAQ.QualityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.FAQ.QualityThreshold },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "OSA_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.FAQ.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.FAQ.OpenRouterAPIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "OSA_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "mailman.cache_dir", typ: kString, env: "OSA_MAILMAN_CACHE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Mailman.CacheDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Mailman.CacheDir },
	},
	{
		key: "mailman.cache_ttl_hours", typ: kInt, env: "OSA_MAILMAN_CACHE_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Mailman.CacheTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Mailman.CacheTTLHours },
	},
	{
		key: "http.user_agent", typ: kString, env: "OSA_HTTP_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.HTTP.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.HTTP.UserAgent },
	},
	{
		key: "api.token", typ: kString, env: "OSA_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Search.DedupThreshold <= 0 || cfg.Search.DedupThreshold > 1 {
		return fmt.Errorf("invalid config: search.dedup_threshold must be in (0, 1], got %v", cfg.Search.DedupThreshold)
	}
	if cfg.Search.MinTokenLength < 0 {
		return fmt.Errorf("invalid config: search.min_token_length must be >= 0, got %d", cfg.Search.MinTokenLength)
	}
	switch cfg.FAQ.Provider {
	case "openrouter", "ollama":
	default:
		return fmt.Errorf("invalid config: faq.provider must be openrouter or ollama, got %q", cfg.FAQ.Provider)
	}
	if cfg.FAQ.QualityThreshold < 0 || cfg.FAQ.QualityThreshold > 1 {
		return fmt.Errorf("invalid config: faq.quality_threshold must be in [0, 1], got %v", cfg.FAQ.QualityThreshold)
	}
	return nil
}
