package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kalambet/osakb/internal/community"
	"github.com/kalambet/osakb/internal/config"
	"github.com/kalambet/osakb/internal/connector"
	"github.com/kalambet/osakb/internal/faq"
	"github.com/kalambet/osakb/internal/knowledge"
	"github.com/kalambet/osakb/internal/llm"
	"github.com/kalambet/osakb/internal/orchestrator"
	"github.com/kalambet/osakb/internal/storage"
)

// setupLogging installs the default slog logger. With log.file set, records
// also go to a size-rotated file. The returned closer flushes that file.
func setupLogging(cfg config.LogConfig) io.Closer {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey {
				return a
			}
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= orchestrator.LevelCritical {
				a.Value = slog.StringValue("CRITICAL")
			}
			return a
		},
	})))
	return closer
}

// app holds what serve and sync share: the registry, the knowledge databases,
// the control store and an orchestrator wired to every connector.
type app struct {
	cfg      config.Config
	registry *community.Registry
	dbs      *knowledge.Manager
	store    *storage.Store
	orch     *orchestrator.Orchestrator
	chat     llm.Chatter
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	registry, err := community.Load(cfg.Communities.Dir)
	if err != nil {
		return nil, fmt.Errorf("loading communities: %w", err)
	}
	if registry.Len() == 0 {
		slog.Warn("no communities configured", "dir", cfg.Communities.Dir)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a := &app{
		cfg:      cfg,
		registry: registry,
		dbs:      knowledge.NewManager(cfg.Storage.DataDir),
		store:    store,
	}
	src := a.sources(ctx)
	a.orch = orchestrator.New(registry, a.dbs, src, store)
	return a, nil
}

func (a *app) sources(ctx context.Context) orchestrator.Sources {
	cfg := a.cfg
	fetch := connector.NewFetcher(cfg.HTTP.UserAgent, 0)
	ghFetch := connector.AuthorizedFetcher(ctx, fetch, cfg.GitHub.Token)

	src := orchestrator.Sources{
		GitHub: connector.NewGitHub(connector.NewLister(ctx, ghFetch, cfg.GitHub.Token)),
		Papers: connector.NewPapers(fetch, connector.PaperKeys{
			OpenAlexKey:        cfg.Papers.OpenAlexAPIKey,
			OpenAlexEmail:      cfg.Papers.OpenAlexEmail,
			SemanticScholarKey: cfg.Papers.SemanticScholarAPIKey,
			PubMedKey:          cfg.Papers.PubMedAPIKey,
		}),
		Docstrings: connector.NewDocstrings(ghFetch),
		Mailman:    connector.NewMailman(fetch, cfg.Mailman.CacheDir, time.Duration(cfg.Mailman.CacheTTLHours)*time.Hour),
		Discourse:  connector.NewDiscourse(fetch),
		BEPs:       connector.NewBEPs(ghFetch),
	}

	chat, err := llm.New(cfg.FAQ.Provider, cfg.FAQ.OpenRouterAPIKey, cfg.Ollama.BaseURL)
	if err != nil {
		slog.Warn("faq generation disabled", "error", err)
		return src
	}
	a.chat = chat
	src.FAQ = faqFactory(chat, cfg.FAQ)
	return src
}

// faqFactory builds a summarizer per community so a community's own quality
// threshold and thread cap win over the global ones.
func faqFactory(chat llm.Chatter, cfg config.FAQConfig) func(community.Community) orchestrator.FAQSummarizer {
	return func(c community.Community) orchestrator.FAQSummarizer {
		threshold := cfg.QualityThreshold
		if c.FAQ.QualityThreshold > 0 {
			threshold = c.FAQ.QualityThreshold
		}
		return faq.New(chat, faq.Options{
			ScoreModel:       cfg.ScoreModel,
			Model:            cfg.Model,
			QualityThreshold: threshold,
			MaxThreads:       c.FAQ.MaxThreads,
		})
	}
}

// ensureModels pulls missing Ollama models when Ollama is the FAQ provider.
func (a *app) ensureModels(ctx context.Context) error {
	o, ok := a.chat.(*llm.Ollama)
	if !ok {
		return nil
	}
	return llm.EnsureModels(ctx, o, []string{a.cfg.FAQ.ScoreModel, a.cfg.FAQ.Model}, os.Stderr)
}

func (a *app) Close() error {
	return errors.Join(a.dbs.Close(), a.store.Close())
}
