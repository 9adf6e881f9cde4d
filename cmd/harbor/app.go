package cli

import (
	"fmt"

	"github.com/harborlabs/harbor/internal/compaction"
	"github.com/harborlabs/harbor/internal/config"
	"github.com/harborlabs/harbor/internal/contextwindow"
	"github.com/harborlabs/harbor/internal/db"
	"github.com/harborlabs/harbor/internal/limits"
	"github.com/harborlabs/harbor/internal/llm"
	"github.com/harborlabs/harbor/internal/logging"
	"github.com/harborlabs/harbor/internal/tokens"
)

// app bundles the wired components the commands share.
type app struct {
	cfg       *config.Config
	store     *db.Store
	messages  *db.MessageStore
	registry  *limits.Registry
	estimator tokens.Estimator
	tracker   *tokens.Tracker
	compactor *compaction.Service
	manager   *contextwindow.Manager
}

// openApp wires everything from config. The caller owns Close.
func openApp(cfg *config.Config) (*app, error) {
	store, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	messages := db.NewMessageStore(store)

	registry := limits.NewRegistry()
	if path := cfg.OverridesPath(); path != "" {
		if err := registry.LoadOverrides(path); err != nil {
			store.Close()
			return nil, fmt.Errorf("load limits overrides: %w", err)
		}
		if err := registry.Watch(path); err != nil {
			logging.Default().Warn("limits override watch unavailable", "error", err)
		}
	}

	estimator := tokens.Estimator{CharsPerToken: cfg.CharsPerToken}
	tracker := tokens.NewTracker(estimator, messages, messages)

	summarizer, err := buildSummarizer(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	compactor := compaction.NewService(messages, summarizer, registry, estimator, nil)
	manager := contextwindow.NewManager(tracker, registry, compactor, nil)

	return &app{
		cfg:       cfg,
		store:     store,
		messages:  messages,
		registry:  registry,
		estimator: estimator,
		tracker:   tracker,
		compactor: compactor,
		manager:   manager,
	}, nil
}

func (a *app) Close() {
	a.registry.StopWatching()
	a.store.Close()
}

func buildSummarizer(cfg *config.Config) (compaction.Summarizer, error) {
	sc := cfg.Summarizer
	switch sc.Provider {
	case "openai", "":
		return llm.NewOpenAISummarizer(sc.APIKey, sc.Model, sc.MaxTokens), nil
	case "anthropic":
		return llm.NewAnthropicSummarizer(sc.APIKey, sc.Model, sc.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", sc.Provider)
	}
}
