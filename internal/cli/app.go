package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/soyeahso/companion/internal/agent"
	"github.com/soyeahso/companion/internal/compaction"
	"github.com/soyeahso/companion/internal/config"
	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/hooks"
	"github.com/soyeahso/companion/internal/llm"
	"github.com/soyeahso/companion/internal/logging"
	"github.com/soyeahso/companion/internal/metrics"
	"github.com/soyeahso/companion/internal/records"
	"github.com/soyeahso/companion/internal/reminder"
	"github.com/soyeahso/companion/internal/session"
	"github.com/soyeahso/companion/internal/store"
)

var errNoProviders = errors.New("no LLM providers configured")

// app holds the wired components shared by the commands.
type app struct {
	cfg      config.Config
	log      *logging.Logger
	loc      *time.Location
	hooks    *hooks.Manager
	metrics  *metrics.Metrics
	sessions store.SessionStore
	manager  *session.Manager
	records  *records.Gateway
	service  *agent.Service
	llm      llm.Client

	closers []io.Closer
}

// loadConfig loads and validates the config file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return cfg, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}
	return cfg, nil
}

// openApp wires the store, sessions, records and the conversational
// service. Without LLM providers the service still serves search, clear and
// record commands; generation fails with errNoProviders.
func openApp(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, loc: time.UTC}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	l, closer, err := logging.Open(logging.Options{
		Level:        level,
		ConsoleStyle: cfg.Logging.ConsoleStyle,
		File:         cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	a.log = l
	a.closers = append(a.closers, closer)

	if tz := cfg.Reminders.Timezone; tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("loading time zone %q: %w", tz, err)
		}
		a.loc = loc
	}

	a.hooks = hooks.NewManager(a.log)
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	recStore, err := a.openStore()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.records = records.NewGateway(recStore, records.WithLogger(a.log), records.WithLocation(a.loc))

	var gen agent.Generator = agent.GeneratorFunc(func(context.Context, string, domain.Context) (string, error) {
		return "", errNoProviders
	})
	var eng *compaction.Engine

	registry := llm.NewRegistryFromConfig(cfg.LLM, a.log)
	if providers := registry.List(); len(providers) > 0 {
		primary := cfg.LLM.Primary
		if primary == "" {
			primary = providers[0]
		}
		a.llm = llm.NewFailoverClient(registry, primary, cfg.LLM.Fallbacks, a.log)

		summarizer := agent.NewLLMSummarizer(a.llm, cfg.Compaction.MaxTokens, cfg.Compaction.Temperature)
		eng, err = compaction.New(compaction.Config{
			Threshold:  cfg.Compaction.Threshold,
			KeepRecent: cfg.Compaction.KeepRecent,
			Timeout:    time.Duration(cfg.Compaction.TimeoutSeconds) * time.Second,
		}, summarizer,
			compaction.WithLogger(a.log),
			compaction.WithHooks(a.hooks),
			compaction.WithMetrics(a.metrics),
		)
		if err != nil {
			a.Close()
			return nil, err
		}
		gen = agent.NewLLMGenerator(agent.GeneratorConfig{
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		}, a.llm, a.records, a.log)
		a.log.Info().Strs("providers", providers).Str("primary", primary).Msg("LLM providers available")
	} else {
		a.log.Warn().Msg("no LLM providers configured; chat is unavailable")
	}

	a.manager = session.NewManager(a.sessions, eng,
		session.WithLogger(a.log),
		session.WithHooks(a.hooks),
		session.WithMetrics(a.metrics),
		session.WithIdleTimeout(time.Duration(cfg.Session.IdleMinutes)*time.Minute),
	)
	a.service = agent.NewService(agent.ServiceConfig{
		GenerationTimeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		MaxMessageLen:     cfg.Gateway.MaxMessageLen,
	}, a.manager, a.sessions, gen,
		agent.WithLogger(a.log),
		agent.WithMetrics(a.metrics),
	)
	return a, nil
}

// openStore sets a.sessions and returns the record store.
func (a *app) openStore() (store.RecordStore, error) {
	if a.cfg.Store.Driver == "memory" {
		a.log.Info().Msg("using in-memory store")
		a.sessions = store.NewMemorySessionStore()
		return store.NewMemoryRecordStore(), nil
	}

	if a.cfg.Store.Path == "" {
		if err := paths.EnsureDirs(); err != nil {
			return nil, fmt.Errorf("creating data directories: %w", err)
		}
	}
	dbPath := paths.DatabasePath(a.cfg.Store)
	db, err := store.Open(dbPath, a.log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.closers = append(a.closers, db)
	a.sessions = store.NewSQLiteSessionStore(db)
	a.log.Info().Str("path", dbPath).Msg("using SQLite store")
	return store.NewSQLiteRecordStore(db), nil
}

// scheduler builds the reminder scheduler over the record gateway.
func (a *app) scheduler() *reminder.Scheduler {
	return reminder.New(a.records,
		reminder.WithLogger(a.log),
		reminder.WithMetrics(a.metrics),
		reminder.WithLocation(a.loc),
		reminder.WithNotifiers(reminder.NewLogNotifier(a.log), reminder.NewHookNotifier(a.hooks)),
	)
}

// Close releases the store and log file in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
