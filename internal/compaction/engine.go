// Package compaction folds older session turns into a rolling summary so the
// context handed to the generator stays bounded.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/hooks"
	"github.com/soyeahso/companion/internal/logging"
	"github.com/soyeahso/companion/internal/metrics"
)

// Summarizer condenses turns, merging the previous summary when present.
type Summarizer interface {
	Summarize(ctx context.Context, previous *domain.Summary, turns []domain.Turn) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, previous *domain.Summary, turns []domain.Turn) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, previous *domain.Summary, turns []domain.Turn) (string, error) {
	return f(ctx, previous, turns)
}

// Config holds the compaction policy.
type Config struct {
	Threshold  int           // compact once this many turns are unsummarized
	KeepRecent int           // turns left verbatim after compaction
	Timeout    time.Duration // bound on one summarizer call
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{Threshold: 20, KeepRecent: 10, Timeout: 30 * time.Second}
}

// Validate reports a policy that would not shrink the active context.
func (c Config) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("compaction: threshold must be at least 1, got %d", c.Threshold)
	}
	if c.KeepRecent < 0 || c.KeepRecent >= c.Threshold {
		return fmt.Errorf("compaction: keepRecent must be in [0, %d), got %d", c.Threshold, c.KeepRecent)
	}
	return nil
}

// Result describes one Compact call.
type Result struct {
	Compacted bool
	Summary   *domain.Summary
	Folded    int // turns newly covered by the summary
}

// Engine applies the compaction policy to sessions.
type Engine struct {
	cfg        Config
	summarizer Summarizer
	log        *logging.Logger
	hooks      *hooks.Manager
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *logging.Logger) Option   { return func(e *Engine) { e.log = l.Sub("compaction") } }
func WithHooks(h *hooks.Manager) Option     { return func(e *Engine) { e.hooks = h } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New builds an Engine. It fails when cfg.KeepRecent >= cfg.Threshold.
func New(cfg Config, s Summarizer, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("compaction: nil summarizer")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	e := &Engine{
		cfg:        cfg,
		summarizer: s,
		log:        logging.New(nil, "silent"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine's policy.
func (e *Engine) Config() Config { return e.cfg }

// ShouldCompact reports whether sess has reached the threshold.
func (e *Engine) ShouldCompact(sess *domain.Session) bool {
	return sess.State == domain.StateActive && sess.RawTurnCount() >= e.cfg.Threshold
}

// Compact folds all but the KeepRecent newest raw turns into the summary.
// On failure sess is left exactly as it was and the error wraps
// domain.ErrSummarizationFailure. The caller must hold the session lock.
func (e *Engine) Compact(ctx context.Context, sess *domain.Session) (Result, error) {
	if !e.ShouldCompact(sess) {
		return Result{}, nil
	}
	raw := sess.RawTurns()
	older := slices.Clone(raw[:len(raw)-e.cfg.KeepRecent])
	if len(older) == 0 {
		return Result{}, nil
	}

	if err := sess.Transition(domain.StateCompacting); err != nil {
		return Result{}, err
	}
	var previous *domain.Summary
	if sess.Summary != nil {
		p := *sess.Summary
		previous = &p
	}

	start := time.Now()
	text, err := e.summarize(ctx, previous, older)
	sess.State = domain.StateActive

	log := e.log.WithTenant(sess.TenantID)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty summary")
	}
	if err != nil {
		log.Warn().Err(err).
			Str("session", sess.ID).
			Int("raw_turns", len(raw)).
			Msg("compaction skipped: summarization failed")
		e.metrics.Compaction(metrics.CompactionFailed)
		e.hooks.Emit(ctx, hooks.EventCompactionFailed, sess.TenantID, map[string]any{
			"session": sess.ID,
			"error":   err.Error(),
		})
		return Result{}, fmt.Errorf("%w: %v", domain.ErrSummarizationFailure, err)
	}

	sum := &domain.Summary{
		Text:      strings.TrimSpace(text),
		StartTurn: older[0].Seq,
		EndTurn:   older[len(older)-1].Seq,
		CreatedAt: e.now(),
	}
	if previous != nil {
		sum.StartTurn = previous.StartTurn
	}
	sess.Summary = sum

	log.Info().
		Str("session", sess.ID).
		Int("start_turn", sum.StartTurn).
		Int("end_turn", sum.EndTurn).
		Dur("took", time.Since(start)).
		Msg("session compacted")
	e.metrics.Compaction(metrics.CompactionOK)
	e.hooks.Emit(ctx, hooks.EventCompactionDone, sess.TenantID, map[string]any{
		"session":   sess.ID,
		"startTurn": sum.StartTurn,
		"endTurn":   sum.EndTurn,
	})

	s := *sum
	return Result{Compacted: true, Summary: &s, Folded: len(older)}, nil
}

// summarize bounds the summarizer call by the configured timeout, even when
// the summarizer ignores its context.
func (e *Engine) summarize(ctx context.Context, previous *domain.Summary, turns []domain.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := e.summarizer.Summarize(ctx, previous, turns)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("summarizer: %w", ctx.Err())
	}
}
