// Package agent exposes the conversational service: message handling on top
// of the session manager, tenant-scoped memory search, and session clearing.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/logging"
	"github.com/soyeahso/companion/internal/metrics"
	"github.com/soyeahso/companion/internal/session"
	"github.com/soyeahso/companion/internal/store"
)

// Defaults for ServiceConfig zero values.
const (
	DefaultGenerationTimeout = 60 * time.Second
	DefaultMaxMessageLen     = 5000
)

// ServiceConfig bounds one HandleMessage call.
type ServiceConfig struct {
	GenerationTimeout time.Duration
	MaxMessageLen     int // runes
}

// Reply is the result of HandleMessage.
type Reply struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int       `json:"seq"`
}

// Snippet is one search result.
type Snippet struct {
	SessionID string        `json:"session_id"`
	Kind      store.DocKind `json:"kind"`
	Seq       int           `json:"seq"`
	Role      string        `json:"role,omitempty"`
	Text      string        `json:"text"`
	CreatedAt time.Time     `json:"created_at"`
}

// Service is the single entry point for conversational traffic.
type Service struct {
	cfg      ServiceConfig
	sessions *session.Manager
	index    store.SessionStore
	gen      Generator
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *logging.Logger) Option   { return func(s *Service) { s.log = l.Sub("agent") } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// NewService wires the service. index serves Search and must be the store
// behind sessions.
func NewService(cfg ServiceConfig, sessions *session.Manager, index store.SessionStore, gen Generator, opts ...Option) *Service {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = DefaultMaxMessageLen
	}
	s := &Service{
		cfg:      cfg,
		sessions: sessions,
		index:    index,
		gen:      gen,
		log:      logging.New(nil, "silent"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkTenant rejects a blank tenant id from the caller. Isolation
// violations are reserved for data that crosses tenants.
func checkTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", domain.ErrInvalidInput)
	}
	return nil
}

// HandleMessage appends the caller's text, generates a reply from the
// bounded context and appends it. Either both turns are persisted or neither.
func (s *Service) HandleMessage(ctx context.Context, tenantID, sessionID, text string) (*Reply, error) {
	if err := checkTenant(tenantID); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty message", domain.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(text); n > s.cfg.MaxMessageLen {
		return nil, fmt.Errorf("%w: message is %d characters, limit %d", domain.ErrInvalidInput, n, s.cfg.MaxMessageLen)
	}

	var reply domain.Turn
	sess, err := s.sessions.Exchange(ctx, tenantID, sessionID, func(ctx context.Context, tx *session.Tx) error {
		tx.Append(domain.RoleCaller, text)
		out, err := s.generate(ctx, tx.TenantID(), tx.Context())
		if err != nil {
			return err
		}
		reply = tx.Append(domain.RoleGenerator, out)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("tenant", tenantID).Str("session", sess.ID).Int("seq", reply.Seq).Msg("reply sent")
	return &Reply{SessionID: sess.ID, Text: reply.Content, Timestamp: reply.CreatedAt, Seq: reply.Seq}, nil
}

// generate bounds one generator call by the configured timeout.
func (s *Service) generate(ctx context.Context, tenantID string, c domain.Context) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := s.gen.Generate(gctx, tenantID, c)
		done <- result{text, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-gctx.Done():
		r.err = gctx.Err()
	}

	switch {
	case r.err == nil && strings.TrimSpace(r.text) == "":
		r.err = errors.New("empty reply")
	case r.err == nil:
		return strings.TrimSpace(r.text), nil
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if errors.Is(r.err, context.DeadlineExceeded) || gctx.Err() != nil {
		s.metrics.GenerationFailed("timeout")
		s.log.Warn().Str("tenant", tenantID).Dur("timeout", s.cfg.GenerationTimeout).Msg("generation timed out")
		return "", fmt.Errorf("%w after %s", domain.ErrGenerationTimeout, s.cfg.GenerationTimeout)
	}
	s.metrics.GenerationFailed("error")
	s.log.Warn().Str("tenant", tenantID).Err(r.err).Msg("generation failed")
	return "", fmt.Errorf("%w: %v", domain.ErrGenerationFailure, r.err)
}

// Search returns the tenant's turns and summaries matching query, best first.
func (s *Service) Search(ctx context.Context, tenantID, query string, limit int) ([]Snippet, error) {
	if err := checkTenant(tenantID); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidInput)
	}

	hits, err := s.index.Search(ctx, tenantID, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Snippet, len(hits))
	for i, h := range hits {
		out[i] = Snippet{
			SessionID: h.SessionID,
			Kind:      h.Kind,
			Seq:       h.Seq,
			Role:      h.Role,
			Text:      h.Content,
			CreatedAt: h.CreatedAt,
		}
	}
	return out, nil
}

// Clear archives one session, or every session of the tenant when sessionID
// is empty. It returns the number of sessions archived.
func (s *Service) Clear(ctx context.Context, tenantID, sessionID string) (int, error) {
	if err := checkTenant(tenantID); err != nil {
		return 0, err
	}
	if sessionID == "" {
		n, err := s.sessions.ArchiveAll(ctx, tenantID)
		if err != nil {
			return n, err
		}
		s.log.Info().Str("tenant", tenantID).Int("sessions", n).Msg("tenant sessions cleared")
		return n, nil
	}
	if err := s.sessions.Archive(ctx, tenantID, sessionID); err != nil {
		return 0, err
	}
	s.log.Info().Str("tenant", tenantID).Str("session", sessionID).Msg("session cleared")
	return 1, nil
}
