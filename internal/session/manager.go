// Package session owns session lifecycle: lazy per-tenant loading, turn
// appends under a per-session lock, compaction and persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/soyeahso/companion/internal/compaction"
	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/hooks"
	"github.com/soyeahso/companion/internal/logging"
	"github.com/soyeahso/companion/internal/metrics"
	"github.com/soyeahso/companion/internal/store"
)

const (
	// DefaultIdleTimeout is how long an unused tenant arena stays loaded.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultLoadTimeout bounds the shared load of a tenant's session ids.
	DefaultLoadTimeout = 10 * time.Second
)

// Manager is the sole writer of session rows.
type Manager struct {
	store   store.SessionStore
	engine  *compaction.Engine
	log     *logging.Logger
	hooks   *hooks.Manager
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func(tenantID string) string
	idle    time.Duration

	loadTimeout time.Duration

	loads  singleflight.Group
	mu     sync.Mutex
	arenas map[string]*arena
}

// arena holds one tenant's sessions. Nothing outside it refers to them.
type arena struct {
	tenantID string
	refs     int       // guarded by Manager.mu
	lastUsed time.Time // guarded by Manager.mu

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is one session slot. Its mutex serializes appends and compaction.
type entry struct {
	mu   sync.Mutex
	sess *domain.Session // nil until loaded

	turnsPersisted   int
	summaryPersisted int
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *logging.Logger) Option    { return func(m *Manager) { m.log = l.Sub("session") } }
func WithHooks(h *hooks.Manager) Option      { return func(m *Manager) { m.hooks = h } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithClock(now func() time.Time) Option  { return func(m *Manager) { m.now = now } }

// WithIdleTimeout sets how long an unused tenant arena is kept.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idle = d
		}
	}
}

// WithIDGenerator overrides session id synthesis.
func WithIDGenerator(fn func(tenantID string) string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewID returns a tenant-scoped, time-ordered session id.
func NewID(tenantID string) string {
	return tenantID + "-" + ulid.Make().String()
}

// NewManager creates a session manager. A nil engine disables compaction.
func NewManager(st store.SessionStore, eng *compaction.Engine, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		engine: eng,
		log:    logging.New(nil, "silent"),
		now:    time.Now,
		newID:  NewID,
		idle:   DefaultIdleTimeout,
		arenas: make(map[string]*arena),

		loadTimeout: DefaultLoadTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func checkTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: empty tenant id", domain.ErrIsolationViolation)
	}
	return nil
}

// acquire returns the tenant's arena, loading its session ids on first use.
// Concurrent first uses share one store.List call.
func (m *Manager) acquire(ctx context.Context, tenantID string) (*arena, error) {
	if err := checkTenant(tenantID); err != nil {
		return nil, err
	}
	for {
		m.mu.Lock()
		if a, ok := m.arenas[tenantID]; ok {
			a.refs++
			a.lastUsed = m.now()
			m.mu.Unlock()
			return a, nil
		}
		m.mu.Unlock()

		// The load is detached from any one caller's cancellation; each
		// caller stops waiting when its own ctx ends.
		ch := m.loads.DoChan(tenantID, func() (any, error) {
			loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.loadTimeout)
			defer cancel()
			ids, err := m.store.List(loadCtx, tenantID)
			if err != nil {
				return nil, err
			}
			a := &arena{tenantID: tenantID, entries: make(map[string]*entry, len(ids))}
			for _, id := range ids {
				a.entries[id] = &entry{}
			}

			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.arenas[tenantID]; !ok {
				a.lastUsed = m.now()
				m.arenas[tenantID] = a
				m.metrics.SetLoadedTenants(len(m.arenas))
				m.log.Debug().Str("tenant", tenantID).Int("sessions", len(ids)).Msg("tenant arena loaded")
			}
			return nil, nil
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// The arena is installed now; loop to take a reference. It may have
		// been evicted in between, in which case it is loaded again.
	}
}

func (m *Manager) release(a *arena) {
	m.mu.Lock()
	a.refs--
	a.lastUsed = m.now()
	m.mu.Unlock()
}

func (a *arena) lookup(id string) *entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[id]
}

func (a *arena) register(id string, e *entry) {
	a.mu.Lock()
	a.entries[id] = e
	a.mu.Unlock()
}

func (a *arena) ids() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, id)
	}
	return ids
}

// load fills e from the store. The caller holds e.mu.
func (m *Manager) load(ctx context.Context, tenantID, id string, e *entry) error {
	if e.sess != nil {
		return nil
	}
	row, err := m.store.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	sess, err := decode(tenantID, id, row)
	if err != nil {
		m.log.Error().Err(err).Str("tenant", tenantID).Str("session", id).Msg("refusing to load session")
		return err
	}
	e.sess = sess
	e.turnsPersisted = lastSeq(sess)
	e.summaryPersisted = sess.SummarizedThrough()
	return nil
}

// persist writes work and, on success, makes it the cached session.
// The caller holds e.mu.
func (m *Manager) persist(ctx context.Context, e *entry, work *domain.Session) error {
	row, err := encode(work, e.turnsPersisted, e.summaryPersisted)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, row); err != nil {
		return err
	}
	e.sess = work
	e.turnsPersisted = lastSeq(work)
	e.summaryPersisted = work.SummarizedThrough()
	return nil
}

// create persists a fresh active session and registers it in the arena.
func (m *Manager) create(ctx context.Context, a *arena) (*domain.Session, error) {
	sess := domain.NewSession(a.tenantID, m.newID(a.tenantID), m.now())
	e := &entry{}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.persist(ctx, e, sess); err != nil {
		return nil, err
	}
	a.register(sess.ID, e)
	m.created(ctx, sess)
	return sess.Clone(), nil
}

func (m *Manager) created(ctx context.Context, sess *domain.Session) {
	m.log.Info().Str("tenant", sess.TenantID).Str("session", sess.ID).Msg("session created")
	m.hooks.EmitAsync(ctx, hooks.EventSessionCreated, sess.TenantID, map[string]any{"session": sess.ID})
}

// GetOrCreate loads sessionID for tenantID. An empty id, or one the tenant
// does not own, yields a fresh active session with a new id.
// Unlike Exchange, the fresh session is written immediately.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID, sessionID string) (*domain.Session, error) {
	a, err := m.acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer m.release(a)

	if sessionID != "" {
		if e := a.lookup(sessionID); e != nil {
			e.mu.Lock()
			err := m.load(ctx, tenantID, sessionID, e)
			var sess *domain.Session
			if err == nil {
				sess = e.sess.Clone()
			}
			e.mu.Unlock()
			if err == nil {
				return sess, nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, err
			}
		}
		m.log.Debug().Str("tenant", tenantID).Str("session", sessionID).Msg("unknown session id, creating fresh")
	}
	return m.create(ctx, a)
}

// BuildContext returns the summary and the turns after it. It reads sess only.
func (m *Manager) BuildContext(sess *domain.Session) domain.Context {
	return sess.Context()
}

// AppendTurn appends one turn, compacts if the threshold is reached and
// persists. Appending to an archived or unknown session starts a fresh one;
// the returned session carries the id actually written.
func (m *Manager) AppendTurn(ctx context.Context, sess *domain.Session, role domain.Role, content string) (*domain.Session, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %s", domain.ErrInvalidInput, role)
	}
	return m.Exchange(ctx, sess.TenantID, sess.ID, func(_ context.Context, tx *Tx) error {
		tx.Append(role, content)
		return nil
	})
}

// Exchange runs fn against a working copy of the session under its lock.
// If fn fails nothing is written and the session is unchanged. Otherwise
// the copy is compacted, persisted and becomes the current session.
func (m *Manager) Exchange(ctx context.Context, tenantID, sessionID string, fn func(ctx context.Context, tx *Tx) error) (*domain.Session, error) {
	a, err := m.acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer m.release(a)

	e, fresh, err := m.resolve(ctx, a, sessionID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	tx := &Tx{sess: e.sess.Clone(), now: m.now}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	work := tx.sess

	if m.engine != nil {
		if _, err := m.engine.Compact(ctx, work); err != nil {
			m.log.Debug().Err(err).Str("tenant", tenantID).Str("session", work.ID).Msg("continuing uncompacted")
		}
	}

	if err := m.persist(ctx, e, work); err != nil {
		return nil, err
	}

	if fresh {
		a.register(work.ID, e)
		m.created(ctx, work)
	}
	for _, t := range tx.appended {
		m.metrics.TurnAppended(t.Role.String())
		m.hooks.EmitAsync(ctx, hooks.EventTurnAppended, tenantID, map[string]any{
			"session": work.ID,
			"seq":     t.Seq,
			"role":    t.Role.String(),
		})
	}
	return work.Clone(), nil
}

// resolve returns the locked entry for sessionID. Unknown ids and archived
// sessions resolve to an unregistered entry holding a new session.
func (m *Manager) resolve(ctx context.Context, a *arena, sessionID string) (*entry, bool, error) {
	if sessionID != "" {
		if e := a.lookup(sessionID); e != nil {
			e.mu.Lock()
			err := m.load(ctx, a.tenantID, sessionID, e)
			switch {
			case err == nil && e.sess.State != domain.StateArchived:
				return e, false, nil
			case err != nil && !errors.Is(err, domain.ErrNotFound):
				e.mu.Unlock()
				return nil, false, err
			}
			e.mu.Unlock()
		}
	}

	e := &entry{sess: domain.NewSession(a.tenantID, m.newID(a.tenantID), m.now())}
	e.mu.Lock()
	return e, true, nil
}

// Archive moves one session to the terminal archived state.
func (m *Manager) Archive(ctx context.Context, tenantID, sessionID string) error {
	a, err := m.acquire(ctx, tenantID)
	if err != nil {
		return err
	}
	defer m.release(a)

	e := a.lookup(sessionID)
	if e == nil {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	_, err = m.archive(ctx, a, sessionID, e)
	return err
}

// ArchiveAll archives every active session of the tenant and returns how
// many changed state.
func (m *Manager) ArchiveAll(ctx context.Context, tenantID string) (int, error) {
	a, err := m.acquire(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	defer m.release(a)

	n := 0
	for _, id := range a.ids() {
		changed, err := m.archive(ctx, a, id, a.lookup(id))
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (m *Manager) archive(ctx context.Context, a *arena, id string, e *entry) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.load(ctx, a.tenantID, id, e); err != nil {
		return false, err
	}
	if e.sess.State == domain.StateArchived {
		return false, nil
	}
	work := e.sess.Clone()
	if err := work.Transition(domain.StateArchived); err != nil {
		return false, err
	}
	work.UpdatedAt = m.now()
	if err := m.persist(ctx, e, work); err != nil {
		return false, err
	}

	m.log.Info().Str("tenant", a.tenantID).Str("session", id).Msg("session archived")
	m.hooks.EmitAsync(ctx, hooks.EventSessionArchived, a.tenantID, map[string]any{"session": id})
	return true, nil
}

// Sessions returns the tenant's sessions, most recently updated first.
func (m *Manager) Sessions(ctx context.Context, tenantID string) ([]*domain.Session, error) {
	a, err := m.acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer m.release(a)

	var out []*domain.Session
	for _, id := range a.ids() {
		e := a.lookup(id)
		e.mu.Lock()
		err := m.load(ctx, tenantID, id, e)
		if err == nil {
			out = append(out, e.sess.Clone())
		}
		e.mu.Unlock()
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// EvictIdle drops arenas unused since now minus the idle timeout and
// returns how many were dropped. Arenas with operations in flight stay.
func (m *Manager) EvictIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for tenantID, a := range m.arenas {
		if a.refs == 0 && now.Sub(a.lastUsed) >= m.idle {
			delete(m.arenas, tenantID)
			n++
		}
	}
	if n > 0 {
		m.metrics.SetLoadedTenants(len(m.arenas))
		m.log.Debug().Int("evicted", n).Int("loaded", len(m.arenas)).Msg("evicted idle tenant arenas")
	}
	return n
}

// LoadedTenants returns how many tenant arenas are in memory.
func (m *Manager) LoadedTenants() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.arenas)
}

// Run evicts idle arenas periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle(m.now())
		}
	}
}
