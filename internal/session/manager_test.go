package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soyeahso/companion/internal/compaction"
	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/hooks"
	"github.com/soyeahso/companion/internal/logging"
	"github.com/soyeahso/companion/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore fails Put while failing is set.
type flakyStore struct {
	store.SessionStore
	failing atomic.Bool
	puts    atomic.Int32
}

func (f *flakyStore) Put(ctx context.Context, row store.SessionRow) error {
	f.puts.Add(1)
	if f.failing.Load() {
		return fmt.Errorf("disk full: %w", domain.ErrStoreUnavailable)
	}
	return f.SessionStore.Put(ctx, row)
}

type echoSummarizer struct {
	mu  sync.Mutex
	err error
}

func (s *echoSummarizer) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *echoSummarizer) Summarize(_ context.Context, prev *domain.Summary, turns []domain.Turn) (string, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(turns)+1)
	if prev != nil {
		parts = append(parts, prev.Text)
	}
	for _, t := range turns {
		parts = append(parts, t.Content)
	}
	return strings.Join(parts, "; "), nil
}

func newManager(t *testing.T, st store.SessionStore, eng *compaction.Engine, opts ...Option) *Manager {
	t.Helper()
	base := []Option{WithLogger(logging.New(nil, "silent"))}
	return NewManager(st, eng, append(base, opts...)...)
}

func newEngine(t *testing.T, threshold, keep int, s compaction.Summarizer) *compaction.Engine {
	t.Helper()
	e, err := compaction.New(compaction.Config{Threshold: threshold, KeepRecent: keep, Timeout: time.Second}, s)
	require.NoError(t, err)
	return e
}

func seqs(turns []domain.Turn) []int {
	out := make([]int, len(turns))
	for i, t := range turns {
		out[i] = t.Seq
	}
	return out
}

func TestGetOrCreate_New(t *testing.T) {
	st := store.NewMemorySessionStore()
	m := newManager(t, st, nil)
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "+254700000001", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.ID, "+254700000001-"))
	assert.Equal(t, domain.StateActive, sess.State)
	assert.Empty(t, sess.Turns)

	_, err = st.Get(ctx, "+254700000001", sess.ID)
	assert.NoError(t, err, "new session is persisted")

	again, err := m.GetOrCreate(ctx, "+254700000001", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)
}

func TestGetOrCreate_StaleAndForeignIDs(t *testing.T) {
	m := newManager(t, store.NewMemorySessionStore(), nil)
	ctx := context.Background()

	p1, err := m.GetOrCreate(ctx, "p1", "")
	require.NoError(t, err)
	_, err = m.AppendTurn(ctx, p1, domain.RoleCaller, "my secret")
	require.NoError(t, err)

	stale, err := m.GetOrCreate(ctx, "p1", "p1-does-not-exist")
	require.NoError(t, err)
	assert.NotEqual(t, "p1-does-not-exist", stale.ID)
	assert.Empty(t, stale.Turns)

	// Another tenant presenting p1's id gets its own fresh session.
	foreign, err := m.GetOrCreate(ctx, "p2", p1.ID)
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, foreign.ID)
	assert.Equal(t, "p2", foreign.TenantID)
	assert.Empty(t, foreign.Turns)
}

func TestManager_EmptyTenant(t *testing.T) {
	m := newManager(t, store.NewMemorySessionStore(), nil)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "", "")
	assert.ErrorIs(t, err, domain.ErrIsolationViolation)
	_, err = m.Exchange(ctx, "  ", "", func(context.Context, *Tx) error { return nil })
	assert.ErrorIs(t, err, domain.ErrIsolationViolation)
	_, err = m.ArchiveAll(ctx, "")
	assert.ErrorIs(t, err, domain.ErrIsolationViolation)
}

func TestAppendTurn_PersistsAndReloads(t *testing.T) {
	st := store.NewMemorySessionStore()
	m := newManager(t, st, nil)
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "p1", "")
	require.NoError(t, err)
	sess, err = m.AppendTurn(ctx, sess, domain.RoleCaller, "hello")
	require.NoError(t, err)
	sess, err = m.AppendTurn(ctx, sess, domain.RoleGenerator, "hi there")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seqs(sess.Turns))

	// A second manager on the same store loads lazily.
	m2 := newManager(t, st, nil)
	got, err := m2.GetOrCreate(ctx, "p1", sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Turns, 2)
	assert.Equal(t, domain.RoleGenerator, got.Turns[1].Role)
	assert.Equal(t, "hi there", got.Turns[1].Content)

	_, err = m.AppendTurn(ctx, sess, domain.Role(9), "x")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAppendTurn_ReturnedSessionIsACopy(t *testing.T) {
	m := newManager(t, store.NewMemorySessionStore(), nil)
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "p1", "")
	require.NoError(t, err)
	sess, err = m.AppendTurn(ctx, sess, domain.RoleCaller, "original")
	require.NoError(t, err)
	sess.Turns[0].Content = "tampered"

	got, err := m.GetOrCreate(ctx, "p1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Turns[0].Content)
}

func TestAppendTurn_ConcurrentSameSessionIsGapFree(t *testing.T) {
	st := store.NewSQLiteSessionStore(testDB(t))
	m := newManager(t, st, newEngine(t, 1000, 10, &echoSummarizer{}))
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "p1", "")
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AppendTurn(ctx, sess, domain.RoleCaller, fmt.Sprintf("msg %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := m.GetOrCreate(ctx, "p1", sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Turns, n)
	for i, turn := range got.Turns {
		assert.Equal(t, i+1, turn.Seq)
	}

	// The durable copy agrees.
	fresh := newManager(t, st, nil)
	reloaded, err := fresh.GetOrCreate(ctx, "p1", sess.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.Turns, n)
}

func TestManager_ConcurrentTenantsStayIsolated(t *testing.T) {
	st := store.NewMemorySessionStore()
	m := newManager(t, st, newEngine(t, 6, 2, &echoSummarizer{}))
	ctx := context.Background()

	tenants := []string{"t1", "t2", "t3", "t4", "t5"}
	var wg sync.WaitGroup
	for _, tenant := range tenants {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			sess, err := m.GetOrCreate(ctx, tenant, "")
			if !assert.NoError(t, err) {
				return
			}
			for i := 0; i < 15; i++ {
				sess, err = m.AppendTurn(ctx, sess, domain.RoleCaller, tenant+" note")
				if !assert.NoError(t, err) {
					return
				}
			}
		}(tenant)
	}
	wg.Wait()

	for _, tenant := range tenants {
		sessions, err := m.Sessions(ctx, tenant)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		s := sessions[0]
		assert.Equal(t, tenant, s.TenantID)
		for _, turn := range s.Turns {
			assert.Equal(t, tenant+" note", turn.Content)
		}
		require.NotNil(t, s.Summary)
		assert.NotContains(t, strings.ReplaceAll(s.Summary.Text, tenant+" note", ""), "note")
		assert.LessOrEqual(t, s.RawTurnCount(), 6)

		hits, err := st.Search(ctx, tenant, "note", 100)
		require.NoError(t, err)
		for _, h := range hits {
			assert.Contains(t, h.Content, tenant)
		}
	}
}

func TestExchange_FailureLeavesSessionUnchanged(t *testing.T) {
	st := &flakyStore{SessionStore: store.NewMemorySessionStore()}
	m := newManager(t, st, nil)
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "p1", "")
	require.NoError(t, err)
	sess, err = m.AppendTurn(ctx, sess, domain.RoleCaller, "first")
	require.NoError(t, err)
	putsBefore := st.puts.Load()

	boom := errors.New("generator down")
	_, err = m.Exchange(ctx, "p1", sess.ID, func(_ context.Context, tx *Tx) error {
		tx.Append(domain.RoleCaller, "second")
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, putsBefore, st.puts.Load(), "nothing written")

	got, err := m.GetOrCreate(ctx, "p1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, seqs(got.Turns))

	// Retrying succeeds with the next sequence number.
	got, err = m.Exchange(ctx, "p1", sess.ID, func(_ context.Context, tx *Tx) error {
		tx.Append(domain.RoleCaller, "second")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seqs(got.Turns))
}

func TestExchange_StoreFailureKeepsCache(t *testing.T) {
	st := &flakyStore{SessionStore: store.NewMemorySessionStore()}
	m := newManager(t, st, nil)
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "p1", "")
	require.NoError(t, err)
	sess, err = m.AppendTurn(ctx, sess, domain.RoleCaller, "first")
	require.NoError(t, err)

	st.failing.Store(true)
	_, err = m.AppendTurn(ctx, sess, domain.RoleCaller, "lost")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	st.failing.Store(false)
	got, err := m.AppendTurn(ctx, sess, domain.RoleCaller, "retried")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seqs(got.Turns))
	assert.Equal(t, "retried", got.Turns[1].Content)

	// Search sees the retried turn exactly once.
	hits, err := st.Search(ctx, "p1", "retried lost", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 2, hits[0].Seq)
}

func TestExchange_FreshSessionNotPersistedOnFailure(t *testing.T) {
	st := store.NewMemorySessionStore()
	m := newManager(t, st, nil)
	ctx := context.Background()

	_, err := m.Exchange(ctx, "p1", "", func(_ context.Context, tx *Tx) error {
		tx.Append(domain.RoleCaller, "hello")
		return errors.New("no")
	})
	require.Error(t, err)

	ids, err := st.List(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestArchive(t *testing.T) {
	st := store.NewMemorySessionStore()
	h := hooks.NewManager(logging.New(nil, "silent"))
	var archived atomic.Int32
	h.On(hooks.EventSessionArchived, "count", func(context.Context, hooks.Payload) error {
		archived.Add(1)
		return nil
	})
	m := newManager(t, st, nil, WithHooks(h))
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "p1", "")
	require.NoError(t, err)
	sess, err = m.AppendTurn(ctx, sess, domain.RoleCaller, "remember this")
	require.NoError(t, err)

	require.NoError(t, m.Archive(ctx, "p1", sess.ID))
	require.NoError(t, m.Archive(ctx, "p1", sess.ID), "archiving twice is a no-op")
	assert.ErrorIs(t, m.Archive(ctx, "p1", "nope"), domain.ErrNotFound)
	assert.ErrorIs(t, m.Archive(ctx, "p2", sess.ID), domain.ErrNotFound)

	row, err := st.Get(ctx, "p1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateArchived, row.State)

	// Appending to an archived session starts a new one.
	next, err := m.AppendTurn(ctx, sess, domain.RoleCaller, "back again")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, next.ID)
	assert.Equal(t, domain.StateActive, next.State)
	assert.Equal(t, []int{1}, seqs(next.Turns))

	old, err := m.GetOrCreate(ctx, "p1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateArchived, old.State)
	assert.Len(t, old.Turns, 1)

	hits, err := st.Search(ctx, "p1", "remember", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	h.Wait()
	assert.Equal(t, int32(1), archived.Load())
}

func TestArchiveAll(t *testing.T) {
	m := newManager(t, store.NewMemorySessionStore(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.GetOrCreate(ctx, "p1", "")
		require.NoError(t, err)
	}
	other, err := m.GetOrCreate(ctx, "p2", "")
	require.NoError(t, err)

	n, err := m.ArchiveAll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = m.ArchiveAll(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := m.GetOrCreate(ctx, "p2", other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
}

// Threshold 6, keep 2: after the sixth turn the context is the summary of
// 1-4 plus turns 5 and 6.
func TestAppendTurn_Compacts(t *testing.T) {
	st := store.NewMemorySessionStore()
	m := newManager(t, st, newEngine(t, 6, 2, &echoSummarizer{}))
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "p1", "")
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		sess, err = m.AppendTurn(ctx, sess, domain.RoleCaller, fmt.Sprintf("fact%d", i))
		require.NoError(t, err)
	}

	c := m.BuildContext(sess)
	require.NotNil(t, c.Summary)
	assert.Equal(t, 1, c.Summary.StartTurn)
	assert.Equal(t, 4, c.Summary.EndTurn)
	assert.Equal(t, "fact1; fact2; fact3; fact4", c.Summary.Text)
	assert.Equal(t, []int{5, 6}, seqs(c.Recent))
	assert.Len(t, sess.Turns, 6)

	hits, err := st.Search(ctx, "p1", "fact3", 0)
	require.NoError(t, err)
	kinds := map[store.DocKind]bool{}
	for _, h := range hits {
		kinds[h.Kind] = true
	}
	assert.True(t, kinds[store.DocTurn])
	assert.True(t, kinds[store.DocSummary])
}

func TestAppendTurn_CompactionFailureIsNonFatal(t *testing.T) {
	st := store.NewMemorySessionStore()
	sum := &echoSummarizer{}
	sum.fail(errors.New("llm unavailable"))
	m := newManager(t, st, newEngine(t, 6, 2, sum))
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "p1", "")
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		sess, err = m.AppendTurn(ctx, sess, domain.RoleCaller, fmt.Sprintf("fact%d", i))
		require.NoError(t, err)
	}
	assert.Nil(t, sess.Summary)
	assert.Equal(t, 6, sess.RawTurnCount())
	assert.Equal(t, domain.StateActive, sess.State)

	reloaded, err := newManager(t, st, nil).GetOrCreate(ctx, "p1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, seqs(reloaded.Turns))
	assert.Nil(t, reloaded.Summary)

	sum.fail(nil)
	sess, err = m.AppendTurn(ctx, sess, domain.RoleCaller, "fact7")
	require.NoError(t, err)
	require.NotNil(t, sess.Summary)
	assert.Equal(t, 5, sess.Summary.EndTurn)
	assert.Equal(t, []int{6, 7}, seqs(sess.RawTurns()))
}

func TestEvictIdle(t *testing.T) {
	clock := newClock()
	st := store.NewMemorySessionStore()
	m := newManager(t, st, nil, WithClock(clock.Now), WithIdleTimeout(10*time.Minute))
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, "p1", "")
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, "p2", "")
	require.NoError(t, err)
	assert.Equal(t, 2, m.LoadedTenants())

	assert.Zero(t, m.EvictIdle(clock.Now()))

	clock.Advance(5 * time.Minute)
	_, err = m.AppendTurn(ctx, sess, domain.RoleCaller, "still here")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, m.EvictIdle(clock.Now()), "only p2 is idle")
	assert.Equal(t, 1, m.LoadedTenants())

	clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, m.EvictIdle(clock.Now()))
	assert.Zero(t, m.LoadedTenants())

	// Evicted data reloads from the store.
	got, err := m.GetOrCreate(ctx, "p1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "still here", got.Turns[0].Content)
}

func TestManager_RefusesMismatchedPayload(t *testing.T) {
	st := store.NewMemorySessionStore()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, store.SessionRow{
		TenantID:  "p1",
		SessionID: "p1-x",
		State:     domain.StateActive,
		Data:      []byte(`{"id":"p1-x","tenantId":"p2","state":"active"}`),
	}))

	m := newManager(t, st, nil)
	_, err := m.GetOrCreate(ctx, "p1", "p1-x")
	assert.ErrorIs(t, err, domain.ErrIsolationViolation)
}

func TestManager_EmitsHooks(t *testing.T) {
	h := hooks.NewManager(logging.New(nil, "silent"))
	var mu sync.Mutex
	var events []hooks.Event
	for _, ev := range []hooks.Event{hooks.EventSessionCreated, hooks.EventTurnAppended} {
		h.On(ev, "record", func(_ context.Context, p hooks.Payload) error {
			assert.Equal(t, "p1", p.TenantID)
			mu.Lock()
			events = append(events, p.Event)
			mu.Unlock()
			return nil
		})
	}
	m := newManager(t, store.NewMemorySessionStore(), nil, WithHooks(h))
	ctx := context.Background()

	_, err := m.Exchange(ctx, "p1", "", func(_ context.Context, tx *Tx) error {
		tx.Append(domain.RoleCaller, "q")
		tx.Append(domain.RoleGenerator, "a")
		return nil
	})
	require.NoError(t, err)
	h.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []hooks.Event{
		hooks.EventSessionCreated, hooks.EventTurnAppended, hooks.EventTurnAppended,
	}, events)
}

func TestNewID(t *testing.T) {
	a, b := NewID("p1"), NewID("p1")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "p1-"))
	assert.Len(t, a, len("p1-")+26)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:", logging.New(nil, "silent"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// blockingListStore holds List until release is closed, or until the
// context passed to List ends.
type blockingListStore struct {
	store.SessionStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingListStore) List(ctx context.Context, tenantID string) ([]string, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.SessionStore.List(ctx, tenantID)
}

func TestGetOrCreate_CanceledCallerDoesNotFailSharedLoad(t *testing.T) {
	st := &blockingListStore{
		SessionStore: store.NewMemorySessionStore(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	m := newManager(t, st, nil)

	ctx1, cancel := context.WithCancel(context.Background())
	err1 := make(chan error, 1)
	go func() {
		_, err := m.GetOrCreate(ctx1, "P1", "")
		err1 <- err
	}()
	<-st.entered

	err2 := make(chan error, 1)
	go func() {
		_, err := m.GetOrCreate(context.Background(), "P1", "")
		err2 <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the second caller join the load

	cancel()
	select {
	case err := <-err1:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller kept waiting")
	}

	close(st.release)
	select {
	case err := <-err2:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second caller never finished")
	}
	assert.Equal(t, 1, m.LoadedTenants())
}
