package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/companion/internal/compaction"
	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/logging"
	"github.com/soyeahso/companion/internal/session"
	"github.com/soyeahso/companion/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

// echo replies with the last caller turn and records every context it saw.
type echo struct {
	mu       sync.Mutex
	contexts []domain.Context
}

func (e *echo) Generate(_ context.Context, _ string, c domain.Context) (string, error) {
	e.mu.Lock()
	e.contexts = append(e.contexts, c)
	e.mu.Unlock()
	return "echo: " + c.Recent[len(c.Recent)-1].Content, nil
}

func (e *echo) last() domain.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contexts[len(e.contexts)-1]
}

func newService(t *testing.T, gen Generator, eng *compaction.Engine, cfg ServiceConfig) (*Service, *session.Manager, store.SessionStore) {
	t.Helper()
	st := store.NewMemorySessionStore()
	mgr := session.NewManager(st, eng, session.WithLogger(silentLog()))
	return NewService(cfg, mgr, st, gen, WithLogger(silentLog())), mgr, st
}

func TestHandleMessage_CreatesAndContinues(t *testing.T) {
	gen := &echo{}
	svc, mgr, _ := newService(t, gen, nil, ServiceConfig{})
	ctx := context.Background()

	first, err := svc.HandleMessage(ctx, "+2348000000001", "", "  Hello, I am Amina  ")
	require.NoError(t, err)
	assert.NotEmpty(t, first.SessionID)
	assert.Equal(t, "echo: Hello, I am Amina", first.Text)
	assert.Equal(t, 2, first.Seq)
	assert.False(t, first.Timestamp.IsZero())

	second, err := svc.HandleMessage(ctx, "+2348000000001", first.SessionID, "My LMP was 2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 4, second.Seq)

	c := gen.last()
	require.Len(t, c.Recent, 3)
	assert.Equal(t, "Hello, I am Amina", c.Recent[0].Content)
	assert.Equal(t, domain.RoleGenerator, c.Recent[1].Role)

	sessions, err := mgr.Sessions(ctx, "+2348000000001")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Len(t, sessions[0].Turns, 4)
}

func TestHandleMessage_Validation(t *testing.T) {
	svc, _, _ := newService(t, &echo{}, nil, ServiceConfig{MaxMessageLen: 10})
	ctx := context.Background()

	_, err := svc.HandleMessage(ctx, " ", "", "hi")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.NotErrorIs(t, err, domain.ErrIsolationViolation)

	_, err = svc.HandleMessage(ctx, "p1", "", "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.HandleMessage(ctx, "p1", "", strings.Repeat("a", 11))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// Runes, not bytes.
	_, err = svc.HandleMessage(ctx, "p1", "", strings.Repeat("é", 10))
	assert.NoError(t, err)
}

func TestHandleMessage_TimeoutAppendsNothing(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// Ignores its context entirely.
	stuck := GeneratorFunc(func(context.Context, string, domain.Context) (string, error) {
		<-release
		return "too late", nil
	})
	svc, mgr, _ := newService(t, stuck, nil, ServiceConfig{GenerationTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := svc.HandleMessage(ctx, "p1", "", "hello")
	assert.ErrorIs(t, err, domain.ErrGenerationTimeout)

	sessions, err := mgr.Sessions(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestHandleMessage_FailureLeavesSessionUnchanged(t *testing.T) {
	fail := false
	gen := GeneratorFunc(func(_ context.Context, _ string, c domain.Context) (string, error) {
		if fail {
			return "", errors.New("provider down")
		}
		return "ok", nil
	})
	svc, mgr, _ := newService(t, gen, nil, ServiceConfig{})
	ctx := context.Background()

	reply, err := svc.HandleMessage(ctx, "p1", "", "first")
	require.NoError(t, err)

	fail = true
	_, err = svc.HandleMessage(ctx, "p1", reply.SessionID, "second")
	assert.ErrorIs(t, err, domain.ErrGenerationFailure)
	assert.NotErrorIs(t, err, domain.ErrGenerationTimeout)

	sess, err := mgr.GetOrCreate(ctx, "p1", reply.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 2)
}

func TestHandleMessage_EmptyReplyIsFailure(t *testing.T) {
	gen := GeneratorFunc(func(context.Context, string, domain.Context) (string, error) { return "  ", nil })
	svc, _, _ := newService(t, gen, nil, ServiceConfig{})

	_, err := svc.HandleMessage(context.Background(), "p1", "", "hello")
	assert.ErrorIs(t, err, domain.ErrGenerationFailure)
}

func TestHandleMessage_CallerCancel(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, _ string, _ domain.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	svc, _, _ := newService(t, gen, nil, ServiceConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := svc.HandleMessage(ctx, "p1", "", "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandleMessage_CompactsAndBoundsContext(t *testing.T) {
	summarizer := compaction.SummarizerFunc(func(_ context.Context, prev *domain.Summary, turns []domain.Turn) (string, error) {
		return fmt.Sprintf("summary through %d", turns[len(turns)-1].Seq), nil
	})
	eng, err := compaction.New(compaction.Config{Threshold: 4, KeepRecent: 2}, summarizer)
	require.NoError(t, err)

	gen := &echo{}
	svc, _, _ := newService(t, gen, eng, ServiceConfig{})
	ctx := context.Background()

	var sid string
	for i := 1; i <= 5; i++ {
		reply, err := svc.HandleMessage(ctx, "p1", sid, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
		sid = reply.SessionID

		c := gen.last()
		assert.LessOrEqual(t, len(c.Recent), 4, "call %d", i)
	}

	c := gen.last()
	require.NotNil(t, c.Summary)
	assert.Equal(t, 1, c.Summary.StartTurn)
	assert.Contains(t, c.Summary.Text, "summary through")
}

func TestSearch_TenantScoped(t *testing.T) {
	svc, _, _ := newService(t, &echo{}, nil, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.HandleMessage(ctx, "tenant-a", "", "my blood pressure was high")
	require.NoError(t, err)
	_, err = svc.HandleMessage(ctx, "tenant-b", "", "feeling fine today")
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "tenant-a", "pressure", 0)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Contains(t, h.Text, "pressure")
	}

	hits, err = svc.Search(ctx, "tenant-b", "pressure", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = svc.Search(ctx, "", "pressure", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.Search(ctx, "tenant-a", " ", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClear(t *testing.T) {
	svc, _, _ := newService(t, &echo{}, nil, ServiceConfig{})
	ctx := context.Background()

	a, err := svc.HandleMessage(ctx, "p1", "", "swollen feet")
	require.NoError(t, err)
	b, err := svc.HandleMessage(ctx, "p1", "", "headache again")
	require.NoError(t, err)
	require.NotEqual(t, a.SessionID, b.SessionID)

	n, err := svc.Clear(ctx, "p1", a.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := svc.Search(ctx, "p1", "swollen", 0)
	require.NoError(t, err)
	assert.Empty(t, hits, "archived sessions are not searchable")

	// Writing to an archived session starts a new one.
	next, err := svc.HandleMessage(ctx, "p1", a.SessionID, "still swollen")
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionID, next.SessionID)

	n, err = svc.Clear(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = svc.Clear(ctx, "p1", "p1-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.Clear(ctx, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
