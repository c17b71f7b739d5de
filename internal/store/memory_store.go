package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soyeahso/companion/internal/domain"
)

type docKey struct {
	kind DocKind
	seq  int
}

type memSession struct {
	row  SessionRow
	docs map[docKey]Document
}

// MemorySessionStore is an in-process SessionStore partitioned by tenant.
type MemorySessionStore struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*memSession
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{tenants: make(map[string]map[string]*memSession)}
}

func (m *MemorySessionStore) Put(_ context.Context, row SessionRow) error {
	if err := checkRow(row); err != nil {
		return err
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := m.tenants[row.TenantID]
	if sessions == nil {
		sessions = make(map[string]*memSession)
		m.tenants[row.TenantID] = sessions
	}
	ms := sessions[row.SessionID]
	if ms == nil {
		ms = &memSession{docs: make(map[docKey]Document)}
		sessions[row.SessionID] = ms
		if row.CreatedAt.IsZero() {
			row.CreatedAt = row.UpdatedAt
		}
	} else {
		row.CreatedAt = ms.row.CreatedAt
	}

	for _, d := range row.Docs {
		k := docKey{d.Kind, d.Seq}
		if _, ok := ms.docs[k]; !ok {
			ms.docs[k] = d
		}
	}
	row.Data = slices.Clone(row.Data)
	row.Docs = nil
	ms.row = row
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, tenantID, sessionID string) (SessionRow, error) {
	if err := checkTenant("get", tenantID); err != nil {
		return SessionRow{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.tenants[tenantID][sessionID]
	if !ok {
		return SessionRow{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	row := ms.row
	row.Data = slices.Clone(ms.row.Data)
	return row, nil
}

func (m *MemorySessionStore) List(_ context.Context, tenantID string) ([]string, error) {
	if err := checkTenant("list", tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]SessionRow, 0, len(m.tenants[tenantID]))
	for _, ms := range m.tenants[tenantID] {
		rows = append(rows, ms.row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt.After(rows[j].UpdatedAt) })

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.SessionID
	}
	return ids, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, tenantID, sessionID string) error {
	if err := checkTenant("delete", tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants[tenantID], sessionID)
	return nil
}

// Search matches docs containing any query term. Hits are ordered by the
// number of matching terms, then recency.
func (m *MemorySessionStore) Search(_ context.Context, tenantID, query string, limit int) ([]Hit, error) {
	if err := checkTenant("search", tenantID); err != nil {
		return nil, err
	}
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for id, ms := range m.tenants[tenantID] {
		if ms.row.State == domain.StateArchived {
			continue
		}
		for _, d := range ms.docs {
			content := strings.ToLower(d.Content)
			score := 0
			for _, t := range terms {
				if strings.Contains(content, t) {
					score++
				}
			}
			if score == 0 {
				continue
			}
			hits = append(hits, Hit{
				SessionID: id,
				Kind:      d.Kind,
				Seq:       d.Seq,
				Role:      d.Role,
				Content:   d.Content,
				CreatedAt: d.CreatedAt,
				Rank:      -float64(score),
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Rank != hits[j].Rank {
			return hits[i].Rank < hits[j].Rank
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
