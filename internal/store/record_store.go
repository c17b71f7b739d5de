package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/soyeahso/companion/internal/domain"
)

// RecordRow is an opaque tenant record keyed by the tenant's external key.
type RecordRow struct {
	TenantID  string
	Status    string
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordStore persists one record per tenant.
type RecordStore interface {
	GetRecord(ctx context.Context, tenantID string) (RecordRow, error)
	PutRecord(ctx context.Context, row RecordRow) error
	// ListRecords returns records with the given status, or all when status is empty.
	ListRecords(ctx context.Context, status string) ([]RecordRow, error)
	DeleteRecord(ctx context.Context, tenantID string) error
}

// SQLiteRecordStore implements RecordStore on the tenant_records table.
type SQLiteRecordStore struct {
	db *DB
}

func NewSQLiteRecordStore(db *DB) *SQLiteRecordStore {
	return &SQLiteRecordStore{db: db}
}

func (s *SQLiteRecordStore) GetRecord(ctx context.Context, tenantID string) (RecordRow, error) {
	if err := checkTenant("get record", tenantID); err != nil {
		return RecordRow{}, err
	}
	row := RecordRow{TenantID: tenantID}
	var data, createdAt, updatedAt string
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT status, data, created_at, updated_at FROM tenant_records WHERE tenant_id = ?`, tenantID,
	).Scan(&row.Status, &data, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RecordRow{}, fmt.Errorf("record %s: %w", tenantID, domain.ErrNotFound)
	}
	if err != nil {
		return RecordRow{}, unavailable("get record", err)
	}
	row.Data = []byte(data)
	row.CreatedAt = parseTime(createdAt)
	row.UpdatedAt = parseTime(updatedAt)
	return row, nil
}

func (s *SQLiteRecordStore) PutRecord(ctx context.Context, row RecordRow) error {
	if err := checkTenant("put record", row.TenantID); err != nil {
		return err
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = row.UpdatedAt
	}
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO tenant_records (tenant_id, status, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   status = excluded.status,
		   data = excluded.data,
		   updated_at = excluded.updated_at`,
		row.TenantID, row.Status, string(row.Data), formatTime(row.CreatedAt), formatTime(row.UpdatedAt),
	)
	if err != nil {
		return unavailable("put record", err)
	}
	return nil
}

func (s *SQLiteRecordStore) ListRecords(ctx context.Context, status string) ([]RecordRow, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.sql.QueryContext(ctx,
			`SELECT tenant_id, status, data, created_at, updated_at
			 FROM tenant_records WHERE status = ? ORDER BY updated_at DESC`, status)
	} else {
		rows, err = s.db.sql.QueryContext(ctx,
			`SELECT tenant_id, status, data, created_at, updated_at
			 FROM tenant_records ORDER BY updated_at DESC`)
	}
	if err != nil {
		return nil, unavailable("list records", err)
	}
	defer rows.Close()

	var out []RecordRow
	for rows.Next() {
		var r RecordRow
		var data, createdAt, updatedAt string
		if err := rows.Scan(&r.TenantID, &r.Status, &data, &createdAt, &updatedAt); err != nil {
			return nil, unavailable("list records", err)
		}
		r.Data = []byte(data)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list records", err)
	}
	return out, nil
}

func (s *SQLiteRecordStore) DeleteRecord(ctx context.Context, tenantID string) error {
	if err := checkTenant("delete record", tenantID); err != nil {
		return err
	}
	res, err := s.db.sql.ExecContext(ctx, `DELETE FROM tenant_records WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return unavailable("delete record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", tenantID, domain.ErrNotFound)
	}
	return nil
}

// MemoryRecordStore is an in-process RecordStore.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]RecordRow
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]RecordRow)}
}

func (m *MemoryRecordStore) GetRecord(_ context.Context, tenantID string) (RecordRow, error) {
	if err := checkTenant("get record", tenantID); err != nil {
		return RecordRow{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[tenantID]
	if !ok {
		return RecordRow{}, fmt.Errorf("record %s: %w", tenantID, domain.ErrNotFound)
	}
	r.Data = slices.Clone(r.Data)
	return r, nil
}

func (m *MemoryRecordStore) PutRecord(_ context.Context, row RecordRow) error {
	if err := checkTenant("put record", row.TenantID); err != nil {
		return err
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.records[row.TenantID]; ok {
		row.CreatedAt = prev.CreatedAt
	} else if row.CreatedAt.IsZero() {
		row.CreatedAt = row.UpdatedAt
	}
	row.Data = slices.Clone(row.Data)
	m.records[row.TenantID] = row
	return nil
}

func (m *MemoryRecordStore) ListRecords(_ context.Context, status string) ([]RecordRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RecordRow
	for _, r := range m.records {
		if status != "" && r.Status != status {
			continue
		}
		r.Data = slices.Clone(r.Data)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryRecordStore) DeleteRecord(_ context.Context, tenantID string) error {
	if err := checkTenant("delete record", tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[tenantID]; !ok {
		return fmt.Errorf("record %s: %w", tenantID, domain.ErrNotFound)
	}
	delete(m.records, tenantID)
	return nil
}
