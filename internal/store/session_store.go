package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/companion/internal/domain"
)

// SQLiteSessionStore implements SessionStore backed by SQLite.
type SQLiteSessionStore struct {
	db *DB
}

// NewSQLiteSessionStore creates a session store using the given database.
func NewSQLiteSessionStore(db *DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{db: db}
}

// Put upserts the session row and inserts its docs in one transaction.
func (s *SQLiteSessionStore) Put(ctx context.Context, row SessionRow) error {
	if err := checkRow(row); err != nil {
		return err
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = row.UpdatedAt
	}

	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (tenant_id, session_id, state, data, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(tenant_id, session_id) DO UPDATE SET
			   state = excluded.state,
			   data = excluded.data,
			   updated_at = excluded.updated_at`,
			row.TenantID, row.SessionID, string(row.State), string(row.Data),
			formatTime(row.CreatedAt), formatTime(row.UpdatedAt),
		); err != nil {
			return err
		}

		if len(row.Docs) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO session_docs (tenant_id, session_id, kind, seq, role, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, d := range row.Docs {
			if _, err := stmt.ExecContext(ctx,
				row.TenantID, row.SessionID, string(d.Kind), d.Seq, d.Role, d.Content, formatTime(d.CreatedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.db.log.Error().Err(err).Str("tenant", row.TenantID).Str("session", row.SessionID).Msg("failed to put session")
		return unavailable("put", err)
	}
	return nil
}

// Get returns a session row scoped to tenantID.
func (s *SQLiteSessionStore) Get(ctx context.Context, tenantID, sessionID string) (SessionRow, error) {
	if err := checkTenant("get", tenantID); err != nil {
		return SessionRow{}, err
	}

	row := SessionRow{TenantID: tenantID, SessionID: sessionID}
	var state, data, createdAt, updatedAt string
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT state, data, created_at, updated_at
		 FROM sessions WHERE tenant_id = ? AND session_id = ?`, tenantID, sessionID,
	).Scan(&state, &data, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return SessionRow{}, unavailable("get", err)
	}

	row.State = domain.State(state)
	row.Data = []byte(data)
	row.CreatedAt = parseTime(createdAt)
	row.UpdatedAt = parseTime(updatedAt)
	return row, nil
}

// List returns the tenant's session ids, most recently updated first.
func (s *SQLiteSessionStore) List(ctx context.Context, tenantID string) ([]string, error) {
	if err := checkTenant("list", tenantID); err != nil {
		return nil, err
	}

	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE tenant_id = ? ORDER BY updated_at DESC`, tenantID)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("list", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return ids, nil
}

// Delete hard-deletes a session and its docs. Missing sessions are not an error.
func (s *SQLiteSessionStore) Delete(ctx context.Context, tenantID, sessionID string) error {
	if err := checkTenant("delete", tenantID); err != nil {
		return err
	}
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM session_docs WHERE tenant_id = ? AND session_id = ?`, tenantID, sessionID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE tenant_id = ? AND session_id = ?`, tenantID, sessionID)
		return err
	})
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Search finds turn and summary docs matching query using FTS5, restricted
// to tenantID and to sessions that are not archived. Limit of 0 defaults to 20.
func (s *SQLiteSessionStore) Search(ctx context.Context, tenantID, query string, limit int) ([]Hit, error) {
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

	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT d.session_id, d.kind, d.seq, d.role, d.content, d.created_at, session_docs_fts.rank
		 FROM session_docs_fts
		 JOIN session_docs d ON d.id = session_docs_fts.rowid
		 JOIN sessions s ON s.tenant_id = d.tenant_id AND s.session_id = d.session_id
		 WHERE session_docs_fts MATCH ?
		   AND d.tenant_id = ?
		   AND s.state != ?
		 ORDER BY session_docs_fts.rank
		 LIMIT ?`,
		ftsQuery(terms), tenantID, string(domain.StateArchived), limit,
	)
	if err != nil {
		return nil, unavailable("search", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var kind, createdAt string
		if err := rows.Scan(&h.SessionID, &kind, &h.Seq, &h.Role, &h.Content, &createdAt, &h.Rank); err != nil {
			return nil, unavailable("search", err)
		}
		h.Kind = DocKind(kind)
		h.CreatedAt = parseTime(createdAt)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("search", err)
	}
	return hits, nil
}
