package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/companion/internal/domain"
)

// DocKind distinguishes searchable documents.
type DocKind string

const (
	DocTurn    DocKind = "turn"
	DocSummary DocKind = "summary"
)

// DefaultSearchLimit applies when Search is called with limit <= 0.
const DefaultSearchLimit = 20

// Document is a searchable snippet derived from a session. The
// (tenant, session, kind, seq) tuple identifies it; writing the same
// document twice leaves a single copy.
type Document struct {
	Kind      DocKind
	Seq       int
	Role      string
	Content   string
	CreatedAt time.Time
}

// SessionRow is the persisted form of one session.
type SessionRow struct {
	TenantID  string
	SessionID string
	State     domain.State
	Data      []byte // serialized domain.Session
	Docs      []Document
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Hit is a search result.
type Hit struct {
	SessionID string    `json:"sessionId"`
	Kind      DocKind   `json:"kind"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Rank      float64   `json:"rank,omitempty"`
}

// SessionStore is the durable, tenant-partitioned session store.
type SessionStore interface {
	// Put atomically writes the row and inserts any new docs.
	Put(ctx context.Context, row SessionRow) error
	// Get returns the row or an error wrapping domain.ErrNotFound.
	Get(ctx context.Context, tenantID, sessionID string) (SessionRow, error)
	// List returns the tenant's session ids, most recently updated first.
	List(ctx context.Context, tenantID string) ([]string, error)
	Delete(ctx context.Context, tenantID, sessionID string) error
	Search(ctx context.Context, tenantID, query string, limit int) ([]Hit, error)
}

// checkTenant rejects calls that would run without a tenant predicate.
func checkTenant(op, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("store %s: %w: empty tenant id", op, domain.ErrIsolationViolation)
	}
	return nil
}

func checkRow(row SessionRow) error {
	if err := checkTenant("put", row.TenantID); err != nil {
		return err
	}
	if row.SessionID == "" {
		return fmt.Errorf("store put: %w: empty session id", domain.ErrInvalidInput)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("store %s: %w: %v", op, domain.ErrStoreUnavailable, err)
}

// searchTerms splits a free-text query into lower-cased tokens, dropping
// punctuation. It returns nil when nothing searchable remains.
func searchTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r == '\'' || r == '-' || r == '_' || isWordRune(r))
	})
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, "'-_")
		if f != "" {
			terms = append(terms, f)
		}
	}
	return terms
}

func isWordRune(r rune) bool {
	return r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127
}

// ftsQuery quotes every term so user input never reaches FTS5 syntax.
func ftsQuery(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}
