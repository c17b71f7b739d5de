package session

import (
	"encoding/json"
	"fmt"

	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/store"
)

// encode builds the store row for sess. Only turns after turnsThrough and a
// summary newer than summaryThrough become new search docs; re-sending them
// would be harmless but wasteful.
func encode(sess *domain.Session, turnsThrough, summaryThrough int) (store.SessionRow, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return store.SessionRow{}, fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}

	row := store.SessionRow{
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		State:     sess.State,
		Data:      data,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	for _, t := range sess.Turns {
		if t.Seq <= turnsThrough {
			continue
		}
		row.Docs = append(row.Docs, store.Document{
			Kind:      store.DocTurn,
			Seq:       t.Seq,
			Role:      t.Role.String(),
			Content:   t.Content,
			CreatedAt: t.CreatedAt,
		})
	}
	if s := sess.Summary; s != nil && s.EndTurn > summaryThrough {
		row.Docs = append(row.Docs, store.Document{
			Kind:      store.DocSummary,
			Seq:       s.EndTurn,
			Content:   s.Text,
			CreatedAt: s.CreatedAt,
		})
	}
	return row, nil
}

// decode parses a row and checks it belongs to the tenant that asked for it.
func decode(tenantID, sessionID string, row store.SessionRow) (*domain.Session, error) {
	if row.TenantID != tenantID {
		return nil, fmt.Errorf("%w: row for session %s belongs to another tenant", domain.ErrIsolationViolation, sessionID)
	}
	var sess domain.Session
	if err := json.Unmarshal(row.Data, &sess); err != nil {
		return nil, fmt.Errorf("%w: decoding session %s: %v", domain.ErrStoreUnavailable, sessionID, err)
	}
	if sess.TenantID != tenantID || sess.ID != sessionID {
		return nil, fmt.Errorf("%w: session %s payload does not match its key", domain.ErrIsolationViolation, sessionID)
	}
	return &sess, nil
}

func lastSeq(sess *domain.Session) int {
	return sess.NextSeq() - 1
}
