package session

import (
	"time"

	"github.com/soyeahso/companion/internal/domain"
)

// Tx is the working copy of one session inside Exchange. Nothing done
// through it is visible outside until Exchange commits.
type Tx struct {
	sess     *domain.Session
	now      func() time.Time
	appended []domain.Turn
}

func (tx *Tx) SessionID() string { return tx.sess.ID }
func (tx *Tx) TenantID() string  { return tx.sess.TenantID }

// Append adds a turn with the next sequence number.
func (tx *Tx) Append(role domain.Role, content string) domain.Turn {
	t := tx.sess.Append(role, content, tx.now())
	tx.appended = append(tx.appended, t)
	return t
}

// Context returns the generation context of the working copy.
func (tx *Tx) Context() domain.Context {
	return tx.sess.Context()
}
