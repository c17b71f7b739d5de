package domain

import (
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive     State = "active"
	StateCompacting State = "compacting"
	StateArchived   State = "archived"
)

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateActive:     {StateCompacting, StateArchived},
	StateCompacting: {StateActive},
	StateArchived:   {},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Summary is a synopsis of archived turns StartTurn..EndTurn (inclusive).
type Summary struct {
	Text      string    `json:"text"`
	StartTurn int       `json:"startTurn"`
	EndTurn   int       `json:"endTurn"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is one conversation thread belonging to exactly one tenant.
// Turns holds the full durable log, including turns already covered by Summary.
type Session struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	State     State     `json:"state"`
	Turns     []Turn    `json:"turns,omitempty"`
	Summary   *Summary  `json:"summary,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewSession returns an empty active session.
func NewSession(tenantID, id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		TenantID:  tenantID,
		State:     StateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the session to next or returns ErrInvalidTransition.
func (s *Session) Transition(next State) error {
	if !s.State.CanTransition(next) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s.State, next)
	}
	s.State = next
	return nil
}

// NextSeq returns the sequence number the next appended turn will get.
func (s *Session) NextSeq() int {
	if len(s.Turns) == 0 {
		return 1
	}
	return s.Turns[len(s.Turns)-1].Seq + 1
}

// Append adds a turn with the next sequence number and returns it.
func (s *Session) Append(role Role, content string, now time.Time) Turn {
	t := Turn{
		Seq:       s.NextSeq(),
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
	s.Turns = append(s.Turns, t)
	s.UpdatedAt = now
	return t
}

// SummarizedThrough is the last turn covered by the active summary, or 0.
func (s *Session) SummarizedThrough() int {
	if s.Summary == nil {
		return 0
	}
	return s.Summary.EndTurn
}

// RawTurns returns the turns not yet covered by the active summary.
func (s *Session) RawTurns() []Turn {
	end := s.SummarizedThrough()
	for i, t := range s.Turns {
		if t.Seq > end {
			return s.Turns[i:]
		}
	}
	return nil
}

// RawTurnCount is total turns minus the end turn of the latest summary.
func (s *Session) RawTurnCount() int {
	return len(s.RawTurns())
}

// Context is the bounded view handed to the generator.
type Context struct {
	Summary *Summary `json:"summary,omitempty"`
	Recent  []Turn   `json:"recent"`
}

// Context derives the generation context from this session alone.
func (s *Session) Context() Context {
	var c Context
	if s.Summary != nil {
		sum := *s.Summary
		c.Summary = &sum
	}
	c.Recent = slices.Clone(s.RawTurns())
	return c
}

// Clone returns a deep copy. Turns are immutable values so a slice copy suffices.
func (s *Session) Clone() *Session {
	c := *s
	c.Turns = slices.Clone(s.Turns)
	if s.Summary != nil {
		sum := *s.Summary
		c.Summary = &sum
	}
	return &c
}
