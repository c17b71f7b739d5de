package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- State machine tests ---

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateActive, StateCompacting, true},
		{StateCompacting, StateActive, true},
		{StateActive, StateArchived, true},
		{StateCompacting, StateArchived, false},
		{StateArchived, StateActive, false},
		{StateArchived, StateCompacting, false},
		{StateActive, StateActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			s := &Session{State: tt.from}
			err := s.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, s.State)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				assert.Equal(t, tt.from, s.State)
			}
		})
	}
}

// --- Role tests ---

func TestRoleJSON(t *testing.T) {
	data, err := json.Marshal(Turn{Seq: 1, Role: RoleGenerator, Content: "hi"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"role":"generator"`)

	var turn Turn
	require.NoError(t, json.Unmarshal([]byte(`{"seq":2,"role":"caller","content":"x"}`), &turn))
	assert.Equal(t, RoleCaller, turn.Role)
}

func TestRoleRejectsUnknown(t *testing.T) {
	var turn Turn
	err := json.Unmarshal([]byte(`{"seq":1,"role":"system"}`), &turn)
	assert.Error(t, err)

	_, err = json.Marshal(Turn{Role: Role(9)})
	assert.Error(t, err)
}

func TestParseRoleAliases(t *testing.T) {
	r, err := ParseRole("user")
	require.NoError(t, err)
	assert.Equal(t, RoleCaller, r)

	r, err = ParseRole("assistant")
	require.NoError(t, err)
	assert.Equal(t, RoleGenerator, r)
}

// --- Session tests ---

func sessionWithTurns(n int) *Session {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSession("+100", "s1", now)
	for i := 0; i < n; i++ {
		role := RoleCaller
		if i%2 == 1 {
			role = RoleGenerator
		}
		s.Append(role, "turn", now.Add(time.Duration(i)*time.Minute))
	}
	return s
}

func TestSessionAppend_Sequence(t *testing.T) {
	s := sessionWithTurns(3)
	require.Len(t, s.Turns, 3)
	for i, turn := range s.Turns {
		assert.Equal(t, i+1, turn.Seq)
	}
	assert.Equal(t, 4, s.NextSeq())
	assert.Equal(t, s.Turns[2].CreatedAt, s.UpdatedAt)
}

func TestSessionRawTurns_AfterSummary(t *testing.T) {
	s := sessionWithTurns(6)
	assert.Equal(t, 6, s.RawTurnCount())

	s.Summary = &Summary{Text: "earlier", StartTurn: 1, EndTurn: 4}
	raw := s.RawTurns()
	require.Len(t, raw, 2)
	assert.Equal(t, 5, raw[0].Seq)
	assert.Equal(t, 6, raw[1].Seq)

	ctx := s.Context()
	require.NotNil(t, ctx.Summary)
	assert.Equal(t, "earlier", ctx.Summary.Text)
	assert.Len(t, ctx.Recent, 2)
	// Durable log keeps everything.
	assert.Len(t, s.Turns, 6)
}

func TestSessionRawTurns_FullySummarized(t *testing.T) {
	s := sessionWithTurns(2)
	s.Summary = &Summary{StartTurn: 1, EndTurn: 2}
	assert.Empty(t, s.RawTurns())
	assert.Equal(t, 0, s.RawTurnCount())
}

func TestSessionClone_Independent(t *testing.T) {
	s := sessionWithTurns(2)
	s.Summary = &Summary{Text: "a", StartTurn: 1, EndTurn: 1}

	c := s.Clone()
	c.Append(RoleCaller, "more", time.Now())
	c.Summary.Text = "b"

	assert.Len(t, s.Turns, 2)
	assert.Equal(t, "a", s.Summary.Text)
	assert.Len(t, c.Turns, 3)
}
