package domain

import (
	"fmt"
	"time"
)

// Role is the closed set of turn authors.
type Role uint8

const (
	// RoleCaller is a turn written by the end user.
	RoleCaller Role = iota + 1
	// RoleGenerator is a turn produced by the generation service.
	RoleGenerator
)

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleGenerator:
		return "generator"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	return r == RoleCaller || r == RoleGenerator
}

// ParseRole maps a wire name to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "caller", "user":
		return RoleCaller, nil
	case "generator", "assistant":
		return RoleGenerator, nil
	default:
		return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: cannot encode %s", ErrInvalidInput, r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Turn is one immutable message in a session.
type Turn struct {
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
