package model

import (
	"encoding/json"
	"fmt"

	"github.com/synergy-labs/envelope/pkg/apperr"
)

// AccessLevel is a point on the totally ordered access lattice.
type AccessLevel uint8

const (
	LevelNone AccessLevel = iota
	LevelRead
	LevelModify
	LevelAdmin
)

func (l AccessLevel) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelRead:
		return "READ"
	case LevelModify:
		return "MODIFY"
	case LevelAdmin:
		return "ADMIN"
	default:
		return fmt.Sprintf("AccessLevel(%d)", uint8(l))
	}
}

// Valid reports whether l is one of the four defined levels.
func (l AccessLevel) Valid() bool { return l <= LevelAdmin }

// AtLeast reports whether l grants everything other grants.
func (l AccessLevel) AtLeast(other AccessLevel) bool { return l >= other }

// ParseAccessLevel converts a wire integer into a level.
func ParseAccessLevel(n int64) (AccessLevel, error) {
	if n < int64(LevelNone) || n > int64(LevelAdmin) {
		return LevelNone, apperr.New(apperr.KindBadRequest, "invalid access level %d", n)
	}
	return AccessLevel(n), nil
}

// ParseAccessLevelName accepts NONE, READ, MODIFY or ADMIN in any case, or
// the numeric form.
func ParseAccessLevelName(s string) (AccessLevel, error) {
	switch s {
	case "none", "NONE", "0":
		return LevelNone, nil
	case "read", "READ", "1":
		return LevelRead, nil
	case "modify", "MODIFY", "2":
		return LevelModify, nil
	case "admin", "ADMIN", "3":
		return LevelAdmin, nil
	}
	return LevelNone, apperr.New(apperr.KindBadRequest, "invalid access level %q", s)
}

// UnmarshalJSON accepts only the integers 0 through 3.
func (l *AccessLevel) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "access level must be an integer")
	}
	parsed, err := ParseAccessLevel(n)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
