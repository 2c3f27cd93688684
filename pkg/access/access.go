package access

import (
	"errors"
	"fmt"
	"strings"
)

// Level is a service grant strength. Levels form a total order:
// Public < Read < Moderate < Admin.
type Level int

const (
	Public Level = iota
	Read
	Moderate
	Admin
)

var levelNames = [...]string{"public", "read", "moderate", "admin"}

func (l Level) String() string {
	if l < Public || l > Admin {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Sufficient reports whether l satisfies the required level.
func (l Level) Sufficient(required Level) bool {
	return l >= required
}

func (l Level) Valid() bool {
	return l >= Public && l <= Admin
}

// ParseLevel accepts the wire spelling of a level, case-insensitive.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "public":
		return Public, nil
	case "read":
		return Read, nil
	case "moderate":
		return Moderate, nil
	case "admin":
		return Admin, nil
	}
	return Public, fmt.Errorf("unknown access level %q", raw)
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid access level %d", int(l))
	}
	return []byte(levelNames[l]), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Grants maps a service name to a service-wide level for one identity.
type Grants map[string]Level

// Sufficient reports whether the grant for service covers required.
// A missing entry never covers anything above Public.
func (g Grants) Sufficient(service string, required Level) bool {
	if required == Public {
		return true
	}
	level, ok := g[service]
	return ok && level.Sufficient(required)
}

// Entry is one per-entity grant: identity to level.
type Entry struct {
	IdentityID string `json:"identityId"`
	Level      Level  `json:"level"`
}

// ACL is the per-entity grant list. Application code treats it as a map
// keyed by identity id; the first matching entry wins.
type ACL []Entry

func (a ACL) Level(identityID string) (Level, bool) {
	for _, e := range a {
		if e.IdentityID == identityID {
			return e.Level, true
		}
	}
	return Public, false
}

// Grant returns a copy of the ACL with identityID set to level,
// replacing any existing entry.
func (a ACL) Grant(identityID string, level Level) ACL {
	out := make(ACL, 0, len(a)+1)
	replaced := false
	for _, e := range a {
		if e.IdentityID == identityID {
			out = append(out, Entry{IdentityID: identityID, Level: level})
			replaced = true
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, Entry{IdentityID: identityID, Level: level})
	}
	return out
}

// Revoke returns a copy of the ACL without identityID.
func (a ACL) Revoke(identityID string) ACL {
	out := make(ACL, 0, len(a))
	for _, e := range a {
		if e.IdentityID != identityID {
			out = append(out, e)
		}
	}
	return out
}

// Deny reasons. These are the only failures the access pipeline produces;
// anything else a handler returns is its own business error.
var (
	ErrAuthenticationRequired  = errors.New("authentication required")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrNotFoundOrDenied        = errors.New("not found or access denied")
)

// ReasonCode maps a deny error to its audit/metrics code.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return "AUTH_REQUIRED"
	case errors.Is(err, ErrInsufficientPermissions):
		return "INSUFFICIENT_PERMISSIONS"
	case errors.Is(err, ErrNotFoundOrDenied):
		return "NOT_FOUND_OR_DENIED"
	}
	return "HANDLER_ERROR"
}
