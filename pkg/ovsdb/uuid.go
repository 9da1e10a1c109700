package ovsdb

import (
	"encoding/json"
	"fmt"
	"regexp"

	guuid "github.com/google/uuid"
)

const (
	uuidTag      = "uuid"
	namedUUIDTag = "named-uuid"
)

// RFC 7047 section 3.1: <id> is [a-zA-Z_][a-zA-Z0-9_]*
var namedUUIDPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// UUID is an OVSDB row identifier. A resolved UUID carries the server
// assigned identifier; a named UUID is a transaction scoped placeholder
// for a row inserted earlier in the same transaction.
type UUID struct {
	GoUUID string
	Named  bool
}

// NamedUUID returns a named-uuid placeholder
func NamedUUID(name string) UUID {
	return UUID{GoUUID: name, Named: true}
}

// ParseUUID returns a resolved UUID after validating its textual form
func ParseUUID(s string) (UUID, error) {
	if _, err := guuid.Parse(s); err != nil {
		return UUID{}, fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return UUID{GoUUID: s}, nil
}

// ValidNamedUUID reports whether name may be used as a named-uuid
func ValidNamedUUID(name string) bool {
	return namedUUIDPattern.MatchString(name)
}

// IsZero reports whether the UUID is unset
func (u UUID) IsZero() bool {
	return u.GoUUID == ""
}

func (u UUID) String() string {
	if u.Named {
		return namedUUIDTag + ":" + u.GoUUID
	}
	return u.GoUUID
}

// MarshalJSON encodes the UUID as ["uuid", <id>] or ["named-uuid", <name>]
func (u UUID) MarshalJSON() ([]byte, error) {
	tag := uuidTag
	if u.Named {
		tag = namedUUIDTag
	}
	return json.Marshal([]string{tag, u.GoUUID})
}

// UnmarshalJSON decodes a tagged 2-element UUID array
func (u *UUID) UnmarshalJSON(b []byte) error {
	var pair []string
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("uuid is not a 2-element string array: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("uuid must have 2 elements, got %d", len(pair))
	}
	switch pair[0] {
	case uuidTag:
		u.GoUUID = pair[1]
		u.Named = false
	case namedUUIDTag:
		u.GoUUID = pair[1]
		u.Named = true
	default:
		return fmt.Errorf("unexpected uuid tag %q", pair[0])
	}
	return nil
}
