// Package auth implements credentials, the token ledger and the
// authorization gate used by every protected endpoint.
//
// Tokens are opaque random values stored as ledger rows. Each row carries a
// structured type "<role>:<login-kind>:<owner-fingerprint>":
//   - role: auth_access (short-lived, authorizes requests) or auth_refresh
//     (long-lived, only mints new access tokens)
//   - login kind: web (browser admin), dev (development bypass), device
//     (a status-reporting agent)
//   - owner fingerprint: SHA-256 of the login kind for admin sessions, or of
//     the device id (or login device_uid) otherwise
//
// Tokens are issued in access+refresh pairs. Logging in again as the same
// identity revokes every earlier token for that fingerprint, so at most one
// session per identity is live. Expiry is checked lazily on read.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Role is a token's functional class.
type Role string

const (
	RoleAccess  Role = "auth_access"
	RoleRefresh Role = "auth_refresh"
)

// Kind is the login kind of a session.
type Kind string

const (
	KindWeb    Kind = "web"
	KindDev    Kind = "dev"
	KindDevice Kind = "device"
)

// AdminKinds are the login kinds allowed to act on any device.
var AdminKinds = []Kind{KindWeb, KindDev}

// AllKinds lists every login kind.
var AllKinds = []Kind{KindWeb, KindDev, KindDevice}

// TokenType is the parsed form of the ledger's type column.
type TokenType struct {
	Role  Role
	Kind  Kind // empty for legacy two-part rows
	Owner string
}

// String encodes the type in its persisted form.
func (t TokenType) String() string {
	if t.Kind == "" {
		return string(t.Role) + ":" + t.Owner
	}
	return string(t.Role) + ":" + string(t.Kind) + ":" + t.Owner
}

// ParseTokenType decodes a persisted type string.
// Three or more parts are role, kind (everything in the middle) and owner;
// two parts are role and owner; a bare role has no owner.
func ParseTokenType(s string) (TokenType, error) {
	if s == "" {
		return TokenType{}, fmt.Errorf("empty token type")
	}
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return TokenType{Role: Role(parts[0])}, nil
	case 2:
		return TokenType{Role: Role(parts[0]), Owner: parts[1]}, nil
	default:
		return TokenType{
			Role:  Role(parts[0]),
			Kind:  Kind(strings.Join(parts[1:len(parts)-1], ":")),
			Owner: parts[len(parts)-1],
		}, nil
	}
}

// Fingerprint is the owner fingerprint of a stable identifier.
func Fingerprint(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

// ownerPatterns returns LIKE patterns matching rows of the given roles owned
// by owner, in both the three-part and the legacy two-part layout.
func ownerPatterns(owner string, roles ...Role) []string {
	patterns := make([]string, 0, len(roles)*2)
	for _, r := range roles {
		patterns = append(patterns, string(r)+":%:"+owner, string(r)+":"+owner)
	}
	return patterns
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}
