package auth

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Role is a named capability held by accounts.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleScreener      Role = "screener"
	RoleHealthService Role = "health_service"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleScreener, RoleHealthService}

// adminRoleID is the all-zero 32-byte identifier reserved for the admin role.
var adminRoleID = "0x" + strings.Repeat("0", 64)

// ID returns the 32-byte role identifier as 0x-prefixed hex: the zero hash for
// admin and keccak-256 of the upper-case role name otherwise. These are the
// identifiers external role registries and indexers use.
func (r Role) ID() string {
	if r == RoleAdmin {
		return adminRoleID
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.ToUpper(string(r))))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func (r Role) String() string { return string(r) }

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole accepts a role name ("screener", "HEALTH_SERVICE", "health-service")
// or its hex identifier.
func ParseRole(raw string) (Role, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		id := strings.ToLower(raw)
		for _, r := range Roles {
			if r.ID() == id {
				return r, nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, raw)
	}
	name := Role(strings.ReplaceAll(strings.ToLower(raw), "-", "_"))
	if !name.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, raw)
	}
	return name, nil
}

// NormalizeAccount canonicalises an account identifier. Accounts compare
// case-insensitively, like hex addresses.
func NormalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
