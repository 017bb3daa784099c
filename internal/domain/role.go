package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Role is a capability an identity can hold.
type Role string

// Known roles. OWNER is the default-admin set once at initialization;
// it carries the ADMIN capability implicitly.
const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleSigner Role = "SIGNER"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleOwner, RoleAdmin, RoleSigner}

// ParseRole parses a role name, case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// ID returns the 32-byte role identifier used by access-control clients:
// keccak256 of "<ROLE>_ROLE". The owner maps to the all-zero default-admin role.
func (r Role) ID() [32]byte {
	if r == RoleOwner {
		return [32]byte{}
	}
	return crypto.Keccak256Hash([]byte(string(r) + "_ROLE"))
}
