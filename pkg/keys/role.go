package keys

import (
	"fmt"
	"strings"
)

// Role is a capability tag bound to a public key in the authorization table.
type Role int32

const (
	RoleAdministrator Role = iota
	RoleCarrier
	RoleOracle
	RoleRouter
	RolePcs
	RoleBanning
)

var roleNames = map[Role]string{
	RoleAdministrator: "administrator",
	RoleCarrier:       "carrier",
	RoleOracle:        "oracle",
	RoleRouter:        "router",
	RolePcs:           "pcs",
	RoleBanning:       "banning",
}

// Roles lists every known role in declaration order.
func Roles() []Role {
	return []Role{RoleAdministrator, RoleCarrier, RoleOracle, RoleRouter, RolePcs, RoleBanning}
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int32(r))
}

func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	for role, name := range roleNames {
		if name == s {
			return role, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("unknown role %d", int32(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
