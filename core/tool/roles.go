package tool

import (
	"fmt"
	"strings"
)

// Role is a platform role. Roles are totally ordered.
type Role int

const (
	RoleUnknown Role = iota
	RoleUser
	RoleContributor
	RoleAdmin
	RoleSuperuser
)

var roleNames = map[Role]string{
	RoleUser:        "USER",
	RoleContributor: "CONTRIBUTOR",
	RoleAdmin:       "ADMIN",
	RoleSuperuser:   "SUPERUSER",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool { return r >= min }

// ParseRole accepts the role names case-insensitively.
func ParseRole(s string) (Role, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for role, name := range roleNames {
		if name == s {
			return role, nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Actor is the authenticated caller of a command.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Require fails FORBIDDEN when the actor ranks below min. It never touches
// storage, so callers run it before any read.
func (a Actor) Require(min Role) error {
	if a.UserID == "" {
		return Forbidden("anonymous actor")
	}
	if !a.Role.AtLeast(min) {
		return Forbidden("role %s required, have %s", min, a.Role).With("required_role", min.String())
	}
	return nil
}

// CanMaintain reports whether the actor may edit the tool: admins always,
// everyone else only as owner or maintainer.
func (a Actor) CanMaintain(t *Tool) bool {
	if a.Role.AtLeast(RoleAdmin) {
		return true
	}
	return t.IsMaintainer(a.UserID)
}

// RequireMaintainer is CanMaintain as an error.
func (a Actor) RequireMaintainer(t *Tool) error {
	if !a.CanMaintain(t) {
		return Forbidden("user %s is not a maintainer of tool %s", a.UserID, t.ID)
	}
	return nil
}
