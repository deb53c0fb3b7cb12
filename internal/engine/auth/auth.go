// Package auth checks role permissions from the rbac section of
// watchkeeper.yml. Identity itself is established by the caller (HTTP
// middleware or CLI flags); this package only answers "may this role do X".
package auth

import (
	"fmt"

	"watchkeeper/internal/config"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Role       string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s lacks permission %s", e.Role, e.Permission)
}

// Actor is the validated (user, role, vessel) triple every operation runs as.
type Actor struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	VesselID string `json:"vessel_id"`
}

func (a Actor) Valid() bool {
	return a.UserID != "" && a.Role != "" && a.VesselID != ""
}

// Service resolves permissions from config.
type Service struct {
	Config *config.Config
}

func (s Service) Permissions(role string) []string {
	return s.Config.RolePermissions(role)
}

func (s Service) Can(a Actor, perm string) bool {
	for _, p := range s.Permissions(a.Role) {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless the actor's role grants perm.
func (s Service) Require(a Actor, perm string) error {
	if !s.Can(a, perm) {
		return ForbiddenError{Role: a.Role, Permission: perm}
	}
	return nil
}
