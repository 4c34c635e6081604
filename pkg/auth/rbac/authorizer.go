package rbac

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"modhost/pkg/auth"
)

// Authorizer is an in-memory role store. A user's effective roles are the
// roles assigned here plus the roles carried by the identity in the request
// context when it belongs to the same user.
type Authorizer struct {
	roles       map[string]*auth.Role
	permissions map[string][]auth.Permission
	userRoles   map[string][]string
	mu          sync.RWMutex
}

func NewAuthorizer() *Authorizer {
	return &Authorizer{
		roles:       make(map[string]*auth.Role),
		permissions: make(map[string][]auth.Permission),
		userRoles:   make(map[string][]string),
	}
}

// AddRole adds or replaces a role.
func (r *Authorizer) AddRole(role *auth.Role) error {
	name := strings.TrimSpace(role.Name)
	if name == "" {
		return fmt.Errorf("%w: role name is required", auth.ErrUnknownRole)
	}

	parsed := make([]auth.Permission, 0, len(role.Permissions))
	for _, perm := range role.Permissions {
		p, err := auth.ParsePermission(perm)
		if err != nil {
			return fmt.Errorf("role %s: %w", name, err)
		}
		parsed = append(parsed, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.roles[name] = role
	r.permissions[name] = parsed
	return nil
}

func (r *Authorizer) AssignRole(userID string, roleName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.roles[roleName]; !ok {
		return fmt.Errorf("%w: %s", auth.ErrUnknownRole, roleName)
	}
	for _, existing := range r.userRoles[userID] {
		if existing == roleName {
			return nil
		}
	}
	r.userRoles[userID] = append(r.userRoles[userID], roleName)
	return nil
}

// RevokeRole removes an assignment and reports whether it existed.
func (r *Authorizer) RevokeRole(userID string, roleName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	roles := r.userRoles[userID]
	for i, existing := range roles {
		if existing == roleName {
			r.userRoles[userID] = append(roles[:i:i], roles[i+1:]...)
			if len(r.userRoles[userID]) == 0 {
				delete(r.userRoles, userID)
			}
			return true
		}
	}
	return false
}

// RolesOf returns the roles assigned to userID, sorted.
func (r *Authorizer) RolesOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := append([]string(nil), r.userRoles[userID]...)
	sort.Strings(roles)
	return roles
}

func (r *Authorizer) HasRole(ctx context.Context, userID, role string) (bool, error) {
	for _, name := range r.effectiveRoles(ctx, userID) {
		if name == role {
			return true, nil
		}
	}
	return false, nil
}

func (r *Authorizer) Authorize(ctx context.Context, userID, resource, action string) (bool, error) {
	roles := r.effectiveRoles(ctx, userID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range roles {
		for _, perm := range r.permissions[name] {
			if perm.Matches(resource, action) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Permissions lists the distinct permissions granted to userID.
func (r *Authorizer) Permissions(ctx context.Context, userID string) []auth.Permission {
	roles := r.effectiveRoles(ctx, userID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[auth.Permission]bool)
	var out []auth.Permission
	for _, name := range roles {
		for _, perm := range r.permissions[name] {
			if !seen[perm] {
				seen[perm] = true
				out = append(out, perm)
			}
		}
	}
	return out
}

func (r *Authorizer) effectiveRoles(ctx context.Context, userID string) []string {
	r.mu.RLock()
	roles := append([]string(nil), r.userRoles[userID]...)
	r.mu.RUnlock()

	if id, ok := auth.IdentityFrom(ctx); ok && id.UserID == userID {
		for _, role := range id.Roles {
			if !contains(roles, role) {
				roles = append(roles, role)
			}
		}
	}
	return roles
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// RolesFile is the YAML layout read by LoadFile.
type RolesFile struct {
	Roles       []auth.Role         `yaml:"roles"`
	Assignments map[string][]string `yaml:"assignments"`
}

// LoadFile adds the roles and assignments of a YAML roles file.
func (r *Authorizer) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read roles file: %w", err)
	}

	var file RolesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse roles file %s: %w", path, err)
	}

	for i := range file.Roles {
		role := file.Roles[i]
		if err := r.AddRole(&role); err != nil {
			return err
		}
	}
	users := make([]string, 0, len(file.Assignments))
	for user := range file.Assignments {
		users = append(users, user)
	}
	sort.Strings(users)
	for _, user := range users {
		for _, role := range file.Assignments[user] {
			if err := r.AssignRole(user, role); err != nil {
				return fmt.Errorf("assignment for %s: %w", user, err)
			}
		}
	}
	return nil
}
