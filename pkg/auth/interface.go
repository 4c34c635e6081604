package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken      = errors.New("invalid or expired token")
	ErrUnknownRole       = errors.New("unknown role")
	ErrInvalidPermission = errors.New("invalid permission")
)

const Wildcard = "*"

// Identity is an authenticated player or console user.
type Identity struct {
	UserID    string
	Username  string
	Roles     []string
	ExpiresAt time.Time
}

func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Role struct {
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
	Description string   `yaml:"description"`
}

// Permission is a resource:action pair. Either half may be "*".
type Permission struct {
	Resource string
	Action   string
}

// ParsePermission parses "resource:action". A bare resource means every
// action on it.
func ParsePermission(s string) (Permission, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Permission{}, fmt.Errorf("%w: empty", ErrInvalidPermission)
	}
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return Permission{Resource: parts[0], Action: Wildcard}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
		}
		return Permission{Resource: parts[0], Action: parts[1]}, nil
	default:
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}
}

func (p Permission) Matches(resource, action string) bool {
	if p.Resource != Wildcard && p.Resource != resource {
		return false
	}
	return p.Action == Wildcard || p.Action == action
}

func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// TokenVerifier turns a session token into an Identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Authorizer answers role and permission questions about users.
type Authorizer interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
	Authorize(ctx context.Context, userID, resource, action string) (bool, error)
}
