// Package api wraps backend endpoints that need an authenticated session
// but are not part of the session lifecycle itself.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudinventory/assistant/internal/session"
)

// Roles accepted by the backend.
const (
	RoleAdmin   = "Admin"
	RoleMonitor = "Monitor"
)

const (
	minUsernameLength = 3
	minPasswordLength = 8
)

// ErrForbidden is returned when the current user lacks the role an
// operation needs.
var ErrForbidden = errors.New("operation requires the Admin role")

// Requester performs authenticated JSON requests.
type Requester interface {
	Do(ctx context.Context, method, endpoint string, body, result any) error
	User() *session.UserIdentity
}

// Client calls the backend's user management endpoints.
type Client struct {
	session Requester
}

// NewClient creates a client on top of an authenticated session.
func NewClient(s Requester) *Client {
	return &Client{session: s}
}

type SignupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Validate applies the backend's signup rules locally.
func (r *SignupRequest) Validate() error {
	r.Username = strings.TrimSpace(r.Username)
	if len(r.Username) < minUsernameLength {
		return fmt.Errorf("username must be at least %d characters long", minUsernameLength)
	}
	if len(r.Password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", minPasswordLength)
	}
	switch r.Role {
	case "":
		r.Role = RoleMonitor
	case RoleAdmin, RoleMonitor:
	default:
		return fmt.Errorf("unknown role %q", r.Role)
	}
	return nil
}

type SignupResponse struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	UserInfo map[string]any `json:"user_info,omitempty"`
}

type User struct {
	Username     string `json:"username"`
	Role         string `json:"role"`
	AuthProvider string `json:"auth_provider,omitempty"`
	Email        string `json:"email,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	LastLogin    string `json:"last_login,omitempty"`
}

type UserList struct {
	Success    bool   `json:"success"`
	Users      []User `json:"users"`
	TotalCount int    `json:"total_count"`
}

// CanManageUsers reports whether u may create and list users.
func CanManageUsers(u *session.UserIdentity) bool {
	return u != nil && u.Role == RoleAdmin
}

// Signup creates a user account. Only admins may do this.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (*SignupResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !CanManageUsers(c.session.User()) {
		return nil, ErrForbidden
	}

	var res SignupResponse
	if err := c.session.Do(ctx, "POST", "/auth/signup", req, &res); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &res, nil
}

// ListUsers returns every user known to the backend.
func (c *Client) ListUsers(ctx context.Context) (*UserList, error) {
	if !CanManageUsers(c.session.User()) {
		return nil, ErrForbidden
	}

	var res UserList
	if err := c.session.Do(ctx, "GET", "/auth/users", nil, &res); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return &res, nil
}
