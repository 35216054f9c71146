package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// AuthProvider identifies how a user logged in.
type AuthProvider string

const (
	ProviderTraditional AuthProvider = "traditional"
	ProviderMicrosoft   AuthProvider = "microsoft"
)

// Permission names granted by the backend.
const (
	PermSelect            = "select"
	PermArchive           = "archive"
	PermDeleteArchive     = "delete_archive"
	PermConfirmOperations = "confirm_operations"
)

// Permissions is a sorted set of permission names.
//
// The backend sends permissions as a list from /auth/me and as a map of
// name to bool from the login and refresh endpoints. Both decode here; only
// granted entries of the map form are kept.
type Permissions []string

func (p *Permissions) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*p = newPermissions(list)
		return nil
	}

	var granted map[string]bool
	if err := json.Unmarshal(data, &granted); err != nil {
		return fmt.Errorf("permissions must be a list or a map: %w", err)
	}
	list = list[:0]
	for name, ok := range granted {
		if ok {
			list = append(list, name)
		}
	}
	*p = newPermissions(list)
	return nil
}

func newPermissions(names []string) Permissions {
	seen := make(map[string]struct{}, len(names))
	out := make(Permissions, 0, len(names))
	for _, n := range names {
		if _, dup := seen[n]; dup || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Has reports whether name is in the set.
func (p Permissions) Has(name string) bool {
	i := sort.SearchStrings(p, name)
	return i < len(p) && p[i] == name
}

// UserIdentity is the cached description of the logged-in user.
type UserIdentity struct {
	Username     string       `json:"username"`
	Role         string       `json:"role"`
	Permissions  Permissions  `json:"permissions"`
	Email        string       `json:"email,omitempty"`
	DisplayName  string       `json:"display_name,omitempty"`
	AuthProvider AuthProvider `json:"auth_provider,omitempty"`
}

// HasPermission reports whether the user holds the named permission.
func (u *UserIdentity) HasPermission(name string) bool {
	return u != nil && u.Permissions.Has(name)
}

// Provider returns the auth provider, defaulting to traditional.
func (u *UserIdentity) Provider() AuthProvider {
	if u == nil || u.AuthProvider == "" {
		return ProviderTraditional
	}
	return u.AuthProvider
}

func parseIdentity(raw []byte) (*UserIdentity, error) {
	var u UserIdentity
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	if u.Username == "" {
		return nil, fmt.Errorf("identity has no username")
	}
	if u.AuthProvider == "" {
		u.AuthProvider = ProviderTraditional
	}
	return &u, nil
}

// Credential is the bearer token held for the session.
type Credential struct {
	Token     string
	ExpiresAt time.Time // zero when the token carries no decodable exp
}
