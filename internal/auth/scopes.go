package auth

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ScopeFavoritesRead grants listing and reading favorites.
	ScopeFavoritesRead = "favorites:read"
	// ScopeFavoritesWrite grants creating, updating and deleting favorites.
	ScopeFavoritesWrite = "favorites:write"
)

// ErrScopeDenied indicates that the claims lack at least one required scope.
var ErrScopeDenied = errors.New("authorization denied")

// Decision is the outcome of Authorize. Missing lists required scopes absent from the
// claims, in the order they were required.
type Decision struct {
	Allowed bool
	Missing []string
}

// Err returns nil for an allow decision and an ErrScopeDenied-wrapping error otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: missing %s", ErrScopeDenied, strings.Join(d.Missing, " "))
}

// Authorize requires every entry of required to appear in the claims' scope list. There is
// no hierarchy among scopes. An empty requirement always allows; absent claims satisfy
// nothing else.
func Authorize(claims *Claims, required ...string) Decision {
	if len(required) == 0 {
		return Decision{Allowed: true}
	}
	granted := make(map[string]struct{})
	for _, scope := range claims.Scopes() {
		granted[scope] = struct{}{}
	}
	var missing []string
	seen := make(map[string]struct{}, len(required))
	for _, scope := range required {
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		if _, ok := granted[scope]; !ok {
			missing = append(missing, scope)
		}
	}
	if len(missing) > 0 {
		return Decision{Missing: missing}
	}
	return Decision{Allowed: true}
}
