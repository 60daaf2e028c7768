package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("gateway-secret-unknown-to-service"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestClaimsReaderReadsForwardedToken(t *testing.T) {
	reader := NewClaimsReader()
	token := signedToken(t, Claims{
		Scope:            "favorites:read favorites:write",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "auth0|123"},
	})

	request := httptest.NewRequest(http.MethodGet, "/favorites", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	claims, err := reader.ReadRequest(request)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if claims.Subject != "auth0|123" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if !reflect.DeepEqual(claims.Scopes(), []string{"favorites:read", "favorites:write"}) {
		t.Fatalf("unexpected scopes %v", claims.Scopes())
	}
}

func TestClaimsReaderRejectsMissingOrMalformed(t *testing.T) {
	reader := NewClaimsReader()

	request := httptest.NewRequest(http.MethodGet, "/favorites", nil)
	if _, err := reader.ReadRequest(request); !errors.Is(err, ErrMissingClaims) {
		t.Fatalf("expected ErrMissingClaims, got %v", err)
	}
	request.Header.Set("Authorization", "Basic abc")
	if _, err := reader.ReadRequest(request); !errors.Is(err, ErrMissingClaims) {
		t.Fatalf("expected ErrMissingClaims for non-bearer, got %v", err)
	}
	if _, err := reader.ReadToken("not-a-jwt"); !errors.Is(err, ErrInvalidClaims) {
		t.Fatalf("expected ErrInvalidClaims, got %v", err)
	}
	noSubject := signedToken(t, Claims{Scope: "favorites:read"})
	if _, err := reader.ReadToken(noSubject); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}

func TestAuthorizeRequiresEveryScope(t *testing.T) {
	claims := &Claims{Scope: "favorites:read  profile x:read"}

	if decision := Authorize(claims, ScopeFavoritesRead); !decision.Allowed {
		t.Fatalf("expected read to be allowed")
	}
	decision := Authorize(claims, ScopeFavoritesRead, "x:write")
	if decision.Allowed {
		t.Fatalf("expected deny when any scope is missing")
	}
	if !reflect.DeepEqual(decision.Missing, []string{"x:write"}) {
		t.Fatalf("unexpected missing set %v", decision.Missing)
	}
	if !errors.Is(decision.Err(), ErrScopeDenied) {
		t.Fatalf("deny decision must wrap ErrScopeDenied")
	}
}

func TestAuthorizeHasNoScopeHierarchy(t *testing.T) {
	claims := &Claims{Scope: "favorites:write favorites"}
	if Authorize(claims, ScopeFavoritesRead).Allowed {
		t.Fatalf("write or prefix scopes must not imply read")
	}
	if Authorize(&Claims{Scope: "x:writer"}, "x:write").Allowed {
		t.Fatalf("scopes must match exactly")
	}
}

func TestAuthorizeWithoutClaims(t *testing.T) {
	if !Authorize(nil).Allowed {
		t.Fatalf("empty requirement must allow")
	}
	decision := Authorize(nil, "x:write", "x:write", "x:read")
	if decision.Allowed {
		t.Fatalf("absent claims must be denied")
	}
	if !reflect.DeepEqual(decision.Missing, []string{"x:write", "x:read"}) {
		t.Fatalf("unexpected missing set %v", decision.Missing)
	}
	if decision := Authorize(&Claims{}); !decision.Allowed || decision.Err() != nil {
		t.Fatalf("empty requirement must allow")
	}
}
