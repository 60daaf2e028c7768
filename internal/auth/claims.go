package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "bearer "

var (
	ErrMissingClaims  = errors.New("claims reader: token required")
	ErrInvalidClaims  = errors.New("claims reader: invalid token")
	ErrMissingSubject = errors.New("claims reader: subject required")
)

// Claims is the identity payload forwarded by the gateway. Scope is a space-separated
// capability list.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits Scope into its entries.
func (c *Claims) Scopes() []string {
	if c == nil {
		return nil
	}
	return strings.Fields(c.Scope)
}

// ClaimsReader decodes bearer tokens that the upstream gateway has already verified.
// It never checks signatures, issuers or expiry.
type ClaimsReader struct {
	parser *jwt.Parser
}

// NewClaimsReader constructs a reader.
func NewClaimsReader() *ClaimsReader {
	return &ClaimsReader{parser: jwt.NewParser()}
}

// ReadToken decodes the payload of token.
func (r *ClaimsReader) ReadToken(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingClaims
	}
	claims := &Claims{}
	if _, _, err := r.parser.ParseUnverified(token, claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ReadRequest extracts the bearer token from the Authorization header and decodes it.
func (r *ClaimsReader) ReadRequest(request *http.Request) (Claims, error) {
	if request == nil {
		return Claims{}, ErrMissingClaims
	}
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return Claims{}, ErrMissingClaims
	}
	return r.ReadToken(header[len(bearerPrefix):])
}
