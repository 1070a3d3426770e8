package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"llm-dispatch/internal/config"
	"llm-dispatch/internal/domain"
	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/adapter"
	"llm-dispatch/internal/domain/ports/repository"
)

// Compile-time check
var _ adapter.Authenticator = (*JWTAuthenticator)(nil)

type AppMetadata struct {
	CustomerID string `json:"customer_id,omitempty"`
}

// Claims mirrors the access tokens issued by the platform's auth service.
type Claims struct {
	Email       string      `json:"email,omitempty"`
	Role        string      `json:"role,omitempty"`
	AppMetadata AppMetadata `json:"app_metadata"`
	jwt.RegisteredClaims
}

// Map is the claims document handed to the database scope.
func (c *Claims) Map() map[string]any {
	m := map[string]any{
		"sub":  c.Subject,
		"role": c.Role,
	}
	if c.Email != "" {
		m["email"] = c.Email
	}
	if c.AppMetadata.CustomerID != "" {
		m["app_metadata"] = map[string]any{"customer_id": c.AppMetadata.CustomerID}
	}
	return m
}

// ScopeFactory binds a database handle to the caller's claims.
type ScopeFactory func(claims map[string]any, user *model.User) (repository.Scope, error)

type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
	scopes   ScopeFactory
}

func NewJWTAuthenticator(cfg config.AuthConfig, scopes ScopeFactory) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		scopes:   scopes,
	}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (*adapter.Session, error) {
	hdr := r.Header.Get("Authorization")
	if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
		return nil, domain.ErrUnauthorized
	}
	claims, err := a.parse(strings.TrimSpace(hdr[7:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return nil, domain.ErrUnauthorized
	}
	user := &model.User{
		ID:         claims.Subject,
		Email:      claims.Email,
		Role:       claims.Role,
		CustomerID: claims.AppMetadata.CustomerID,
	}
	scope, err := a.scopes(claims.Map(), user)
	if err != nil {
		return nil, fmt.Errorf("bind scope: %w", err)
	}
	return &adapter.Session{User: user, DB: scope}, nil
}

func (a *JWTAuthenticator) parse(tok string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !tkn.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Mint signs an access token. Used by tests and local tooling.
func Mint(secret string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
