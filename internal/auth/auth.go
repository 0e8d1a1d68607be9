// Package auth verifies bearer tokens and attaches the caller's identity to
// the request context. The chat core trusts this identity and only checks
// authorization (participation) itself.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("auth: missing bearer token")

// Identity is the verified caller.
type Identity struct {
	UserID string
	Email  string
}

// Config selects how tokens are verified. An RSA public key takes precedence
// over an HMAC secret.
type Config struct {
	Secret        string // HMAC secret
	PublicKeyPath string // RSA public key (PEM); takes precedence over Secret
	UserClaim     string // claim holding the user id, "sub" by default
}

// Verifier validates signed tokens. Unsigned or unverifiable tokens are
// always rejected.
type Verifier struct {
	secret    []byte
	pub       *rsa.PublicKey
	userClaim string
	parser    *jwt.Parser
}

// NewVerifier returns a Verifier for cfg. One of the keys is required; the
// user id is read from UserClaim, "sub" by default.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{userClaim: cfg.UserClaim}
	if v.userClaim == "" {
		v.userClaim = "sub"
	}
	switch {
	case cfg.PublicKeyPath != "":
		b, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("auth: read public key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		v.pub = pub
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}), jwt.WithExpirationRequired())
	case cfg.Secret != "":
		v.secret = []byte(cfg.Secret)
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithExpirationRequired())
	default:
		return nil, errors.New("auth: a secret or public key is required")
	}
	return v, nil
}

func (v *Verifier) key(*jwt.Token) (any, error) {
	if v.pub != nil {
		return v.pub, nil
	}
	return v.secret, nil
}

// Verify parses and validates token and extracts the identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.key); err != nil {
		return Identity{}, fmt.Errorf("auth: %w", err)
	}
	uid, _ := claims[v.userClaim].(string)
	if uid == "" {
		return Identity{}, fmt.Errorf("auth: claim %q missing", v.userClaim)
	}
	email, _ := claims["email"].(string)
	return Identity{UserID: uid, Email: email}, nil
}

// TokenFromRequest reads the bearer token from the Authorization header or,
// for WebSocket upgrades that cannot set headers, the "token" query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
			return "", ErrNoToken
		}
		return strings.TrimSpace(tok), nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}

// Authenticate verifies the request's token.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	tok, err := TokenFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	return v.Verify(tok)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid token with 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "unauthenticated"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
