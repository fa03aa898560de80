// Package auth handles instance token issuance and verification, plus
// caller identity propagation for the HTTP API.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/taskbridge/taskbridge/internal/hub/db"
	"github.com/taskbridge/taskbridge/internal/hub/id"
)

// ErrUnauthenticated is returned when a credential is missing, invalid,
// or does not match the claimed instance.
var ErrUnauthenticated = errors.New("unauthenticated")

type contextKey int

const userKey contextKey = iota

// UserInfo identifies the caller of an API request. The ID is an opaque
// capability string; the hub never interprets it beyond equality checks.
type UserInfo struct {
	ID string
}

// WithUser stores a UserInfo in the context.
func WithUser(ctx context.Context, u *UserInfo) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUser retrieves UserInfo from the context. Returns nil if not authenticated.
func GetUser(ctx context.Context) *UserInfo {
	u, _ := ctx.Value(userKey).(*UserInfo)
	return u
}

// MustGetUser retrieves UserInfo from the context, returning an error if not
// authenticated.
func MustGetUser(ctx context.Context) (*UserInfo, error) {
	u := GetUser(ctx)
	if u == nil {
		return nil, fmt.Errorf("%w: no caller identity", ErrUnauthenticated)
	}
	return u, nil
}

// UserFromRequest extracts the caller identity from the X-User-ID header.
// Returns nil when the header is absent.
func UserFromRequest(r *http.Request) *UserInfo {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		return nil
	}
	return &UserInfo{ID: userID}
}

// HTTPMiddleware resolves the caller identity from the request headers
// and stores it in the request context. Requests without an identity
// pass through unchanged; handlers that need one reject them.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := UserFromRequest(r); u != nil {
			r = r.WithContext(WithUser(r.Context(), u))
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken generates a new instance auth token and its bcrypt hash.
// The plaintext token is returned to the caller exactly once; only the
// hash is persisted.
func IssueToken() (token, hash string, err error) {
	token = id.Generate()
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}
	return token, string(h), nil
}

// VerifyToken checks a plaintext token against a stored bcrypt hash.
func VerifyToken(hash, token string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	return nil
}

// AuthenticateInstance resolves an instance ID and token to the stored
// instance record, verifying the token against the persisted hash.
func AuthenticateInstance(ctx context.Context, store *db.Store, instanceID, token string) (*db.Instance, error) {
	inst, err := store.GetInstanceByID(ctx, instanceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: unknown instance", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("query instance: %w", err)
	}
	if err := VerifyToken(inst.TokenHash, token); err != nil {
		return nil, err
	}
	return &inst, nil
}
