// Package middleware is the HTTP request pipeline: structured request
// logging, CORS, rate limiting and API-key authentication. Handlers behind
// the auth layer read the resolved account from the request context.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"

	"github.com/noemahq/noema/internal/core"
)

type contextKey string

const userKey contextKey = "user"

// WithUser stashes the authenticated account on the context.
func WithUser(ctx context.Context, user *core.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFrom returns the authenticated account, or nil on public routes.
func UserFrom(ctx context.Context) *core.User {
	user, _ := ctx.Value(userKey).(*core.User)
	return user
}

// keyStore is the slice of persistence auth needs.
type keyStore interface {
	FindAPIKeyByPrefix(ctx context.Context, prefix string) (*core.APIKey, error)
	TouchAPIKey(ctx context.Context, id string) error
	FindUserByID(ctx context.Context, masterAccountID string) (*core.User, error)
}

// Auth resolves X-API-Key headers into accounts. Keys are stored as SHA-256
// hashes; the indexed prefix narrows the lookup and the hash comparison is
// constant-time.
type Auth struct {
	store    keyStore
	adminKey string
	logger   *log.Logger
}

func NewAuth(st keyStore, adminKey string) *Auth {
	return &Auth{
		store:    st,
		adminKey: adminKey,
		logger:   log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
	}
}

// RequireKey authenticates the request or ends it with 401.
func (a *Auth) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.ResolveKey(r.Context(), r.Header.Get("X-API-Key"))
		if err != nil {
			writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// ResolveKey turns a presented secret into its account. The WebSocket
// endpoint calls this directly because browser clients cannot set headers
// on an upgrade request.
func (a *Auth) ResolveKey(ctx context.Context, secret string) (*core.User, error) {
	if secret == "" {
		return nil, core.E(core.KindUnauthorized, "API key required")
	}

	rec, err := a.store.FindAPIKeyByPrefix(ctx, core.KeyPrefix(secret))
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Status != "active" ||
		subtle.ConstantTimeCompare([]byte(core.HashAPIKey(secret)), []byte(rec.SecretHash)) != 1 {
		return nil, core.E(core.KindUnauthorized, "invalid API key")
	}

	user, err := a.store.FindUserByID(ctx, rec.MasterAccountID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Status == "suspended" {
		return nil, core.E(core.KindUnauthorized, "account disabled")
	}

	// Usage bookkeeping is best-effort and off the request path.
	go a.store.TouchAPIKey(context.Background(), rec.ID)

	return user, nil
}

// RequireAdmin guards the operator subtree with the internal admin key.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-API-Key")
		if a.adminKey == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(a.adminKey)) != 1 {
			a.logger.Printf("🚫 admin auth rejected for %s %s", r.Method, r.URL.Path)
			writeErr(w, core.E(core.KindUnauthorized, "admin key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeErr(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(core.HTTPStatus(kind))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    string(kind),
			"message": core.Message(err),
		},
	})
}
