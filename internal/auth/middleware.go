package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/parisxmas/oxiwarehouse/internal/access"
	"github.com/parisxmas/oxiwarehouse/internal/models"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

// WorkerKeyHeader carries the processing worker's shared credential.
const WorkerKeyHeader = "X-Worker-Key"

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// Middleware requires a valid bearer token.
func Middleware(secret string) func(http.Handler) http.Handler {
	return tokenMiddleware(secret, false)
}

// QueryTokenMiddleware also accepts the token as a ?token= parameter, for
// browser websocket clients that cannot set headers.
func QueryTokenMiddleware(secret string) func(http.Handler) http.Handler {
	return tokenMiddleware(secret, true)
}

func tokenMiddleware(secret string, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := bearerToken(r)
			if tokenStr == "" && allowQuery {
				tokenStr = r.URL.Query().Get("token")
			}
			if tokenStr == "" {
				unauthorized(w, "unauthorized")
				return
			}
			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Identity())))
		})
	}
}

// WorkerMiddleware admits the processing worker by its shared key. A valid
// admin bearer token is accepted as well.
func WorkerMiddleware(workerKey, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get(WorkerKeyHeader); key != "" && workerKey != "" {
				if subtle.ConstantTimeCompare([]byte(key), []byte(workerKey)) != 1 {
					unauthorized(w, "invalid worker key")
					return
				}
				id := access.Identity{Role: models.RoleWorker}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}
			if tokenStr := bearerToken(r); tokenStr != "" {
				if claims, err := ValidateToken(secret, tokenStr); err == nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Identity())))
					return
				}
			}
			unauthorized(w, "unauthorized")
		})
	}
}

func WithIdentity(ctx context.Context, id access.Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, id)
}

// GetIdentity returns the caller identity, or the zero Identity when the
// request was not authenticated.
func GetIdentity(ctx context.Context) access.Identity {
	id, _ := ctx.Value(IdentityContextKey).(access.Identity)
	return id
}
