package gateway

import (
	"context"
	"net/http"

	"github.com/cordum/toolforge/core/tool"
)

// AuthContext captures request identity for the command layer.
type AuthContext struct {
	APIKey string
	Actor  tool.Actor
}

type authContextKey struct{}

// AuthProvider authenticates requests. The services enforce roles; the
// provider only establishes who is calling.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
}

func authFromContext(ctx context.Context) *AuthContext {
	if ctx == nil {
		return nil
	}
	if raw := ctx.Value(authContextKey{}); raw != nil {
		if auth, ok := raw.(*AuthContext); ok {
			return auth
		}
	}
	return nil
}

// actorFrom returns the caller, or the anonymous actor that every command
// rejects.
func actorFrom(r *http.Request) tool.Actor {
	if r == nil {
		return tool.Actor{}
	}
	if auth := authFromContext(r.Context()); auth != nil {
		return auth.Actor
	}
	return tool.Actor{}
}

// apiKeyMiddleware enforces API key auth and injects auth context.
func apiKeyMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !isAPIPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: &tool.Error{Code: codeUnauthorized, Message: err.Error()}})
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
