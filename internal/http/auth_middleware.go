package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

type authContextKey string

type authInfo struct {
	Actor string
	Room  string
}

const contextKeyAuth authContextKey = "voicetodo-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAgent ensures the request carries the shared agent worker token.
func (r *Router) requireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, ok := r.ensureAgent(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAgent validates the bearer token and enriches the context.
func (r *Router) ensureAgent(w http.ResponseWriter, req *http.Request) (context.Context, bool) {
	expected := r.agentToken
	if expected == "" {
		r.logger.Error("agent token not configured", "path", req.URL.Path)
		writeError(w, http.StatusServiceUnavailable, "agent authentication misconfigured")
		return req.Context(), false
	}
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), false
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("agent token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid agent token")
		return req.Context(), false
	}
	info := authInfo{Actor: "agent", Room: strings.TrimSpace(req.Header.Get("X-Room"))}
	return context.WithValue(req.Context(), contextKeyAuth, info), true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
