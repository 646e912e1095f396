package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

type routeSetter interface {
	SetRoute(string)
}

// withRateLimit scopes keyFn's key to route so each endpoint keeps its own budget.
func (r *Router) withRateLimit(route string, limit int, window time.Duration, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if setter, ok := w.(routeSetter); ok {
			setter.SetRoute(route)
		}
		if limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := keyFn(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(key+"@"+route, limit, window)
		applyRateHeaders(w, limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(route, rateMetricKey(key))
			if retry := time.Until(decision.windowEnd); retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)+1))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func (r *Router) handlerAgentRate(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAgent(r.withRateLimit(route, limit, window, rateLimitKeyAgent, next))
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(decision.remaining(limit)))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// rateLimitKeyAgent buckets agent tool calls per room.
func rateLimitKeyAgent(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.Room != "" {
		return "agent:" + info.Room
	}
	return "agent:shared"
}

func rateLimitKeyIP(req *http.Request) string {
	if ip := clientIP(req); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}

// rateMetricKey keeps metric cardinality low by reporting only the key kind.
func rateMetricKey(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok && kind != "" {
		return kind
	}
	if key == "" {
		return "unknown"
	}
	return key
}
