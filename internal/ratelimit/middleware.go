package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/H1yori233/innoweaver/internal/logger"
)

// Rate-limit response headers
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// UserResolver extracts a user id from a request, or "" for anonymous callers
type UserResolver func(r *http.Request) string

// Middleware checks every request before it is routed. Allowed responses
// carry the current window headers; rejected ones get 429 and Retry-After.
func (g *Governor) Middleware(resolve UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromRequest(r)
			if resolve != nil {
				id.UserID = resolve(r)
			}

			d, err := g.Check(r.Context(), id)
			if err != nil {
				writeJSON(w, g.logger, http.StatusServiceUnavailable, map[string]interface{}{
					"status":  "error",
					"message": "rate limiter unavailable",
				})
				return
			}

			SetHeaders(w.Header(), d)
			if !d.Allowed {
				w.Header().Set(HeaderRemaining, "0")
				w.Header().Set(HeaderRetryAfter, strconv.FormatInt(int64(d.RetryAfter(g.now()).Seconds()), 10))
				writeJSON(w, g.logger, http.StatusTooManyRequests, map[string]interface{}{
					"status":  "error",
					"message": "rate limit exceeded, try again later",
					"scope":   string(d.Scope),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes the window headers for d
func SetHeaders(h http.Header, d Decision) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.FormatInt(d.Remaining(), 10))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// IdentityFromRequest builds an anonymous identity from the request
func IdentityFromRequest(r *http.Request) Identity {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return Identity{
		Address:   addr,
		UserAgent: r.UserAgent(),
		Endpoint:  r.URL.Path,
	}
}

func writeJSON(w http.ResponseWriter, log *logger.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("Failed to encode response", logger.Fields{
			"error": err.Error(),
		})
	}
}
