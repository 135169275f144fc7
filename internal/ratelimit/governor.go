// Package ratelimit admits or rejects requests with fixed-window counters
// kept in Redis. Every request is checked against a per-source-address
// ceiling, then against a scoped ceiling keyed by user and endpoint, or by an
// anonymous fingerprint when no user is known.
package ratelimit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/redis/go-redis/v9"
)

// Scope names the ceiling a decision was made against
type Scope string

const (
	ScopeIP        Scope = "ip"
	ScopeUser      Scope = "user"
	ScopeAnonymous Scope = "anonymous"
)

// ErrStoreUnavailable is returned when counters cannot be read and the
// governor is configured to fail closed
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// incrScript increments a counter and starts its window on the first hit.
// Returns {count, pttl}.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Policy is a request ceiling over a fixed window
type Policy struct {
	Limit  int
	Window time.Duration
}

// Identity is what the governor knows about the caller
type Identity struct {
	UserID    string
	Address   string
	UserAgent string
	Endpoint  string
}

// Decision is the outcome of one check
type Decision struct {
	Allowed bool
	Count   int64
	Limit   int
	Window  time.Duration
	Scope   Scope
	ResetAt time.Time
}

// Remaining returns how many requests are left in the window
func (d Decision) Remaining() int64 {
	if rem := int64(d.Limit) - d.Count; rem > 0 {
		return rem
	}
	return 0
}

// RetryAfter returns the wait until the window resets, at least one second
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now).Round(time.Second)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// Config holds Governor settings
type Config struct {
	KeyPrefix     string
	DefaultPolicy Policy
	IPPolicy      Policy
	FailOpen      bool
	Logger        *logger.Logger

	// Now is used for reset times; defaults to time.Now
	Now func() time.Time
}

// Observer is notified of every decision
type Observer interface {
	RecordRateDecision(scope string, allowed bool)
}

// Governor checks requests against endpoint and address policies
type Governor struct {
	client   redis.Scripter
	prefix   string
	defaults Policy
	ip       Policy
	failOpen bool
	now      func() time.Time
	logger   *logger.Logger
	observer Observer

	mu        sync.RWMutex
	endpoints map[string]Policy
}

// NewGovernor creates a governor backed by client
func NewGovernor(client redis.Scripter, cfg Config) *Governor {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "innoweaver:ratelimit:"
	}
	if cfg.DefaultPolicy.Limit <= 0 || cfg.DefaultPolicy.Window <= 0 {
		cfg.DefaultPolicy = Policy{Limit: 60, Window: time.Minute}
	}
	if cfg.IPPolicy.Limit <= 0 || cfg.IPPolicy.Window <= 0 {
		cfg.IPPolicy = Policy{Limit: 100, Window: time.Minute}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	return &Governor{
		client:    client,
		prefix:    cfg.KeyPrefix,
		defaults:  cfg.DefaultPolicy,
		ip:        cfg.IPPolicy,
		failOpen:  cfg.FailOpen,
		now:       cfg.Now,
		logger:    cfg.Logger.WithComponent("ratelimit"),
		endpoints: make(map[string]Policy),
	}
}

// SetObserver attaches a decision observer
func (g *Governor) SetObserver(o Observer) {
	g.observer = o
}

// RegisterEndpointLimit sets the policy for an exact request path.
// Call it during startup only.
func (g *Governor) RegisterEndpointLimit(path string, limit int, window time.Duration) error {
	if path == "" {
		return fmt.Errorf("endpoint path cannot be empty")
	}
	if limit < 1 || window < time.Second {
		return fmt.Errorf("invalid policy for %s: limit=%d window=%s", path, limit, window)
	}

	g.mu.Lock()
	g.endpoints[path] = Policy{Limit: limit, Window: window}
	g.mu.Unlock()
	return nil
}

// Policy returns the scoped policy applied to endpoint
func (g *Governor) Policy(endpoint string) Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.endpoints[endpoint]; ok {
		return p
	}
	return g.defaults
}

func (g *Governor) ipKey(addr string) string {
	return g.prefix + "ip:" + addr
}

func (g *Governor) userKey(userID, endpoint string) string {
	return g.prefix + "user:" + userID + ":" + endpoint
}

func (g *Governor) anonymousKey(id Identity) string {
	return g.prefix + "anon:" + Fingerprint(id.Address, id.UserAgent, id.Endpoint)
}

// Fingerprint identifies an anonymous caller by address, client signature
// and path
func Fingerprint(addr, userAgent, path string) string {
	sum := md5.Sum([]byte(addr + ":" + userAgent + ":" + path))
	return hex.EncodeToString(sum[:])
}

// Check counts the request and decides whether it may proceed. The address
// ceiling is checked first; a request rejected there does not touch the
// scoped counter.
func (g *Governor) Check(ctx context.Context, id Identity) (Decision, error) {
	decision, err := g.hit(ctx, g.ipKey(id.Address), g.ip, ScopeIP)
	if err != nil {
		return g.unavailable(id, err)
	}
	if !decision.Allowed {
		g.reject(id, decision)
		return decision, nil
	}

	policy := g.Policy(id.Endpoint)
	key, scope := g.anonymousKey(id), ScopeAnonymous
	if id.UserID != "" {
		key, scope = g.userKey(id.UserID, id.Endpoint), ScopeUser
	}

	decision, err = g.hit(ctx, key, policy, scope)
	if err != nil {
		return g.unavailable(id, err)
	}
	if !decision.Allowed {
		g.reject(id, decision)
		return decision, nil
	}

	g.observe(decision)
	return decision, nil
}

// Preflight checks a request outside the middleware chain and returns an
// error describing the violated ceiling
func (g *Governor) Preflight(ctx context.Context, id Identity) (Decision, error) {
	d, err := g.Check(ctx, id)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, &LimitError{Decision: d}
	}
	return d, nil
}

func (g *Governor) hit(ctx context.Context, key string, p Policy, scope Scope) (Decision, error) {
	vals, err := incrScript.Run(ctx, g.client, []string{key}, p.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	if len(vals) != 2 {
		return Decision{}, fmt.Errorf("unexpected counter reply for %s: %v", key, vals)
	}

	count, ttl := vals[0], time.Duration(vals[1])*time.Millisecond
	return Decision{
		Allowed: count <= int64(p.Limit),
		Count:   count,
		Limit:   p.Limit,
		Window:  p.Window,
		Scope:   scope,
		ResetAt: g.now().Add(ttl),
	}, nil
}

func (g *Governor) unavailable(id Identity, err error) (Decision, error) {
	g.logger.Error("Rate limit check failed", logger.Fields{
		"endpoint":  id.Endpoint,
		"address":   id.Address,
		"fail_open": g.failOpen,
		"error":     err,
	})
	if g.failOpen {
		p := g.Policy(id.Endpoint)
		return Decision{
			Allowed: true,
			Limit:   p.Limit,
			Window:  p.Window,
			Scope:   ScopeAnonymous,
			ResetAt: g.now().Add(p.Window),
		}, nil
	}
	return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (g *Governor) reject(id Identity, d Decision) {
	g.logger.Warn("Rate limit exceeded", logger.Fields{
		"scope":    string(d.Scope),
		"endpoint": id.Endpoint,
		"count":    d.Count,
		"limit":    d.Limit,
		"reset_at": d.ResetAt.Unix(),
	})
	g.observe(d)
}

func (g *Governor) observe(d Decision) {
	if g.observer != nil {
		g.observer.RecordRateDecision(string(d.Scope), d.Allowed)
	}
}

// LimitError reports a rejected request
type LimitError struct {
	Decision Decision
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s ceiling %d/%s (count %d)",
		e.Decision.Scope, e.Decision.Limit, e.Decision.Window, e.Decision.Count)
}
