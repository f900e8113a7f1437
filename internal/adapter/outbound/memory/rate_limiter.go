// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/aim-oss/aim-guardrails/internal/domain/ratelimit"
)

// Window lengths for the rolling counters.
const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	dayWindow    = 24 * time.Hour
)

// bucket holds the rolling hit timestamps for one identity. Windows are
// advanced lazily on access; no background sweeper touches hit data.
type bucket struct {
	mu       sync.Mutex
	minute   []time.Time
	hour     []time.Time
	day      []time.Time
	lastSeen time.Time
}

// prune drops hits that have aged out of each window.
func (b *bucket) prune(now time.Time) {
	b.minute = pruneBefore(b.minute, now.Add(-minuteWindow))
	b.hour = pruneBefore(b.hour, now.Add(-hourWindow))
	b.day = pruneBefore(b.day, now.Add(-dayWindow))
}

func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

// IdentityLimiter implements ratelimit.Limiter with per-identity rolling
// windows at minute, hour and day resolution. Thread-safe: the bucket map is
// guarded by a read-mostly lock with lazy insertion and counter updates run
// under a per-identity lock. Buckets idle longer than the longest window are
// evicted by the background cleanup.
type IdentityLimiter struct {
	mu      sync.RWMutex
	buckets map[uint64]*bucket
	blocked map[uint64]struct{}

	locMu sync.Mutex
	locs  map[string]*time.Location

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration

	logger *slog.Logger
}

// NewIdentityLimiter creates a limiter with the default 5 minute cleanup
// interval.
func NewIdentityLimiter(logger *slog.Logger) *IdentityLimiter {
	return NewIdentityLimiterWithConfig(5*time.Minute, logger)
}

// NewIdentityLimiterWithConfig creates a limiter with a custom cleanup
// interval.
func NewIdentityLimiterWithConfig(cleanupInterval time.Duration, logger *slog.Logger) *IdentityLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityLimiter{
		buckets:         make(map[uint64]*bucket),
		blocked:         make(map[uint64]struct{}),
		locs:            make(map[string]*time.Location),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		logger:          logger,
	}
}

// identityKey hashes an identity for use as the bucket map key. Raw
// identities (API key hashes, user ids) never become map keys directly.
func identityKey(identity string) uint64 {
	return xxhash.Sum64String(identity)
}

// Allow evaluates the rules in the fixed decision order and records the hit
// when the request is allowed. The first violated rule terminates the check.
func (l *IdentityLimiter) Allow(check ratelimit.Check, rules ratelimit.Rules) ratelimit.Decision {
	now := check.Now
	if now.IsZero() {
		now = time.Now()
	}
	key := identityKey(check.Identity)

	l.mu.RLock()
	_, isBlocked := l.blocked[key]
	l.mu.RUnlock()
	if isBlocked {
		return deny(ratelimit.DenyBlocked, 0, "identity is blocked")
	}

	if len(rules.AllowedGeos) > 0 && check.Geo != "" && !containsGeo(rules.AllowedGeos, check.Geo) {
		return deny(ratelimit.DenyGeo, 0, fmt.Sprintf("access not allowed from %s", check.Geo))
	}

	if rules.BusinessHours != nil && !l.withinBusinessHours(rules.BusinessHours, now) {
		return deny(ratelimit.DenyBusinessHours, 0, "access only allowed during business hours")
	}

	if rules.MaxContextTokens > 0 && check.ContextTokens > rules.MaxContextTokens {
		return deny(ratelimit.DenyContextLength, 0,
			fmt.Sprintf("context length %d exceeds limit %d", check.ContextTokens, rules.MaxContextTokens))
	}

	if rules.MaxUploadBytes > 0 && check.UploadBytes > rules.MaxUploadBytes {
		return deny(ratelimit.DenyUploadSize, 0,
			fmt.Sprintf("upload size %d bytes exceeds limit %d", check.UploadBytes, rules.MaxUploadBytes))
	}

	b := l.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(now)
	b.lastSeen = now

	if rules.PerMinute > 0 && len(b.minute) >= rules.PerMinute {
		retry := b.minute[0].Add(minuteWindow).Sub(now)
		return deny(ratelimit.DenyPerMinute, retry,
			fmt.Sprintf("rate limit exceeded: %d requests per minute", rules.PerMinute))
	}
	if rules.PerHour > 0 && len(b.hour) >= rules.PerHour {
		retry := b.hour[0].Add(hourWindow).Sub(now)
		return deny(ratelimit.DenyPerHour, retry,
			fmt.Sprintf("rate limit exceeded: %d requests per hour", rules.PerHour))
	}
	if rules.PerDay > 0 && len(b.day) >= rules.PerDay {
		retry := b.day[0].Add(dayWindow).Sub(now)
		return deny(ratelimit.DenyPerDay, retry,
			fmt.Sprintf("rate limit exceeded: %d requests per day", rules.PerDay))
	}

	b.minute = append(b.minute, now)
	b.hour = append(b.hour, now)
	b.day = append(b.day, now)

	return ratelimit.Decision{Allowed: true}
}

// Stats returns the pruned window counts for an identity.
func (l *IdentityLimiter) Stats(identity string, rules ratelimit.Rules) ratelimit.Stats {
	key := identityKey(identity)

	l.mu.RLock()
	b := l.buckets[key]
	_, isBlocked := l.blocked[key]
	l.mu.RUnlock()

	stats := ratelimit.Stats{
		Identity:       identity,
		Blocked:        isBlocked,
		LimitPerMinute: rules.PerMinute,
		LimitPerHour:   rules.PerHour,
		LimitPerDay:    rules.PerDay,
	}
	if b == nil {
		return stats
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(time.Now())
	stats.RequestsLastMin = len(b.minute)
	stats.RequestsLastHour = len(b.hour)
	stats.RequestsLastDay = len(b.day)
	return stats
}

// Block denies all further requests from the identity until Unblock.
func (l *IdentityLimiter) Block(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[identityKey(identity)] = struct{}{}
	l.logger.Warn("identity blocked", "identity", identity)
}

// Unblock lifts a Block.
func (l *IdentityLimiter) Unblock(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, identityKey(identity))
	l.logger.Info("identity unblocked", "identity", identity)
}

// bucket returns the bucket for a key, inserting lazily.
func (l *IdentityLimiter) bucket(key uint64) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	l.buckets[key] = b
	return b
}

// withinBusinessHours reports whether now falls inside the configured
// window, evaluated in the configured zone. Unknown zones fall back to UTC.
func (l *IdentityLimiter) withinBusinessHours(bh *ratelimit.BusinessHours, now time.Time) bool {
	loc := time.UTC
	if bh.TZ != "" {
		loc = l.location(bh.TZ)
	}
	hour := now.In(loc).Hour()
	return hour >= bh.StartHour && hour < bh.EndHour
}

// location resolves and caches an IANA zone, falling back to UTC.
func (l *IdentityLimiter) location(tz string) *time.Location {
	l.locMu.Lock()
	defer l.locMu.Unlock()
	if loc, ok := l.locs[tz]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		l.logger.Warn("unknown business hours zone, using UTC", "tz", tz, "error", err)
		loc = time.UTC
	}
	l.locs[tz] = loc
	return loc
}

// StartCleanup starts the background eviction goroutine. It removes buckets
// idle longer than the day window and stops when ctx is cancelled or Stop is
// called.
func (l *IdentityLimiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

// cleanup evicts buckets whose last activity is older than the longest
// window.
func (l *IdentityLimiter) cleanup() {
	cutoff := time.Now().Add(-dayWindow)
	evicted := 0

	l.mu.Lock()
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
			evicted++
		}
	}
	remaining := len(l.buckets)
	l.mu.Unlock()

	if evicted > 0 {
		l.logger.Debug("rate limiter cleanup completed",
			"evicted_buckets", evicted,
			"remaining_buckets", remaining)
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (l *IdentityLimiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the number of tracked identities. Useful for health checks
// and tests.
func (l *IdentityLimiter) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func deny(reason ratelimit.DenyReason, retryAfter time.Duration, message string) ratelimit.Decision {
	return ratelimit.Decision{
		Allowed:    false,
		Reason:     reason,
		RetryAfter: retryAfter,
		Message:    message,
	}
}

func containsGeo(geos []string, geo string) bool {
	for _, g := range geos {
		if g == geo {
			return true
		}
	}
	return false
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*IdentityLimiter)(nil)
