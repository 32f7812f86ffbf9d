// Package ratelimit enforces per-identifier call quotas with rolling
// minute and hour windows and a cooldown after hourly exhaustion.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour

	cleanupInterval = 5 * time.Minute
	staleThreshold  = 2 * time.Hour
)

// Limits holds the quota for one identifier class.
type Limits struct {
	PerMinute int           `yaml:"per_minute"`
	PerHour   int           `yaml:"per_hour"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// DefaultLimits returns the gateway defaults.
func DefaultLimits() Limits {
	return Limits{
		PerMinute: 10,
		PerHour:   100,
		Cooldown:  5 * time.Minute,
	}
}

// Config configures a Limiter. Overrides are matched by identifier
// prefix; the longest matching prefix wins.
type Config struct {
	Default   Limits
	Overrides map[string]Limits
}

// Decision is the outcome of an Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // advisory wait before the next attempt
}

// entry tracks one identifier. All mutation happens under the entry's
// own mutex so unrelated identifiers never contend.
type entry struct {
	mu            sync.Mutex
	calls         []time.Time // timestamps within the hour window, oldest first
	cooldownUntil time.Time
	lastSeen      time.Time
}

// Limiter applies rolling-window quotas per identifier. The identifier
// convention is "sessionID:toolName". Safe for concurrent use; the map
// lock is held only for entry lookup, never across quota math.
type Limiter struct {
	cfg Config

	mu          sync.Mutex
	entries     map[string]*entry
	lastCleanup time.Time

	now func() time.Time // injectable clock for tests
}

// New creates a Limiter. Zero default limits fall back to DefaultLimits.
func New(cfg Config) *Limiter {
	if cfg.Default.PerMinute <= 0 {
		cfg.Default.PerMinute = DefaultLimits().PerMinute
	}
	if cfg.Default.PerHour <= 0 {
		cfg.Default.PerHour = DefaultLimits().PerHour
	}
	if cfg.Default.Cooldown <= 0 {
		cfg.Default.Cooldown = DefaultLimits().Cooldown
	}
	return &Limiter{
		cfg:         cfg,
		entries:     make(map[string]*entry),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Identifier builds the canonical (session, tool) rate-limit key.
func Identifier(sessionID, toolName string) string {
	return sessionID + ":" + toolName
}

// Allow records an attempt for the identifier and reports whether it is
// admitted. A denied attempt is not counted against the quota.
func (l *Limiter) Allow(identifier string) Decision {
	limits := l.limitsFor(identifier)
	e := l.entryFor(identifier)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.now()
	e.lastSeen = now

	if now.Before(e.cooldownUntil) {
		return Decision{RetryAfter: e.cooldownUntil.Sub(now)}
	}

	// Drop timestamps that fell out of the hour window before counting.
	cutoff := now.Add(-hourWindow)
	i := 0
	for i < len(e.calls) && !e.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.calls = append(e.calls[:0], e.calls[i:]...)
	}

	if len(e.calls) >= limits.PerHour {
		e.cooldownUntil = now.Add(limits.Cooldown)
		return Decision{RetryAfter: limits.Cooldown}
	}

	minuteCutoff := now.Add(-minuteWindow)
	minuteCount := 0
	oldestInMinute := now
	for j := len(e.calls) - 1; j >= 0; j-- {
		if !e.calls[j].After(minuteCutoff) {
			break
		}
		oldestInMinute = e.calls[j]
		minuteCount++
	}
	if minuteCount >= limits.PerMinute {
		return Decision{RetryAfter: oldestInMinute.Add(minuteWindow).Sub(now)}
	}

	e.calls = append(e.calls, now)
	return Decision{Allowed: true}
}

// limitsFor resolves the longest configured prefix override, falling
// back to the defaults.
func (l *Limiter) limitsFor(identifier string) Limits {
	best := l.cfg.Default
	bestLen := -1
	for prefix, limits := range l.cfg.Overrides {
		if strings.HasPrefix(identifier, prefix) && len(prefix) > bestLen {
			best, bestLen = limits, len(prefix)
		}
	}
	if best.PerMinute <= 0 {
		best.PerMinute = l.cfg.Default.PerMinute
	}
	if best.PerHour <= 0 {
		best.PerHour = l.cfg.Default.PerHour
	}
	if best.Cooldown <= 0 {
		best.Cooldown = l.cfg.Default.Cooldown
	}
	return best
}

func (l *Limiter) entryFor(identifier string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > cleanupInterval {
		for k, e := range l.entries {
			e.mu.Lock()
			stale := now.Sub(e.lastSeen) > staleThreshold && now.After(e.cooldownUntil)
			e.mu.Unlock()
			if stale {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	e, ok := l.entries[identifier]
	if !ok {
		e = &entry{lastSeen: now}
		l.entries[identifier] = e
	}
	return e
}
