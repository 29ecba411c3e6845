// Package credential implements the upstream credential pool: pinned
// selection with per-credential cooldown, rotated under rate-limit pressure.
package credential

import (
	"context"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/cerebras-proxy/cerebras-proxy/internal/config"
	"github.com/cerebras-proxy/cerebras-proxy/internal/maskutil"
	"github.com/cerebras-proxy/cerebras-proxy/internal/metrics"
)

// ErrNoCredentials is returned by Select when the pool holds no credentials.
var ErrNoCredentials = errors.New("credential pool is empty")

// Credential is one upstream secret with its cooldown state.
type Credential struct {
	Name         string
	Secret       string
	CoolingUntil time.Time
	ErrorCount   int
}

// Available reports whether the credential can be used at instant now.
func (c Credential) Available(now time.Time) bool {
	return !now.Before(c.CoolingUntil)
}

// Status is a value-copy snapshot of one credential, safe to hold without the pool's lock.
type Status struct {
	Name                  string
	Available             bool
	RateLimitedForSeconds int64
	ErrorCount            int
}

// PoolStatus is the full snapshot returned by Pool.Status.
type PoolStatus struct {
	Keys       []Status
	CurrentKey string
}

// Pool owns the ordered list of upstream credentials for the primary API.
//
// Selection is sticky: the same credential is returned on every call until it
// fails, because the upstream's rate budget is tracked per-credential and
// switching eagerly would squander budget on a cold credential (spec §4.1
// Rationale). All mutation goes through one mutex; the only blocking section
// is the cooldown sleep in Select, and that sleep releases the lock.
type Pool struct {
	mu      sync.Mutex
	creds   []Credential
	current int

	logger *zap.Logger

	// nowFn and afterFn are overridable for deterministic tests of the
	// fairness and blocking-bound properties; they default to time.Now and
	// time.After.
	nowFn   func() time.Time
	afterFn func(time.Duration) <-chan time.Time
}

// NewPool builds a Pool from the credentials loaded from configuration, in
// the order they were parsed (sorted by name, see config.parseCredentials).
func NewPool(creds []config.Credential, logger *zap.Logger) *Pool {
	p := &Pool{
		creds:   make([]Credential, 0, len(creds)),
		logger:  logger,
		nowFn:   time.Now,
		afterFn: time.After,
	}
	for _, c := range creds {
		p.creds = append(p.creds, Credential{Name: c.Name, Secret: c.Secret})
	}
	return p
}

// Select returns the current credential if available, otherwise advances the
// cursor through the ring looking for an available one. If every credential
// is cooling, Select sleeps until the earliest cooldown expires (releasing
// the lock during the sleep) and returns that credential. Select returns
// promptly if ctx is canceled while sleeping.
func (p *Pool) Select(ctx context.Context) (Credential, error) {
	for {
		p.mu.Lock()
		n := len(p.creds)
		if n == 0 {
			p.mu.Unlock()
			return Credential{}, ErrNoCredentials
		}

		now := p.nowFn()
		for i := 0; i < n; i++ {
			idx := (p.current + i) % n
			if p.creds[idx].Available(now) {
				p.current = idx
				selected := p.creds[idx]
				p.mu.Unlock()
				return selected, nil
			}
		}

		wait := p.minCoolingUntilLocked().Sub(now)
		p.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		// small epsilon so the woken goroutine observes cooling_until as
		// already elapsed instead of racing the clock.
		wait += 50 * time.Millisecond

		select {
		case <-p.afterFn(wait):
		case <-ctx.Done():
			return Credential{}, errors.Wrap(ctx.Err(), "select credential")
		}
	}
}

// minCoolingUntilLocked returns the earliest cooling_until across the pool.
// Caller must hold p.mu.
func (p *Pool) minCoolingUntilLocked() time.Time {
	min := p.creds[0].CoolingUntil
	for _, c := range p.creds[1:] {
		if c.CoolingUntil.Before(min) {
			min = c.CoolingUntil
		}
	}
	return min
}

// MarkCooled records a failure for secret: sets its cooldown, increments its
// error count, and advances the cursor past it. A secret not found in the
// pool is a no-op (credentials are never removed mid-flight, but defensive).
func (p *Pool) MarkCooled(secret string, cooldown time.Duration, reason string) {
	p.mu.Lock()
	now := p.nowFn()
	idx := p.indexOfLocked(secret)
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	p.creds[idx].CoolingUntil = now.Add(cooldown)
	p.creds[idx].ErrorCount++
	name := p.creds[idx].Name
	errCount := p.creds[idx].ErrorCount
	n := len(p.creds)
	p.current = (idx + 1) % n
	p.mu.Unlock()

	metrics.GlobalRecorder.RecordRotation(name, reason)
	metrics.GlobalRecorder.UpdateCredentialState(name, false, errCount)
	if p.logger != nil {
		p.logger.Info("credential cooled",
			zap.String("credential", name),
			zap.String("masked_secret", maskutil.APIKey(secret)),
			zap.String("reason", reason),
			zap.Duration("cooldown", cooldown),
		)
	}
}

// MarkSuccess zeroes the credential's error count. The cursor is left
// unchanged: sticky selection keeps using the same credential until it fails.
func (p *Pool) MarkSuccess(secret string) {
	p.mu.Lock()
	idx := p.indexOfLocked(secret)
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	p.creds[idx].ErrorCount = 0
	name := p.creds[idx].Name
	p.mu.Unlock()

	metrics.GlobalRecorder.UpdateCredentialState(name, true, 0)
}

// AllCooling reports whether every credential is currently cooling. An empty
// pool reports true: there is nothing available to serve a request from.
func (p *Pool) AllCooling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.creds) == 0 {
		return true
	}
	now := p.nowFn()
	for _, c := range p.creds {
		if c.Available(now) {
			return false
		}
	}
	return true
}

// Status returns a value-copy snapshot of the pool; the caller holds no lock
// after this call returns.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFn()
	out := PoolStatus{Keys: make([]Status, 0, len(p.creds))}
	for i, c := range p.creds {
		remainingSeconds := int64(0)
		if !c.Available(now) {
			remainingSeconds = int64(c.CoolingUntil.Sub(now).Seconds())
			if remainingSeconds < 0 {
				remainingSeconds = 0
			}
		}
		out.Keys = append(out.Keys, Status{
			Name:                  c.Name,
			Available:             c.Available(now),
			RateLimitedForSeconds: remainingSeconds,
			ErrorCount:            c.ErrorCount,
		})
		if i == p.current {
			out.CurrentKey = c.Name
		}
	}
	return out
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

func (p *Pool) indexOfLocked(secret string) int {
	for i, c := range p.creds {
		if c.Secret == secret {
			return i
		}
	}
	return -1
}
