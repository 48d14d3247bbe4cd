package notify

import (
	"sync"
	"time"
)

// BreakerState is the delivery circuit state for one endpoint.
type BreakerState string

const (
	// BreakerClosed lets deliveries through normally.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen short-circuits deliveries until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits a limited number of probe deliveries.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the per-endpoint delivery circuit.
type BreakerConfig struct {
	// MaxFailures is how many consecutive failures open the circuit.
	MaxFailures uint32
	// Cooldown is how long an open circuit waits before probing again.
	Cooldown time.Duration
	// MaxProbes caps concurrent deliveries while half-open.
	MaxProbes uint32
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.MaxProbes == 0 {
		c.MaxProbes = 1
	}
	return c
}

// Breaker tracks consecutive delivery failures for one endpoint and
// short-circuits sends while the endpoint looks dead. Short-circuited
// deliveries fail transiently so the run-level retry policy still applies.
type Breaker struct {
	cfg      BreakerConfig
	state    BreakerState
	failures uint32
	probes   uint32
	openedAt time.Time
	mu       sync.Mutex
}

// NewBreaker creates a closed breaker, filling in defaults for zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.normalized(), state: BreakerClosed}
}

// Allow reports whether a delivery may proceed right now. A denied delivery
// must not call RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probes = 1
		return true
	case BreakerHalfOpen:
		if b.probes >= b.cfg.MaxProbes {
			return false
		}
		b.probes++
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit after a successful delivery.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
}

// RecordFailure counts one failed delivery, opening the circuit once the
// threshold is crossed or a half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.probes = 0
	case BreakerClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakerSet hands out one Breaker per endpoint URL.
type breakerSet struct {
	cfg      BreakerConfig
	breakers map[string]*Breaker
	mu       sync.Mutex
}

func newBreakerSet(cfg BreakerConfig) *breakerSet {
	return &breakerSet{cfg: cfg.normalized(), breakers: make(map[string]*Breaker)}
}

func (s *breakerSet) forEndpoint(url string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[url]
	if !ok {
		b = NewBreaker(s.cfg)
		s.breakers[url] = b
	}
	return b
}
