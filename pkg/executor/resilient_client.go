package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig controls the per-address circuit breaker placed around
// connection establishment. Runs themselves are never retried.
type BreakerConfig struct {
	Enabled                bool          `yaml:"enabled" json:"enabled"`
	MaxConsecutiveFailures uint32        `yaml:"maxConsecutiveFailures" json:"maxConsecutiveFailures"`
	Interval               time.Duration `yaml:"interval" json:"interval"`
	OpenTimeout            time.Duration `yaml:"openTimeout" json:"openTimeout"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:                true,
		MaxConsecutiveFailures: 5,
		Interval:               time.Minute,
		OpenTimeout:            30 * time.Second,
	}
}

// breakers hands out one circuit breaker per remote address.
type breakers struct {
	cfg BreakerConfig
	mu  sync.Mutex
	m   map[string]*gobreaker.CircuitBreaker
}

func newBreakers(cfg BreakerConfig) *breakers {
	return &breakers{cfg: cfg, m: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *breakers) get(addr string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.m[addr]; ok {
		return cb
	}
	maxFailures := b.cfg.MaxConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ssh-connect " + addr,
		MaxRequests: 1,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// the caller giving up says nothing about the host
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	b.m[addr] = cb
	return cb
}

// do runs fn through the breaker for addr, or directly when disabled.
func (b *breakers) do(addr string, fn func() (any, error)) (any, error) {
	if !b.cfg.Enabled {
		return fn()
	}
	res, err := b.get(addr).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("circuit breaker for %s: %w", addr, err)
	}
	return res, err
}

func (b *breakers) state(addr string) gobreaker.State {
	if !b.cfg.Enabled {
		return gobreaker.StateClosed
	}
	return b.get(addr).State()
}
