/*
Copyright 2025 the Industry Monitor contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resilience

import (
	"errors"
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/config"
	"github.com/qzsyzn/industry-monitor/internal/errs"
)

// BreakerStats is the externally visible state of one breaker.
type BreakerStats struct {
	Name                 string `json:"name"`
	State                string `json:"state"`
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// BreakerManager owns one circuit breaker per name (one per action in
// practice), created lazily with shared settings.
type BreakerManager struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewBreakerManager builds an empty manager.
func NewBreakerManager(cfg config.BreakerConfig, logger *zap.Logger) *BreakerManager {
	return &BreakerManager{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.Named("breaker"),
	}
}

func (m *BreakerManager) newBreaker(name string) *gobreaker.CircuitBreaker {
	maxRequests := m.cfg.SuccessThreshold
	if m.cfg.HalfOpenMaxCalls > maxRequests {
		maxRequests = m.cfg.HalfOpenMaxCalls
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Timeout:     m.cfg.OpenWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func (m *BreakerManager) get(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[name]
	if !ok {
		cb = m.newBreaker(name)
		m.breakers[name] = cb
	}
	return cb
}

// Execute runs fn through the named breaker. Rejections while the breaker
// is open (or half-open and saturated) surface as ErrCircuitOpen.
func (m *BreakerManager) Execute(name string, fn func() (any, error)) (any, error) {
	res, err := m.get(name).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errs.Wrap(errs.ErrCircuitOpen, err)
	}
	return res, err
}

// Stats snapshots every breaker created so far.
func (m *BreakerManager) Stats() []BreakerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BreakerStats, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		out = append(out, BreakerStats{
			Name:                 name,
			State:                cb.State().String(),
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		})
	}
	return out
}

// Reset discards the named breaker; the next call starts from CLOSED.
// Returns false when no breaker with that name exists.
func (m *BreakerManager) Reset(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.breakers[name]; !ok {
		return false
	}
	delete(m.breakers, name)
	return true
}

// ResetAll discards every breaker.
func (m *BreakerManager) ResetAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.breakers)
	m.breakers = make(map[string]*gobreaker.CircuitBreaker)
	return n
}
