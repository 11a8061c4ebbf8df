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

// Package alerting evaluates threshold rules against metric snapshots.
// Alerts are edge-triggered: one notification when a rule starts firing,
// one resolution when it stops, with a per-rule cooldown in between.
// Delivery is notifier fan-out; the default sink logs.
package alerting

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/metrics"
)

// Severity levels in ascending urgency.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Comparison directions.
const (
	Below = "lt"
	Above = "gt"
)

// Rule is one threshold check over a metric snapshot.
type Rule struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Severity    string        `json:"severity"`
	Threshold   float64       `json:"threshold"`
	Comparison  string        `json:"comparison"`
	Cooldown    time.Duration `json:"cooldown_seconds"`

	// MinSamples suppresses rate rules until enough queries have been
	// observed for the rate to mean anything.
	MinSamples int64 `json:"min_samples"`

	// Value extracts the observed metric from a snapshot.
	Value func(metrics.Snapshot) float64 `json:"-"`
}

func (r Rule) breached(snap metrics.Snapshot) (float64, bool) {
	if r.MinSamples > 0 && snap.Total < r.MinSamples {
		return 0, false
	}
	v := r.Value(snap)
	if r.Comparison == Above {
		return v, v > r.Threshold
	}
	return v, v < r.Threshold
}

// Event records one alert transition.
type Event struct {
	Rule         string    `json:"rule"`
	Severity     string    `json:"severity"`
	Value        float64   `json:"value"`
	Threshold    float64   `json:"threshold"`
	Message      string    `json:"message"`
	Resolved     bool      `json:"resolved"`
	Acknowledged bool      `json:"acknowledged"`
	At           time.Time `json:"at"`
}

// Notifier delivers a triggered or resolved alert.
type Notifier func(Event)

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "low_success_rate",
			Description: "collection success rate below 95%",
			Severity:    SeverityWarning,
			Threshold:   0.95,
			Comparison:  Below,
			Cooldown:    600 * time.Second,
			MinSamples:  10,
			Value:       func(s metrics.Snapshot) float64 { return s.SuccessRate },
		},
		{
			Name:        "critical_success_rate",
			Description: "collection success rate below 80%",
			Severity:    SeverityCritical,
			Threshold:   0.80,
			Comparison:  Below,
			Cooldown:    300 * time.Second,
			MinSamples:  10,
			Value:       func(s metrics.Snapshot) float64 { return s.SuccessRate },
		},
		{
			Name:        "high_latency",
			Description: "average collection latency above 30s",
			Severity:    SeverityWarning,
			Threshold:   30000,
			Comparison:  Above,
			Cooldown:    600 * time.Second,
			MinSamples:  5,
			Value:       func(s metrics.Snapshot) float64 { return s.AvgDurationMS },
		},
		{
			Name:        "low_cache_hit_rate",
			Description: "cache hit rate below 50%",
			Severity:    SeverityInfo,
			Threshold:   0.50,
			Comparison:  Below,
			Cooldown:    1800 * time.Second,
			MinSamples:  20,
			Value:       func(s metrics.Snapshot) float64 { return s.CacheHitRate },
		},
	}
}

const historyCap = 200

// Manager evaluates rules and tracks firing state.
type Manager struct {
	mu            sync.Mutex
	rules         []Rule
	firing        map[string]bool
	lastTriggered map[string]time.Time
	history       []Event
	notifiers     []Notifier
	logger        *zap.Logger
}

// NewManager builds a manager with the given rules and the log notifier.
func NewManager(rules []Rule, logger *zap.Logger) *Manager {
	m := &Manager{
		rules:         rules,
		firing:        make(map[string]bool),
		lastTriggered: make(map[string]time.Time),
		logger:        logger.Named("alerting"),
	}
	m.notifiers = append(m.notifiers, m.logNotifier)
	return m
}

// AddNotifier registers an additional delivery sink.
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

func (m *Manager) logNotifier(e Event) {
	fields := []zap.Field{
		zap.String("rule", e.Rule),
		zap.String("severity", e.Severity),
		zap.Float64("value", e.Value),
		zap.Float64("threshold", e.Threshold),
	}
	if e.Resolved {
		m.logger.Info("alert resolved", fields...)
		return
	}
	switch e.Severity {
	case SeverityCritical:
		m.logger.Error("alert triggered", fields...)
	case SeverityWarning:
		m.logger.Warn("alert triggered", fields...)
	default:
		m.logger.Info("alert triggered", fields...)
	}
}

// CheckAll evaluates every rule against snap and returns the transitions
// that occurred.
func (m *Manager) CheckAll(snap metrics.Snapshot) []Event {
	m.mu.Lock()
	var events []Event
	now := time.Now()

	for _, rule := range m.rules {
		value, breached := rule.breached(snap)
		wasFiring := m.firing[rule.Name]

		switch {
		case breached && !wasFiring:
			if last, ok := m.lastTriggered[rule.Name]; ok && now.Sub(last) < rule.Cooldown {
				continue
			}
			m.firing[rule.Name] = true
			m.lastTriggered[rule.Name] = now
			events = append(events, Event{
				Rule:      rule.Name,
				Severity:  rule.Severity,
				Value:     value,
				Threshold: rule.Threshold,
				Message:   fmt.Sprintf("%s: observed %.4f, threshold %.4f", rule.Description, value, rule.Threshold),
				At:        now,
			})
		case !breached && wasFiring:
			m.firing[rule.Name] = false
			events = append(events, Event{
				Rule:      rule.Name,
				Severity:  rule.Severity,
				Value:     value,
				Threshold: rule.Threshold,
				Message:   fmt.Sprintf("%s: recovered at %.4f", rule.Description, value),
				Resolved:  true,
				At:        now,
			})
		}
	}

	m.history = append(m.history, events...)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	notifiers := make([]Notifier, len(m.notifiers))
	copy(notifiers, m.notifiers)
	m.mu.Unlock()

	for _, e := range events {
		for _, n := range notifiers {
			n(e)
		}
	}
	return events
}

// Silence suppresses a rule for the given duration by pushing its
// last-triggered timestamp into the future. Returns false for an unknown
// rule.
func (m *Manager) Silence(name string, d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rule := range m.rules {
		if rule.Name == name {
			m.lastTriggered[name] = time.Now().Add(d)
			m.firing[name] = false
			return true
		}
	}
	return false
}

// Acknowledge marks the most recent unresolved event of a rule as seen.
func (m *Manager) Acknowledge(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Rule == name && !m.history[i].Resolved {
			m.history[i].Acknowledged = true
			return true
		}
	}
	return false
}

// Active returns the names of currently firing rules.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, on := range m.firing {
		if on {
			names = append(names, name)
		}
	}
	return names
}

// History returns the retained transitions, oldest first.
func (m *Manager) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.history))
	copy(out, m.history)
	return out
}

// Rules exposes the configured rule set.
func (m *Manager) Rules() []Rule {
	return m.rules
}
