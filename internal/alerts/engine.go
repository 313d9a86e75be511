// Package alerts turns storage usage ratios into at most one live alert.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/rafaelmqs/deskhub/internal/bus"
	"github.com/rafaelmqs/deskhub/internal/store"
	"go.uber.org/zap"
)

// Severity orders alert categories for display.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert categories. Each maps to exactly one usage range, so the engine
// carries zero or one live alert at any time.
const (
	CategoryCritical = "critical-storage"
	CategoryWarning  = "warning-storage"
	CategoryInfo     = "info-storage"
)

// Alert is a live threshold alert.
type Alert struct {
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Ratio       float64  `json:"ratio"`
	Message     string   `json:"message"`
	Dismissible bool     `json:"dismissible"`
	Dismissed   bool     `json:"dismissed"`
}

// Engine recomputes the live alert on every observed usage ratio. Dismissals
// are per category and survive restarts through the store; leaving a category's
// range resets its dismissal so the alert fires again on re-entry.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	current *Alert
}

// NewEngine creates an alert engine. Persisted dismissals are consulted
// lazily on the first Observe call.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, bus: b, logger: logger}
}

// classify maps a usage ratio to an alert, or nil for the quiet range.
// Bounds are strict: 0.50 and 0.75 fall in the quiet range, 0.90 is still a
// warning.
func classify(ratio float64) *Alert {
	switch {
	case ratio > 0.90:
		return &Alert{
			Category:    CategoryCritical,
			Severity:    SeverityCritical,
			Ratio:       ratio,
			Message:     fmt.Sprintf("cloud storage %.0f%% full, uploads may start failing", ratio*100),
			Dismissible: true,
		}
	case ratio > 0.75:
		return &Alert{
			Category:    CategoryWarning,
			Severity:    SeverityWarning,
			Ratio:       ratio,
			Message:     fmt.Sprintf("cloud storage %.0f%% full", ratio*100),
			Dismissible: true,
		}
	case ratio < 0.50:
		return &Alert{
			Category:    CategoryInfo,
			Severity:    SeverityInfo,
			Ratio:       ratio,
			Message:     fmt.Sprintf("plenty of cloud storage left (%.0f%% used)", ratio*100),
			Dismissible: false,
		}
	default:
		return nil
	}
}

// Observe feeds a used/total ratio into the engine and returns the resulting
// live alert, or nil when the ratio lands in the quiet range.
func (e *Engine) Observe(ratio float64) (*Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := classify(ratio)

	prev := e.current
	if prev != nil && (next == nil || next.Category != prev.Category) {
		// Leaving a range re-arms its dismissal.
		if prev.Dismissible {
			if err := e.db.ClearAlertDismissal(prev.Category); err != nil {
				return nil, fmt.Errorf("clearing dismissal for %s: %w", prev.Category, err)
			}
		}
		e.current = nil
		e.publish(bus.KindAlertCleared, *prev)
	}

	if next == nil {
		return nil, nil
	}

	if prev != nil && prev.Category == next.Category {
		// Same range, refresh the ratio but keep the dismissal flag.
		next.Dismissed = prev.Dismissed
		e.current = next
		return e.snapshotLocked(), nil
	}

	if next.Dismissible {
		dismissed, err := e.db.IsAlertDismissed(next.Category)
		if err != nil {
			return nil, fmt.Errorf("reading dismissal for %s: %w", next.Category, err)
		}
		next.Dismissed = dismissed
	}
	e.current = next
	if !next.Dismissed {
		e.publish(bus.KindAlertRaised, *next)
	}
	return e.snapshotLocked(), nil
}

// Current returns the live alert, or nil when none is active.
func (e *Engine) Current() *Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Dismiss hides the live alert for as long as the ratio stays in its range.
// Info alerts are not dismissible.
func (e *Engine) Dismiss(category string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil || e.current.Category != category {
		return fmt.Errorf("no live alert for category %q", category)
	}
	if !e.current.Dismissible {
		return fmt.Errorf("alert %q cannot be dismissed", category)
	}
	if err := e.db.DismissAlert(category); err != nil {
		return fmt.Errorf("persisting dismissal: %w", err)
	}
	e.current.Dismissed = true
	e.publish(bus.KindAlertDismissed, *e.current)
	return nil
}

func (e *Engine) snapshotLocked() *Alert {
	if e.current == nil {
		return nil
	}
	a := *e.current
	return &a
}

func (e *Engine) publish(kind string, alert Alert) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: alert})
}
