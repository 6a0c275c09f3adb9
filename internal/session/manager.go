// Package session decides how tracker progress maps onto catalog reading
// sessions. The core question is whether an incoming progress value continues
// the latest session or represents a fresh re-read, which must get its own
// session so the earlier finished read is preserved.
package session

import (
	"fmt"

	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

// Action is what the caller should do with the latest session
type Action int

const (
	// ActionCreate starts a new reading session
	ActionCreate Action = iota
	// ActionUpdate mutates the existing latest session
	ActionUpdate
)

// String returns the action name for logs
func (a Action) String() string {
	if a == ActionCreate {
		return "create"
	}
	return "update"
}

// Decision is the outcome of evaluating one progress update
type Decision struct {
	Action Action
	Reason string
	// IsRegression marks a suspicious backward jump that still updates the
	// existing session. Callers should log it prominently.
	IsRegression bool
	// PreviousPercent is the estimated percent of the existing session,
	// exact when the edition total is known.
	PreviousPercent float64
}

// Manager evaluates progress updates against re-read thresholds
type Manager struct {
	thresholds config.ThresholdConfig
	logger     *logger.Logger
}

// NewManager creates a new session Manager
func NewManager(thresholds config.ThresholdConfig, log *logger.Logger) *Manager {
	return &Manager{
		thresholds: thresholds,
		logger: log.With(map[string]interface{}{
			"component": "session_manager",
		}),
	}
}

// Decide determines whether newValue (raw pages or seconds, with newPercent
// as its 0-100 equivalent) continues the existing session or starts a new
// one. total is the edition's full length in the same unit as newValue, or 0
// when unknown.
func (m *Manager) Decide(existing *models.ReadingSession, newValue, newPercent, total float64) Decision {
	if existing == nil {
		return Decision{Action: ActionCreate, Reason: "no existing session"}
	}
	if existing.Finished() {
		return Decision{Action: ActionCreate, Reason: "previous session finished"}
	}

	previousPercent := m.estimatePercent(existing.ProgressValue(), newValue, newPercent, total)

	if previousPercent >= m.thresholds.HighProgress && newPercent <= m.thresholds.Reread {
		return Decision{
			Action:          ActionCreate,
			Reason:          fmt.Sprintf("re-read detected (%.1f%% -> %.1f%%)", previousPercent, newPercent),
			PreviousPercent: previousPercent,
		}
	}

	if previousPercent >= m.thresholds.HighProgress && previousPercent-newPercent > m.thresholds.RegressionWarn {
		m.logger.Warn("Progress regression on near-finished book", map[string]interface{}{
			"previous_percent": previousPercent,
			"new_percent":      newPercent,
			"session_id":       existing.ID,
		})
		return Decision{
			Action:          ActionUpdate,
			Reason:          fmt.Sprintf("progress regression (%.1f%% -> %.1f%%)", previousPercent, newPercent),
			IsRegression:    true,
			PreviousPercent: previousPercent,
		}
	}

	return Decision{
		Action:          ActionUpdate,
		Reason:          "continuing existing session",
		PreviousPercent: previousPercent,
	}
}

// estimatePercent converts the existing session's raw value to a percentage.
// With a known total the conversion is exact. Without one, the old and new
// raw values are compared: an old value several times larger than the new
// one almost certainly belonged to a near-finished read, so it is treated as
// high progress (capped below 100 to stay an estimate).
func (m *Manager) estimatePercent(oldValue, newValue, newPercent, total float64) float64 {
	if total > 0 {
		pct := oldValue / total * 100
		if pct > 100 {
			pct = 100
		}
		return pct
	}
	if newValue > 0 && newPercent > 0 {
		ratio := oldValue / newValue
		if ratio > 3 {
			estimated := ratio * 25
			if estimated > 95 {
				estimated = 95
			}
			return estimated
		}
		// proportional estimate relative to the incoming value
		pct := ratio * newPercent
		if pct > 100 {
			pct = 100
		}
		return pct
	}
	return 0
}
