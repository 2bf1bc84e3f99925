// Package schedule decides whether a scheduled warm job may run at a given instant.
package schedule

import (
	"crypto/subtle"
	"errors"
	"time"
)

// ErrUnauthorized is returned when a manual override arrives with a missing or wrong secret.
var ErrUnauthorized = errors.New("schedule: manual override not authorized")

// Reasons reported in Decision.Reason.
const (
	ReasonHourMatch   = "hour_match"
	ReasonManual      = "manual_override"
	ReasonOutsideHour = "outside_scheduled_hour"
)

type Decision struct {
	Run         bool   `json:"run"`
	Reason      string `json:"reason"`
	CurrentHour int    `json:"currentHour"`
}

// ShouldRun is pure. A manual override with a valid secret always runs; an override
// without one is unauthorized. Otherwise the job runs only when the local hour in loc
// equals hour exactly. A nil loc means UTC.
func ShouldRun(now time.Time, hour int, loc *time.Location, override, secretValid bool) (Decision, error) {
	if loc == nil {
		loc = time.UTC
	}
	current := now.In(loc).Hour()
	if override {
		if !secretValid {
			return Decision{Reason: ReasonManual, CurrentHour: current}, ErrUnauthorized
		}
		return Decision{Run: true, Reason: ReasonManual, CurrentHour: current}, nil
	}
	if current == hour {
		return Decision{Run: true, Reason: ReasonHourMatch, CurrentHour: current}, nil
	}
	return Decision{Reason: ReasonOutsideHour, CurrentHour: current}, nil
}

// Gate binds ShouldRun to configuration.
type Gate struct {
	Hour     int
	Location *time.Location
	Secret   string
}

// Check validates provided against the configured secret. An empty configured secret
// rejects every override.
func (g Gate) Check(now time.Time, override bool, provided string) (Decision, error) {
	return ShouldRun(now, g.Hour, g.Location, override, g.SecretValid(provided))
}

func (g Gate) SecretValid(provided string) bool {
	if g.Secret == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(g.Secret)) == 1
}

// Day is the calendar day of now in the gate's location, used to run a job once per day.
func (g Gate) Day(now time.Time) string {
	loc := g.Location
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(time.DateOnly)
}
