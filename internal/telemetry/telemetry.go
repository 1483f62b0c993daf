// Package telemetry keeps local-only sync counters.
//
// Nothing recorded here leaves the device. The counters back the
// /api/status endpoint so an operator can see how delivery is going
// without reading logs.
package telemetry

import (
	"sync"
	"time"

	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
)

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Events  map[string]int64         `json:"events"`
	Errors  map[string]int64         `json:"errors"`
	Metrics map[string]float64       `json:"metrics"`
	Timings map[string]TimingSummary `json:"timings"`
}

// TimingSummary aggregates RecordTiming calls for one name.
type TimingSummary struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

type registry struct {
	mu      sync.Mutex
	events  map[string]int64
	errors  map[string]int64
	metrics map[string]float64
	timings map[string]TimingSummary
}

var global = newRegistry()

func newRegistry() *registry {
	return &registry{
		events:  make(map[string]int64),
		errors:  make(map[string]int64),
		metrics: make(map[string]float64),
		timings: make(map[string]TimingSummary),
	}
}

// =====================================================
// Event Tracking
// =====================================================

// TrackEvent counts one occurrence of name. Properties are accepted for
// call-site symmetry with the logger but are not stored.
func TrackEvent(name string, properties map[string]interface{}) {
	RecordCount(name, 1)
}

// TrackError counts err under its taxonomy code, or INTERNAL_ERROR when it
// carries none.
func TrackError(err error) {
	if err == nil {
		return
	}
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	global.mu.Lock()
	global.errors[string(code)]++
	global.mu.Unlock()
}

// =====================================================
// Metrics Collection
// =====================================================

// RecordMetric sets a gauge to value.
func RecordMetric(name string, value float64) {
	global.mu.Lock()
	global.metrics[name] = value
	global.mu.Unlock()
}

// RecordTiming adds one duration sample.
func RecordTiming(name string, duration time.Duration) {
	global.mu.Lock()
	defer global.mu.Unlock()
	s := global.timings[name]
	s.Count++
	s.Total += duration
	if duration > s.Max {
		s.Max = duration
	}
	global.timings[name] = s
}

// RecordCount increments a counter by delta.
func RecordCount(name string, delta int) {
	global.mu.Lock()
	global.events[name] += int64(delta)
	global.mu.Unlock()
}

// Get returns a copy of all counters.
func Get() Snapshot {
	global.mu.Lock()
	defer global.mu.Unlock()

	s := Snapshot{
		Events:  make(map[string]int64, len(global.events)),
		Errors:  make(map[string]int64, len(global.errors)),
		Metrics: make(map[string]float64, len(global.metrics)),
		Timings: make(map[string]TimingSummary, len(global.timings)),
	}
	for k, v := range global.events {
		s.Events[k] = v
	}
	for k, v := range global.errors {
		s.Errors[k] = v
	}
	for k, v := range global.metrics {
		s.Metrics[k] = v
	}
	for k, v := range global.timings {
		s.Timings[k] = v
	}
	return s
}

// Reset clears every counter.
func Reset() {
	fresh := newRegistry()
	global.mu.Lock()
	global.events = fresh.events
	global.errors = fresh.errors
	global.metrics = fresh.metrics
	global.timings = fresh.timings
	global.mu.Unlock()
}
