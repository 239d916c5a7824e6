// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsReceived    prometheus.Counter
	SpotsLogged       prometheus.Counter
	Compensations     prometheus.Counter
	ReferendaOpened   prometheus.Counter
	ReferendaApproved prometheus.Counter
	ReferendaRejected prometheus.Counter
	SweepCycles       prometheus.Counter

	// Histograms (seconds)
	EventDuration prometheus.Observer
	SweepDuration prometheus.Observer

	// Gauges
	PendingReferendaGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "spotbot_events_received_total", Help: "Number of Slack events received"})
		SpotsLogged = promauto.NewCounter(prometheus.CounterOpts{Name: "spotbot_spots_logged_total", Help: "Number of spot messages counted"})
		Compensations = promauto.NewCounter(prometheus.CounterOpts{Name: "spotbot_compensations_total", Help: "Number of spot entries reversed"})
		ReferendaOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "spotbot_referenda_opened_total", Help: "Number of referenda opened"})
		ReferendaApproved = promauto.NewCounter(prometheus.CounterOpts{Name: "spotbot_referenda_approved_total", Help: "Number of referenda resolved as approved"})
		ReferendaRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "spotbot_referenda_rejected_total", Help: "Number of referenda resolved as rejected"})
		SweepCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "spotbot_referendum_sweeps_total", Help: "Number of referendum sweep cycles"})
		EventDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "spotbot_event_duration_seconds", Help: "Event handling duration seconds", Buckets: prometheus.DefBuckets})
		SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "spotbot_sweep_duration_seconds", Help: "Referendum sweep duration seconds", Buckets: prometheus.DefBuckets})
		PendingReferendaGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "spotbot_pending_referenda", Help: "Current number of referenda awaiting their voting window"})
	})
}

// Nil-safe recording helpers so core packages can record without caring
// whether Init ran (it doesn't in unit tests).

func CountEventReceived() {
	if EventsReceived != nil {
		EventsReceived.Inc()
	}
}

func CountSpotLogged() {
	if SpotsLogged != nil {
		SpotsLogged.Inc()
	}
}

func CountCompensation() {
	if Compensations != nil {
		Compensations.Inc()
	}
}

func CountReferendumOpened() {
	if ReferendaOpened != nil {
		ReferendaOpened.Inc()
	}
}

// CountReferendumResolved records one resolved referendum by outcome.
func CountReferendumResolved(approved bool) {
	if approved {
		if ReferendaApproved != nil {
			ReferendaApproved.Inc()
		}
		return
	}
	if ReferendaRejected != nil {
		ReferendaRejected.Inc()
	}
}

func CountSweepCycle() {
	if SweepCycles != nil {
		SweepCycles.Inc()
	}
}

// SetPendingReferenda records the current pending referendum count.
func SetPendingReferenda(n int64) {
	if PendingReferendaGauge != nil {
		PendingReferendaGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
