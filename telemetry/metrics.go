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
	AlertsAdded       *prometheus.CounterVec
	AlertsRemoved     *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	SessionReconnects *prometheus.CounterVec
	OrphansDeleted    *prometheus.CounterVec
	TokenRefreshes    *prometheus.CounterVec

	// Gauges
	SessionStateGauge *prometheus.GaugeVec

	// Histograms (seconds)
	OnboardingDuration *prometheus.HistogramVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		AlertsAdded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "alerts_add_total", Help: "Add-alert requests by outcome"}, []string{"platform", "result"})
		AlertsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{Name: "alerts_remove_total", Help: "Remove-alert requests by outcome"}, []string{"platform", "result"})
		Notifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "alerts_notifications_total", Help: "Live notifications delivered to guild channels"}, []string{"platform", "outcome"})
		SessionReconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eventsub_reconnects_total", Help: "Event stream reconnect attempts"}, []string{"platform"})
		OrphansDeleted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eventsub_orphans_deleted_total", Help: "Remote subscriptions deleted after their session died"}, []string{"platform"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_token_refresh_total", Help: "OAuth refresh grants by outcome"}, []string{"platform", "result"})
		SessionStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "eventsub_session_state", Help: "Event stream state: 0=disconnected 1=connecting 2=welcomed 3=active"}, []string{"platform"})
		OnboardingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboarding_duration_seconds",
			Help:    "Time from onboarding start until the platform is available, including any operator handshake",
			Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800},
		}, []string{"platform"})
	})
}

func RecordAlertAdd(platform, result string) {
	if AlertsAdded != nil {
		AlertsAdded.WithLabelValues(platform, result).Inc()
	}
}

func RecordAlertRemove(platform, result string) {
	if AlertsRemoved != nil {
		AlertsRemoved.WithLabelValues(platform, result).Inc()
	}
}

func RecordNotification(platform, outcome string) {
	if Notifications != nil {
		Notifications.WithLabelValues(platform, outcome).Inc()
	}
}

func RecordReconnect(platform string) {
	if SessionReconnects != nil {
		SessionReconnects.WithLabelValues(platform).Inc()
	}
}

func RecordOrphansDeleted(platform string, n int) {
	if OrphansDeleted != nil && n > 0 {
		OrphansDeleted.WithLabelValues(platform).Add(float64(n))
	}
}

func RecordTokenRefresh(platform, result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(platform, result).Inc()
	}
}

// SetSessionState records the numeric session state for platform.
func SetSessionState(platform string, state int) {
	if SessionStateGauge != nil {
		SessionStateGauge.WithLabelValues(platform).Set(float64(state))
	}
}

// ObserveOnboarding records how long onboarding platform took since start.
func ObserveOnboarding(platform string, start time.Time) {
	if OnboardingDuration != nil {
		OnboardingDuration.WithLabelValues(platform).Observe(time.Since(start).Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
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
