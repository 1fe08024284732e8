package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // idempotent, must not panic on duplicate registration

	if AlertsAdded == nil || AlertsRemoved == nil || Notifications == nil {
		t.Fatal("alert counters not initialized")
	}
	if SessionReconnects == nil || OrphansDeleted == nil || SessionStateGauge == nil {
		t.Fatal("eventsub metrics not initialized")
	}
	if TokenRefreshes == nil || OnboardingDuration == nil {
		t.Fatal("oauth/onboarding metrics not initialized")
	}
}

func TestCounters(t *testing.T) {
	Init()

	tests := []struct {
		name   string
		record func()
		read   func() float64
		want   float64
	}{
		{
			name:   "alert add",
			record: func() { RecordAlertAdd("metrics-test", "added") },
			read:   func() float64 { return testutil.ToFloat64(AlertsAdded.WithLabelValues("metrics-test", "added")) },
			want:   1,
		},
		{
			name:   "alert remove",
			record: func() { RecordAlertRemove("metrics-test", "refused") },
			read:   func() float64 { return testutil.ToFloat64(AlertsRemoved.WithLabelValues("metrics-test", "refused")) },
			want:   1,
		},
		{
			name:   "notification",
			record: func() { RecordNotification("metrics-test", "sent") },
			read:   func() float64 { return testutil.ToFloat64(Notifications.WithLabelValues("metrics-test", "sent")) },
			want:   1,
		},
		{
			name:   "reconnect",
			record: func() { RecordReconnect("metrics-test") },
			read:   func() float64 { return testutil.ToFloat64(SessionReconnects.WithLabelValues("metrics-test")) },
			want:   1,
		},
		{
			name:   "orphans",
			record: func() { RecordOrphansDeleted("metrics-test", 3); RecordOrphansDeleted("metrics-test", 0) },
			read:   func() float64 { return testutil.ToFloat64(OrphansDeleted.WithLabelValues("metrics-test")) },
			want:   3,
		},
		{
			name:   "token refresh",
			record: func() { RecordTokenRefresh("metrics-test", "error") },
			read:   func() float64 { return testutil.ToFloat64(TokenRefreshes.WithLabelValues("metrics-test", "error")) },
			want:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.record()
			if got := tt.read(); got != tt.want {
				t.Errorf("counter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionStateGauge(t *testing.T) {
	Init()
	SetSessionState("gauge-test", 2)
	if got := testutil.ToFloat64(SessionStateGauge.WithLabelValues("gauge-test")); got != 2 {
		t.Errorf("session state = %v, want 2", got)
	}
	SetSessionState("gauge-test", 0)
	if got := testutil.ToFloat64(SessionStateGauge.WithLabelValues("gauge-test")); got != 0 {
		t.Errorf("session state = %v, want 0", got)
	}
}

func TestObserveOnboarding(t *testing.T) {
	Init()
	ObserveOnboarding("onboard-test", time.Now().Add(-2*time.Second))
	if n := testutil.CollectAndCount(OnboardingDuration); n == 0 {
		t.Error("onboarding histogram has no series after observation")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty) = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation() = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
