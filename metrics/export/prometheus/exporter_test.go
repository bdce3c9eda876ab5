package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/authcore"
)

type fakeSource struct {
	snapshot authcore.MetricsSnapshot
}

func (f fakeSource) MetricsSnapshot() authcore.MetricsSnapshot { return f.snapshot }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters:   map[authcore.MetricID]uint64{},
			Histograms: map[authcore.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderIncludesCounterAndHistogram(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters: map[authcore.MetricID]uint64{
				authcore.MetricLoginSuccess:  7,
				authcore.MetricAccountLocked: 2,
			},
			Histograms: map[authcore.MetricID][]uint64{
				authcore.MetricValidateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
	})

	out := exp.Render()
	for _, want := range []string{
		"authcore_login_success_total 7",
		"authcore_account_locked_total 2",
		"authcore_refresh_failure_total 0",
		"# TYPE authcore_validate_latency_seconds histogram",
		"authcore_validate_latency_seconds_bucket{le=\"0.005\"} 1",
		"authcore_validate_latency_seconds_bucket{le=\"+Inf\"} 36",
		"authcore_validate_latency_seconds_count 36",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestRenderSkipsAbsentHistogram(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters:   map[authcore.MetricID]uint64{authcore.MetricLogout: 1},
			Histograms: map[authcore.MetricID][]uint64{},
		},
	})
	if out := exp.Render(); strings.Contains(out, "validate_latency") {
		t.Fatalf("histogram rendered without data:\n%s", out)
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters:   map[authcore.MetricID]uint64{authcore.MetricLoginSuccess: 1},
			Histograms: map[authcore.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRenderFromEngineMetrics(t *testing.T) {
	m := authcore.NewMetrics(authcore.MetricsConfig{Enabled: true})
	m.Inc(authcore.MetricTOTPReplayRejected)
	exp := NewExporter(fakeSource{snapshot: m.Snapshot()})

	if out := exp.Render(); !strings.Contains(out, "authcore_totp_replay_rejected_total 1") {
		t.Fatalf("replay counter missing:\n%s", out)
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewExporter(fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters: map[authcore.MetricID]uint64{
				authcore.MetricLoginSuccess:   1000,
				authcore.MetricLoginFailure:   40,
				authcore.MetricRefreshSuccess: 800,
				authcore.MetricRefreshFailure: 10,
				authcore.MetricSessionCreated: 800,
				authcore.MetricSessionRevoked: 20,
			},
			Histograms: map[authcore.MetricID][]uint64{
				authcore.MetricValidateLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
