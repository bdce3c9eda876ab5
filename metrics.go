package authcore

import (
	"sync/atomic"
	"time"
)

// MetricID names one Engine counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginBlocked
	MetricAccountLocked
	MetricAccountUnlocked
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseRejected
	MetricTOTPRequired
	MetricTOTPSuccess
	MetricTOTPFailure
	MetricTOTPReplayRejected
	MetricTOTPDeviceActivated
	MetricBackupCodeUsed
	MetricBackupCodeFailed
	MetricBackupCodeRegenerated
	MetricTOTPResetRequested
	MetricTOTPResetApproved
	MetricTOTPResetRejected
	MetricSessionCreated
	MetricSessionRevoked
	MetricLogout
	MetricLogoutAll
	MetricSessionsPurged
	MetricDecryptFailure
	MetricPasswordRehashed
	MetricValidateLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricLoginSuccess:          "login_success",
	MetricLoginFailure:          "login_failure",
	MetricLoginBlocked:          "login_blocked",
	MetricAccountLocked:         "account_locked",
	MetricAccountUnlocked:       "account_unlocked",
	MetricRefreshSuccess:        "refresh_success",
	MetricRefreshFailure:        "refresh_failure",
	MetricRefreshReuseRejected:  "refresh_reuse_rejected",
	MetricTOTPRequired:          "totp_required",
	MetricTOTPSuccess:           "totp_success",
	MetricTOTPFailure:           "totp_failure",
	MetricTOTPReplayRejected:    "totp_replay_rejected",
	MetricTOTPDeviceActivated:   "totp_device_activated",
	MetricBackupCodeUsed:        "backup_code_used",
	MetricBackupCodeFailed:      "backup_code_failed",
	MetricBackupCodeRegenerated: "backup_code_regenerated",
	MetricTOTPResetRequested:    "totp_reset_requested",
	MetricTOTPResetApproved:     "totp_reset_approved",
	MetricTOTPResetRejected:     "totp_reset_rejected",
	MetricSessionCreated:        "session_created",
	MetricSessionRevoked:        "session_revoked",
	MetricLogout:                "logout",
	MetricLogoutAll:             "logout_all",
	MetricSessionsPurged:        "sessions_purged",
	MetricDecryptFailure:        "decrypt_failure",
	MetricPasswordRehashed:      "password_rehashed",
	MetricValidateLatency:       "validate_latency",
}

func (id MetricID) String() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters. A nil *Metrics is a valid no-op.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	m.Add(id, 1)
}

// Add increases id by n.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount || n == 0 {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

// Observe records d in the latency histogram of id. Only
// MetricValidateLatency carries a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != MetricValidateLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
		}
		s.Histograms[MetricValidateLatency] = buckets
	}
	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
