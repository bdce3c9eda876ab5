package internaldefs

import (
	"github.com/MrEthical07/authcore"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef names one exported latency histogram.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// CounterDefs lists every counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Successful logins."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Rejected authentication factors, in and outside login."},
	{ID: authcore.MetricLoginBlocked, Name: "authcore_login_blocked_total", Help: "Attempts refused because the account is blocked."},
	{ID: authcore.MetricAccountLocked, Name: "authcore_account_locked_total", Help: "Accounts blocked by the lockout threshold."},
	{ID: authcore.MetricAccountUnlocked, Name: "authcore_account_unlocked_total", Help: "Blocked accounts unlocked."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful token rotations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Failed token rotations."},
	{ID: authcore.MetricRefreshReuseRejected, Name: "authcore_refresh_reuse_rejected_total", Help: "Refresh tokens presented after rotation or revocation."},
	{ID: authcore.MetricTOTPRequired, Name: "authcore_totp_required_total", Help: "Logins that stopped for a missing second factor."},
	{ID: authcore.MetricTOTPSuccess, Name: "authcore_totp_success_total", Help: "Accepted TOTP codes."},
	{ID: authcore.MetricTOTPFailure, Name: "authcore_totp_failure_total", Help: "Rejected TOTP codes."},
	{ID: authcore.MetricTOTPReplayRejected, Name: "authcore_totp_replay_rejected_total", Help: "TOTP codes rejected as already used."},
	{ID: authcore.MetricTOTPDeviceActivated, Name: "authcore_totp_device_activated_total", Help: "TOTP devices activated."},
	{ID: authcore.MetricBackupCodeUsed, Name: "authcore_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: authcore.MetricBackupCodeFailed, Name: "authcore_backup_code_failed_total", Help: "Rejected backup codes."},
	{ID: authcore.MetricBackupCodeRegenerated, Name: "authcore_backup_code_regenerated_total", Help: "Backup code sets regenerated."},
	{ID: authcore.MetricTOTPResetRequested, Name: "authcore_totp_reset_requested_total", Help: "TOTP reset requests filed."},
	{ID: authcore.MetricTOTPResetApproved, Name: "authcore_totp_reset_approved_total", Help: "TOTP reset requests approved."},
	{ID: authcore.MetricTOTPResetRejected, Name: "authcore_totp_reset_rejected_total", Help: "TOTP reset requests rejected."},
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created_total", Help: "Sessions created."},
	{ID: authcore.MetricSessionRevoked, Name: "authcore_session_revoked_total", Help: "Sessions removed by logout, revoke or lockout."},
	{ID: authcore.MetricLogout, Name: "authcore_logout_total", Help: "Single-session logouts."},
	{ID: authcore.MetricLogoutAll, Name: "authcore_logout_all_total", Help: "Revoke-all operations."},
	{ID: authcore.MetricSessionsPurged, Name: "authcore_sessions_purged_total", Help: "Expired sessions purged."},
	{ID: authcore.MetricDecryptFailure, Name: "authcore_decrypt_failure_total", Help: "Sealed blobs that failed to open."},
	{ID: authcore.MetricPasswordRehashed, Name: "authcore_password_rehashed_total", Help: "Password hashes upgraded on login."},
}

// HistogramDefs lists the latency histograms.
var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricValidateLatency, Name: "authcore_validate_latency_seconds", Help: "Access token validation latency."},
}

// HistogramBounds are the upper bounds of the eight core buckets, in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds made safe for instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
