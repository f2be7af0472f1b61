package authcore

import "sync/atomic"

// MetricID indexes one engine counter.
type MetricID uint8

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginLockedOut
	MetricLoginRateLimited
	MetricTwoFactorRequired
	MetricTwoFactorSuccess
	MetricTwoFactorFailure
	MetricRecoveryCodeUsed
	MetricRefreshSuccess
	MetricRefreshInvalid
	MetricRefreshReuseDetected
	MetricRegisterSuccess
	MetricRegisterDuplicate
	MetricConfirmationSent
	MetricConfirmationRateLimited
	MetricEmailConfirmed
	MetricPasswordResetRequested
	MetricPasswordResetCompleted
	MetricPasswordChanged
	MetricExternalLoginSuccess
	MetricExternalAccountCreated
	MetricExternalLinkConflict
	MetricAccountDeleted
	MetricMailFailure

	metricCount
)

var metricNames = [metricCount]string{
	MetricLoginSuccess:            "login_success",
	MetricLoginFailure:            "login_failure",
	MetricLoginLockedOut:          "login_locked_out",
	MetricLoginRateLimited:        "login_rate_limited",
	MetricTwoFactorRequired:       "two_factor_required",
	MetricTwoFactorSuccess:        "two_factor_success",
	MetricTwoFactorFailure:        "two_factor_failure",
	MetricRecoveryCodeUsed:        "recovery_code_used",
	MetricRefreshSuccess:          "refresh_success",
	MetricRefreshInvalid:          "refresh_invalid",
	MetricRefreshReuseDetected:    "refresh_reuse_detected",
	MetricRegisterSuccess:         "register_success",
	MetricRegisterDuplicate:       "register_duplicate",
	MetricConfirmationSent:        "confirmation_sent",
	MetricConfirmationRateLimited: "confirmation_rate_limited",
	MetricEmailConfirmed:          "email_confirmed",
	MetricPasswordResetRequested:  "password_reset_requested",
	MetricPasswordResetCompleted:  "password_reset_completed",
	MetricPasswordChanged:         "password_changed",
	MetricExternalLoginSuccess:    "external_login_success",
	MetricExternalAccountCreated:  "external_account_created",
	MetricExternalLinkConflict:    "external_link_conflict",
	MetricAccountDeleted:          "account_deleted",
	MetricMailFailure:             "mail_failure",
}

// String returns the snake_case metric name.
func (id MetricID) String() string {
	if id >= metricCount {
		return "unknown"
	}
	return metricNames[id]
}

// Metrics holds the engine's in-process counters. All methods are safe
// for concurrent use; a disabled Metrics is a no-op.
type Metrics struct {
	enabled  bool
	counters [metricCount]atomic.Uint64
}

func newMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

func (m *Metrics) inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricCount {
		return
	}
	m.counters[id].Add(1)
}

// Value returns one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || !m.enabled || id >= metricCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot copies every nonzero counter, keyed by metric name.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil || !m.enabled {
		return out
	}
	for id := MetricID(0); id < metricCount; id++ {
		if v := m.counters[id].Load(); v > 0 {
			out[id.String()] = v
		}
	}
	return out
}
