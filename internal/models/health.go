package models

import "time"

// CheckResult scores one liveness probe.
type CheckResult string

const (
	CheckSuccess CheckResult = "SUCCESS"
	CheckWarning CheckResult = "WARNING"
	CheckFailed  CheckResult = "FAILED"
)

// CheckType names the probe that produced a record.
type CheckType string

const (
	CheckTypeScheduled CheckType = "scheduled"
	CheckTypeManual    CheckType = "manual"
)

// HealthCheckRecord is one liveness probe result for one session. Records are
// append-only; only AlertTriggered/AlertID are set after creation.
// ConsecutiveFailures is derived from the immediately preceding record for the
// same session: it resets to 0 on SUCCESS and increments by 1 on FAILED.
type HealthCheckRecord struct {
	ID                  string      `json:"id"`
	SessionID           string      `json:"session_id"`
	TenantID            string      `json:"tenant_id"`
	CheckType           CheckType   `json:"check_type"`
	Result              CheckResult `json:"result"`
	ResponseTime        int64       `json:"response_time_ms"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	AlertTriggered      bool        `json:"alert_triggered"`
	AlertID             string      `json:"alert_id,omitempty"`
	ErrorDetail         string      `json:"error_detail,omitempty"`
	CheckedAt           time.Time   `json:"checked_at"`
}
