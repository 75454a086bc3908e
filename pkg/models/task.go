package models

import (
	"time"

	"github.com/google/uuid"
)

// RecurringTask is a scheduled maintenance job (reminder digests, batch
// polling, cleanup). The lease fields live on the task row itself: whichever
// process instance wins the conditional update owns the tick until the
// lease expires or is released. No separate lock table exists.
type RecurringTask struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	JobName    string    `db:"job_name"    json:"job_name"`
	WorkerType string    `db:"worker_type" json:"worker_type"`
	Schedule   string    `db:"schedule"    json:"schedule"`
	Timezone   string    `db:"timezone"    json:"timezone"`
	Enabled    bool      `db:"enabled"     json:"enabled"`

	LeaseOwner     *string    `db:"lease_owner"      json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`

	RunCount     int64      `db:"run_count"     json:"run_count"`
	SuccessCount int64      `db:"success_count" json:"success_count"`
	ErrorCount   int64      `db:"error_count"   json:"error_count"`
	LastRun      *time.Time `db:"last_run"      json:"last_run,omitempty"`
	LastSuccess  *time.Time `db:"last_success"  json:"last_success,omitempty"`
	LastError    *string    `db:"last_error"    json:"last_error,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
