// Package storage defines the call history store that records every tool
// invocation handled by the server.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists tool call records.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Record inserts a finished call.
	Record(ctx context.Context, rec *CallRecord) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]CallRecord, error)

	// Lifecycle.
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Call statuses.
const (
	StatusSuccess            = "success"
	StatusToolError          = "tool_error"
	StatusProvisioningFailed = "provisioning_failed"
	StatusFailed             = "failed"
	StatusRateLimited        = "rate_limited"
)

// CallRecord is one handled tools/call.
type CallRecord struct {
	ID         uuid.UUID `json:"id"`
	Tool       string    `json:"tool"`
	Subject    string    `json:"subject,omitempty"`
	Format     string    `json:"format,omitempty"`
	ReportPath string    `json:"report_path,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// DefaultRecentLimit caps Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

// MaxRecentLimit is the upper bound accepted by Recent.
const MaxRecentLimit = 500

// NormalizeLimit clamps limit to (0, MaxRecentLimit].
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentLimit
	case limit > MaxRecentLimit:
		return MaxRecentLimit
	default:
		return limit
	}
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
