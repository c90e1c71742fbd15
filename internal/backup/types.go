// Package backup takes consistent copies of the sqlite database, verifies
// them, restores from them and prunes old copies with a tiered retention
// policy.
package backup

import (
	"time"

	"github.com/scrypster/locai/internal/retention"
)

// Config holds backup service configuration.
type Config struct {
	// DBPath is the sqlite database file to back up.
	DBPath string

	// Dir is where backups are written.
	Dir string

	// Interval between scheduled backups (default: 1 hour).
	Interval time.Duration

	// Retention decides which backups survive each run. A zero policy keeps
	// everything.
	Retention retention.Policy

	// Verify runs an integrity check on every new backup.
	Verify bool
}

// Info describes a backup file on disk.
type Info struct {
	Path      string
	Timestamp time.Time
	Size      int64
}

// Result is the outcome of one backup.
type Result struct {
	Path     string
	Duration time.Duration
	Size     int64
	Verified bool
	Pruned   []string // backups removed by retention
}

// HealthStatus reports the state of the backup directory.
type HealthStatus struct {
	// Status is "healthy" or "warning".
	Status        string
	Message       string
	LastBackup    time.Time
	NextBackup    time.Time
	TotalBackups  int
	Dir           string
	DiskSpaceUsed int64
}
