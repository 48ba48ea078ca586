package storage

import "time"

const (
	// DefaultSweepInterval is how often overdue pending payments are expired.
	DefaultSweepInterval = 1 * time.Minute

	// DefaultCleanupInterval is how often terminal records past retention are deleted.
	DefaultCleanupInterval = 2 * time.Hour

	// DefaultRetentionPeriod is how long expired, cancelled and failed records are kept.
	DefaultRetentionPeriod = 7 * 24 * time.Hour
)

// Default table names, overridable through storage.schema_mapping.
const (
	DefaultPaymentsTable   = "payments"
	DefaultUsersTable      = "users"
	DefaultCandidatesTable = "tx_candidates"
)
