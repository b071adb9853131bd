package config

import "time"

const (
	DefaultStorageDriver   = Postgres
	DefaultMaxAttempts     = 3
	DefaultRetentionDays   = 7
	DefaultStaleLockTTL    = 60 * time.Minute
	DefaultCleanupSchedule = "@daily"
	DefaultRecoverSchedule = "@every 1m"
	DefaultPageSize        = 15
	DefaultHTTPPort        = 8080
	DefaultEventsExchange  = "jobqueue.events"
)
