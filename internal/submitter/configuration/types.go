package configuration

import (
	"time"

	"github.com/armadaproject/jobsubmitter/internal/common/config"
	"github.com/armadaproject/jobsubmitter/internal/common/database"
	"github.com/armadaproject/jobsubmitter/internal/common/logging"
	"github.com/armadaproject/jobsubmitter/internal/submitter/backend"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

const (
	StaticRegistry = "static"
	RedisRegistry  = "redis"
)

type Configuration struct {
	// How often a submission cycle runs
	CyclePeriod time.Duration `validate:"required"`
	// Maximum number of jobs dispatched in a single cycle
	MaxJobsPerCycle int `validate:"gt=0"`
	// Number of jobs written to a single job package
	PackageSize int `validate:"gt=0"`
	// Task types that may go to a draining site even when a non-draining alternative exists
	DrainExemptTaskTypes []model.TaskType
	// If true a job whose only sites are draining fails instead of being sent to a draining site
	StrictDrain bool
	// Number of backend calls made concurrently
	SubmissionWorkers int `validate:"gt=0"`
	// Deadline of every individual backend call
	BackendCallTimeout time.Duration `validate:"required"`
	// Number of consecutive failed backend calls after which an operator alert is raised
	ConsecutiveFailureAlertThreshold int `validate:"gt=0"`
	// How long site info read from the job store is reused
	SiteInfoCacheTTL time.Duration
	// Number of unplaceable jobs remembered so that they are not reported again until their inputs change
	PlacementFailureCacheSize int `validate:"gt=0"`
	// Number of attempts made at a job store transaction that hit a serialization failure
	StoreTransactionAttempts uint
	Registry                 RegistryConfig
	Backend                  BackendConfig
	Postgres                 database.PostgresConfig
	Redis                    config.RedisConfig
	Nats                     NatsConfig
	Alerts                   AlertsConfig
	Logging                  logging.Config
	// Port on which prometheus metrics are served
	MetricsPort uint16
	// Port on which the health endpoint is served
	HttpPort uint16
}

type RegistryConfig struct {
	// Either static, in which case Sites is used, or redis.
	Mode          string `validate:"oneof=static redis"`
	Sites         []model.SiteRecord
	RedisKey      string
	RetryAttempts uint
	RetryDelay    time.Duration
}

type BackendConfig struct {
	// Plugin used for sites whose site info names no backend, or one that is not configured
	Default string               `validate:"required"`
	Cli     []backend.CliConfig  `validate:"dive"`
	Nats    []backend.NatsConfig `validate:"dive"`
}

type NatsConfig struct {
	// If empty no NATS connection is made
	Url string
}

type AlertsConfig struct {
	// NATS subject alerts are published to. If empty, alerts are only logged.
	Subject string
}

// UsesNats returns true if any component needs a NATS connection.
func (c Configuration) UsesNats() bool {
	return len(c.Backend.Nats) > 0 || c.Alerts.Subject != ""
}
