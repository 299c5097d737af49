// Package config loads annoflow configuration from defaults, an optional
// YAML file, the environment and runtime overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/annoflow/internal/observability"
	"github.com/3leaps/annoflow/pkg/profile/tiercache"
)

// Record store backends.
const (
	RecordsDynamoDB = "dynamodb"
	RecordsSQLite   = "sqlite"
)

// Hot storage schemes.
const (
	HotS3   = "s3"
	HotFile = "file"
)

// Profile backends.
const (
	ProfilesStatic   = "static"
	ProfilesPostgres = "postgres"
)

// Config is the full annoflow configuration.
type Config struct {
	Server  ServerConfig                `mapstructure:"server"`
	Logging observability.LoggingConfig `mapstructure:"logging"`
	Health  HealthConfig                `mapstructure:"health"`

	// Workers is the number of receive loops run per stage.
	Workers int `mapstructure:"workers"`

	AWS      AWSConfig      `mapstructure:"aws"`
	Records  RecordsConfig  `mapstructure:"records"`
	Hot      HotConfig      `mapstructure:"hot"`
	Results  ResultsConfig  `mapstructure:"results"`
	Queues   QueuesConfig   `mapstructure:"queues"`
	Topics   TopicsConfig   `mapstructure:"topics"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Profiles ProfilesConfig `mapstructure:"profiles"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Poll     PollConfig     `mapstructure:"poll"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Thaw     ThawConfig     `mapstructure:"thaw"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AWSConfig is shared by every AWS client.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	Profile         string `mapstructure:"profile"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type RecordsConfig struct {
	Backend   string `mapstructure:"backend"`
	Table     string `mapstructure:"table"`
	UserIndex string `mapstructure:"user_index"`
	// Path is the sqlite database path.
	Path string `mapstructure:"path"`
}

// HotConfig selects the object store holding inputs and results.
type HotConfig struct {
	Scheme         string `mapstructure:"scheme"`
	Root           string `mapstructure:"root"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type ResultsConfig struct {
	Bucket        string `mapstructure:"bucket"`
	Prefix        string `mapstructure:"prefix"`
	ResultPattern string `mapstructure:"result_pattern"`
	LogPattern    string `mapstructure:"log_pattern"`
}

// QueuesConfig names the queue each stage consumes. Values are queue URLs
// or names.
type QueuesConfig struct {
	Dispatch string `mapstructure:"dispatch"`
	Archive  string `mapstructure:"archive"`
	Restore  string `mapstructure:"restore"`
	Thaw     string `mapstructure:"thaw"`
}

// TopicsConfig names publish targets. A target starting with "arn:" is an
// SNS topic; anything else is an SQS queue URL or name.
type TopicsConfig struct {
	Requests  string `mapstructure:"requests"`
	Completed string `mapstructure:"completed"`
	Archive   string `mapstructure:"archive"`
	Restore   string `mapstructure:"restore"`
	Thaw      string `mapstructure:"thaw"`
}

type VaultConfig struct {
	Name      string `mapstructure:"name"`
	AccountID string `mapstructure:"account_id"`
}

type ProfilesConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`

	// Default and Users configure the static backend.
	Default string            `mapstructure:"default"`
	Users   map[string]string `mapstructure:"users"`

	Cache CacheConfig `mapstructure:"cache"`
}

type CacheConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	tiercache.Config `mapstructure:",squash"`
}

type DispatchConfig struct {
	WorkRoot        string        `mapstructure:"work_root"`
	Command         []string      `mapstructure:"command"`
	StaleClaimAfter time.Duration `mapstructure:"stale_claim_after"`
}

type PollConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	WaitTime           time.Duration `mapstructure:"wait_time"`
	EscalationDelay    time.Duration `mapstructure:"escalation_delay"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	ReceiveRate        float64       `mapstructure:"receive_rate"`
	MaxReceiveFailures int           `mapstructure:"max_receive_failures"`
	ReceiveBackoff     time.Duration `mapstructure:"receive_backoff"`
}

type ArchiveConfig struct {
	FreeRetention             time.Duration `mapstructure:"free_retention"`
	RetryBufferMaxMemoryBytes int64         `mapstructure:"retry_buffer_max_memory_bytes"`
}

type ThawConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Validate checks settings that apply to every command. Stage-specific
// requirements (queue names, vault) are checked when a stage is built.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	switch c.Records.Backend {
	case RecordsDynamoDB:
		if c.Records.Table == "" {
			errs = append(errs, errors.New("records.table is required for the dynamodb backend"))
		}
	case RecordsSQLite:
		if c.Records.Path == "" {
			errs = append(errs, errors.New("records.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown records.backend %q", c.Records.Backend))
	}
	switch c.Hot.Scheme {
	case HotS3:
	case HotFile:
		if c.Hot.Root == "" {
			errs = append(errs, errors.New("hot.root is required for the file scheme"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown hot.scheme %q", c.Hot.Scheme))
	}
	switch c.Profiles.Backend {
	case ProfilesStatic:
	case ProfilesPostgres:
		if c.Profiles.DSN == "" {
			errs = append(errs, errors.New("profiles.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown profiles.backend %q", c.Profiles.Backend))
	}
	if c.Archive.FreeRetention < 0 {
		errs = append(errs, errors.New("archive.free_retention must not be negative"))
	}
	return errors.Join(errs...)
}

// IsSNSTarget reports whether a publish target names an SNS topic.
func IsSNSTarget(target string) bool {
	return strings.HasPrefix(target, "arn:") && strings.Contains(target, ":sns:")
}
