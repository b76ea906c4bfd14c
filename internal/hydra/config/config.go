// Package config loads and validates hydra's runtime configuration (spec
// §6 "Configuration (recognized options)"). It is grounded on the
// teacher's own viper-backed YAML config loading style (liftbridge's
// config.go binds a nested Config struct via viper, validated before the
// server starts), generalized to hydra's option set.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// LeaseConfig configures the lease tracker (spec §4.8).
type LeaseConfig struct {
	CheckPeriod       time.Duration `mapstructure:"leader_lease_check_period"`
	Timeout           time.Duration `mapstructure:"leader_lease_timeout"`
	GraceDelay        time.Duration `mapstructure:"leader_lease_grace_delay"`
	DisableGraceDelay bool          `mapstructure:"disable_leader_lease_grace_delay"`
}

// CommitBatchingConfig configures the leader committer's batching (spec §4.5).
type CommitBatchingConfig struct {
	MaxDuration     time.Duration `mapstructure:"max_commit_batch_duration"`
	MaxDelay        time.Duration `mapstructure:"max_commit_batch_delay"`
	MaxRecordCount  int           `mapstructure:"max_commit_batch_record_count"`
}

// CheckpointingConfig configures the checkpointer (spec §4.7).
type CheckpointingConfig struct {
	SnapshotBuildTimeout time.Duration `mapstructure:"snapshot_build_timeout"`
	SnapshotForkTimeout  time.Duration `mapstructure:"snapshot_fork_timeout"`
	SnapshotBuildPeriod  time.Duration `mapstructure:"snapshot_build_period"`
	SnapshotBuildSplay   time.Duration `mapstructure:"snapshot_build_splay"`
	MaxChangelogRecordCount int32     `mapstructure:"max_changelog_record_count"`
	MaxChangelogDataSize    int64     `mapstructure:"max_changelog_data_size"`
}

// ChangelogIOConfig configures changelog segment I/O (spec §4.1/§4.2).
type ChangelogIOConfig struct {
	IndexBlockSize   int64         `mapstructure:"index_block_size"`
	DataFlushSize    int64         `mapstructure:"data_flush_size"`
	FlushPeriod      time.Duration `mapstructure:"flush_period"`
	EnableSync       bool          `mapstructure:"enable_sync"`
	PreallocateSize  int64         `mapstructure:"preallocate_size"`
	IOClass          string        `mapstructure:"io_class"`
	IOPriority       int           `mapstructure:"io_priority"`
	FlushQuantum     time.Duration `mapstructure:"flush_quantum"`
}

// RecoveryConfig configures the recovery driver's follower sync RPCs
// (spec §4.9).
type RecoveryConfig struct {
	ChangelogDownloadRPCTimeout  time.Duration `mapstructure:"changelog_download_rpc_timeout"`
	MaxChangelogBytesPerRequest  int64         `mapstructure:"max_changelog_bytes_per_request"`
	MaxChangelogRecordsPerRequest int32        `mapstructure:"max_changelog_records_per_request"`
	SnapshotDownloadRPCTimeout   time.Duration `mapstructure:"snapshot_download_rpc_timeout"`
	SnapshotDownloadBlockSize    int64         `mapstructure:"snapshot_download_block_size"`
}

// Config is the complete set of options recognized by a hydra cell peer
// (spec §6 "Configuration (recognized options)").
type Config struct {
	Lease         LeaseConfig          `mapstructure:"lease"`
	CommitBatching CommitBatchingConfig `mapstructure:"commit_batching"`
	Checkpointing CheckpointingConfig  `mapstructure:"checkpointing"`
	ChangelogIO   ChangelogIOConfig    `mapstructure:"changelog_io"`
	Recovery      RecoveryConfig       `mapstructure:"recovery"`

	ControlRPCTimeout                  time.Duration `mapstructure:"control_rpc_timeout"`
	RestartBackoffTime                 time.Duration `mapstructure:"restart_backoff_time"`
	MutationLoggingSuspensionTimeout   time.Duration `mapstructure:"mutation_logging_suspension_timeout"`
	MaxInFlightAcceptMutationsRequests int           `mapstructure:"max_in_flight_accept_mutations_request_count"`
	// BuildSnapshotDelay is test-only: an artificial delay inserted before a
	// snapshot build starts, to make build-in-progress races reproducible.
	BuildSnapshotDelay time.Duration `mapstructure:"build_snapshot_delay"`

	ChangelogDir string `mapstructure:"changelog_dir"`
	SnapshotDir  string `mapstructure:"snapshot_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lease.leader_lease_check_period", 100*time.Millisecond)
	v.SetDefault("lease.leader_lease_timeout", time.Second)
	v.SetDefault("lease.leader_lease_grace_delay", 1200*time.Millisecond)

	v.SetDefault("commit_batching.max_commit_batch_duration", 10*time.Millisecond)
	v.SetDefault("commit_batching.max_commit_batch_record_count", 1000)

	v.SetDefault("checkpointing.snapshot_build_period", 15*time.Minute)
	v.SetDefault("checkpointing.max_changelog_record_count", 1000000)
	v.SetDefault("checkpointing.max_changelog_data_size", int64(1)<<30)

	v.SetDefault("changelog_io.data_flush_size", int64(16)<<20)
	v.SetDefault("changelog_io.flush_period", 10*time.Millisecond)
	v.SetDefault("changelog_io.flush_quantum", time.Millisecond)

	v.SetDefault("recovery.changelog_download_rpc_timeout", 10*time.Second)
	v.SetDefault("recovery.max_changelog_records_per_request", 10000)
	v.SetDefault("recovery.snapshot_download_rpc_timeout", 30*time.Second)
	v.SetDefault("recovery.snapshot_download_block_size", int64(4)<<20)

	v.SetDefault("control_rpc_timeout", 5*time.Second)
	v.SetDefault("restart_backoff_time", time.Second)
	v.SetDefault("max_in_flight_accept_mutations_request_count", 10)
}

// Load reads a YAML config file at path (if non-empty), overlays HYDRA_*
// environment variables, and unmarshals the result into a Config with
// defaults applied, the way liftbridge's own config.go composes viper's
// file/env/flag precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("HYDRA")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "config: read config file failed")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config's invariants (spec §6 "Config validator").
func (c *Config) Validate() error {
	if !c.Lease.DisableGraceDelay && c.Lease.GraceDelay <= c.Lease.Timeout {
		return errors.New("config: leader_lease_grace_delay must be greater than leader_lease_timeout")
	}
	return nil
}
