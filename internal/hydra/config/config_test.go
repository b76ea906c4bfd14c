package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.Lease.Timeout)
	require.Equal(t, 1000, cfg.CommitBatching.MaxRecordCount)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hydra.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lease:\n  leader_lease_timeout: 2s\n  leader_lease_grace_delay: 3s\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.Lease.Timeout)
	require.Equal(t, 3*time.Second, cfg.Lease.GraceDelay)
}

func TestValidateRejectsGraceDelayNotGreaterThanTimeout(t *testing.T) {
	cfg := &Config{Lease: LeaseConfig{Timeout: time.Second, GraceDelay: time.Second}}
	require.Error(t, cfg.Validate())
}

func TestValidateAllowsDisabledGraceDelay(t *testing.T) {
	cfg := &Config{Lease: LeaseConfig{Timeout: time.Second, GraceDelay: 0, DisableGraceDelay: true}}
	require.NoError(t, cfg.Validate())
}
