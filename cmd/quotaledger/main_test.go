package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func redisConfig(t *testing.T) string {
	t.Helper()
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "quotaledger.yaml")
	cfg := fmt.Sprintf("store:\n  backend: redis\n  redis_addr: %s\nsweep:\n  limit: 10\n", mr.Addr())
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestCreditThenUsage(t *testing.T) {
	t.Setenv("QUOTALEDGER_LOG_LEVEL", "error")
	t.Setenv("QUOTALEDGER_CONFIG", redisConfig(t))

	out, err := run(t, "credit", "alice", "evt_manual_1", "7200")
	require.NoError(t, err)
	var credit struct {
		AlreadyProcessed bool
		BalanceAfter     int64
	}
	require.NoError(t, json.Unmarshal([]byte(out), &credit))
	assert.False(t, credit.AlreadyProcessed)
	assert.Equal(t, int64(7200), credit.BalanceAfter)

	out, err = run(t, "credit", "alice", "evt_manual_1", "7200")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &credit))
	assert.True(t, credit.AlreadyProcessed)

	out, err = run(t, "usage", "alice")
	require.NoError(t, err)
	var usage struct {
		Plan     string
		Snapshot struct {
			CreditSeconds         int64
			TotalAvailableSeconds int64
		}
	}
	require.NoError(t, json.Unmarshal([]byte(out), &usage))
	assert.Equal(t, "free", usage.Plan)
	assert.Equal(t, int64(7200), usage.Snapshot.CreditSeconds)
	assert.Equal(t, int64(9000), usage.Snapshot.TotalAvailableSeconds)
}

func TestConfigFlagOverridesEnv(t *testing.T) {
	t.Setenv("QUOTALEDGER_LOG_LEVEL", "error")
	t.Setenv("QUOTALEDGER_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := run(t, "usage", "alice")
	require.Error(t, err)

	_, err = run(t, "--config", redisConfig(t), "usage", "alice")
	require.NoError(t, err)
}

func TestSweepOnce(t *testing.T) {
	t.Setenv("QUOTALEDGER_LOG_LEVEL", "error")
	t.Setenv("QUOTALEDGER_CONFIG", "")

	out, err := run(t, "sweep", "--limit", "5")
	require.NoError(t, err)
	assert.JSONEq(t, `{"scanned":0,"deleted":0,"errors":0}`, out)
}

func TestSweepInvalidSchedule(t *testing.T) {
	t.Setenv("QUOTALEDGER_LOG_LEVEL", "error")
	t.Setenv("QUOTALEDGER_CONFIG", "")

	_, err := run(t, "sweep", "--schedule", "not a schedule")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestCreditRejectsBadSeconds(t *testing.T) {
	t.Setenv("QUOTALEDGER_CONFIG", "")

	_, err := run(t, "credit", "alice", "evt", "lots")
	require.Error(t, err)

	_, err = run(t, "credit", "alice", "evt", "0")
	require.Error(t, err)
}

func TestSchemaMemory(t *testing.T) {
	t.Setenv("QUOTALEDGER_LOG_LEVEL", "error")
	t.Setenv("QUOTALEDGER_CONFIG", "")

	out, err := run(t, "schema")
	require.NoError(t, err)
	assert.Equal(t, "backend memory needs no schema\n", out)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("WARNING").String())
	assert.Equal(t, "ERROR", parseLevel("error").String())
	assert.Equal(t, "INFO", parseLevel("").String())
}
