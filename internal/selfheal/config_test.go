package selfheal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigNormalized(t *testing.T) {
	got := Config{}.normalized()
	want := DefaultConfig()
	// Zero is a valid hard reset budget, it disables workspace rebuilds.
	want.HardResetBudget = 0
	assert.Equal(t, want, got)

	got = Config{StepMaxAttempts: 5, WallClockTimeout: time.Minute, IdleTimeout: 10 * time.Second, NoProgressLimit: 4, HardResetBudget: 2}.normalized()
	assert.Equal(t, 5, got.StepMaxAttempts)
	assert.Equal(t, time.Minute, got.WallClockTimeout)
	assert.Equal(t, 10*time.Second, got.IdleTimeout)
	assert.Equal(t, 4, got.NoProgressLimit)
	assert.Equal(t, 2, got.HardResetBudget)

	got = Config{StepMaxAttempts: 1, HardResetBudget: -1}.normalized()
	assert.Equal(t, DefaultConfig().HardResetBudget, got.HardResetBudget)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("AGENTQ_STEP_MAX_ATTEMPTS", "7")
	t.Setenv("AGENTQ_STEP_TIMEOUT_SECONDS", "120")
	t.Setenv("AGENTQ_STEP_IDLE_TIMEOUT_SECONDS", "45")
	t.Setenv("AGENTQ_STEP_NO_PROGRESS_LIMIT", "3")
	t.Setenv("AGENTQ_JOB_HARD_RESET_BUDGET", "2")

	cfg := ConfigFromEnv()
	assert.Equal(t, 7, cfg.StepMaxAttempts)
	assert.Equal(t, 120*time.Second, cfg.WallClockTimeout)
	assert.Equal(t, 45*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 3, cfg.NoProgressLimit)
	assert.Equal(t, 2, cfg.HardResetBudget)

	t.Setenv("AGENTQ_STEP_MAX_ATTEMPTS", "not-a-number")
	assert.Equal(t, DefaultConfig().StepMaxAttempts, ConfigFromEnv().StepMaxAttempts)
}
