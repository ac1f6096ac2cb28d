package selfheal

import (
	"os"
	"strconv"
	"time"
)

// Config bounds the attempt loop around one step. Out-of-range values are
// replaced by the defaults below. HardResetBudget is the exception: zero is
// a valid setting that disables workspace rebuilds, so only negative values
// are defaulted.
type Config struct {
	// StepMaxAttempts caps attempts per step across soft resets.
	StepMaxAttempts int
	// WallClockTimeout bounds one attempt end to end.
	WallClockTimeout time.Duration
	// IdleTimeout trips when the runtime produces no output activity.
	IdleTimeout time.Duration
	// NoProgressLimit is the number of consecutive attempts with an
	// identical failure signature and unchanged diff before escalation.
	NoProgressLimit int
	// HardResetBudget caps workspace rebuilds per job.
	HardResetBudget int
}

func DefaultConfig() Config {
	return Config{
		StepMaxAttempts:  3,
		WallClockTimeout: 900 * time.Second,
		IdleTimeout:      300 * time.Second,
		NoProgressLimit:  2,
		HardResetBudget:  1,
	}
}

func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.StepMaxAttempts = getenvInt("AGENTQ_STEP_MAX_ATTEMPTS", cfg.StepMaxAttempts)
	cfg.WallClockTimeout = time.Duration(getenvInt("AGENTQ_STEP_TIMEOUT_SECONDS", int(cfg.WallClockTimeout/time.Second))) * time.Second
	cfg.IdleTimeout = time.Duration(getenvInt("AGENTQ_STEP_IDLE_TIMEOUT_SECONDS", int(cfg.IdleTimeout/time.Second))) * time.Second
	cfg.NoProgressLimit = getenvInt("AGENTQ_STEP_NO_PROGRESS_LIMIT", cfg.NoProgressLimit)
	cfg.HardResetBudget = getenvInt("AGENTQ_JOB_HARD_RESET_BUDGET", cfg.HardResetBudget)
	return cfg.normalized()
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.StepMaxAttempts < 1 {
		c.StepMaxAttempts = d.StepMaxAttempts
	}
	if c.WallClockTimeout <= 0 {
		c.WallClockTimeout = d.WallClockTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.NoProgressLimit < 1 {
		c.NoProgressLimit = d.NoProgressLimit
	}
	if c.HardResetBudget < 0 {
		c.HardResetBudget = d.HardResetBudget
	}
	return c
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
