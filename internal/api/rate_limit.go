package api

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// submitLimiter bounds how fast callers can enqueue jobs. Counts are kept per
// token principal plus a global total over a sliding one minute window.
type submitLimiter struct {
	mu           sync.Mutex
	perCallerMax int
	globalMax    int
	window       time.Duration
	callers      map[string][]int64
	global       []int64
}

func newSubmitLimiterFromEnv() *submitLimiter {
	perCaller := getenvInt("AGENTQ_SUBMIT_RATE_LIMIT_PER_MIN", 1000)
	global := getenvInt("AGENTQ_SUBMIT_GLOBAL_RATE_LIMIT_PER_MIN", 5000)
	if perCaller < 0 {
		perCaller = 0
	}
	if global < 0 {
		global = 0
	}
	return &submitLimiter{
		perCallerMax: perCaller,
		globalMax:    global,
		window:       time.Minute,
		callers:      map[string][]int64{},
		global:       make([]int64, 0, 1024),
	}
}

func (l *submitLimiter) allow(caller string, now time.Time) bool {
	if l == nil || (l.perCallerMax == 0 && l.globalMax == 0) {
		return true
	}
	ts := now.UTC().Unix()
	cutoff := ts - int64(l.window.Seconds())
	if caller == "" {
		caller = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = trimCutoff(l.global, cutoff)
	if l.globalMax > 0 && len(l.global) >= l.globalMax {
		return false
	}

	history := trimCutoff(l.callers[caller], cutoff)
	if l.perCallerMax > 0 && len(history) >= l.perCallerMax {
		l.callers[caller] = history
		return false
	}

	history = append(history, ts)
	l.callers[caller] = history
	l.global = append(l.global, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
