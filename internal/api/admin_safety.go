package api

import (
	"os"
	"sync"
	"time"
)

// adminSafety guards the dead-letter requeue endpoint: batch size cap, a
// per-minute rate limit, and a confirm token once a batch crosses the
// confirmation threshold.
type adminSafety struct {
	maxBatch          int
	rateLimitPerMin   int
	confirmThreshold  int
	confirmToken      string
	mu                sync.Mutex
	recentRequeueUnix []int64
}

func newAdminSafetyFromEnv() *adminSafety {
	return &adminSafety{
		maxBatch:         getenvInt("AGENTQ_ADMIN_REQUEUE_MAX_BATCH", 100),
		rateLimitPerMin:  getenvInt("AGENTQ_ADMIN_REQUEUE_RATE_LIMIT_PER_MIN", 30),
		confirmThreshold: getenvInt("AGENTQ_ADMIN_REQUEUE_CONFIRM_THRESHOLD", 20),
		confirmToken:     os.Getenv("AGENTQ_ADMIN_REQUEUE_CONFIRM_TOKEN"),
	}
}

func (a *adminSafety) allowRequeue(now time.Time) bool {
	if a.rateLimitPerMin <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := now.Add(-time.Minute).Unix()
	kept := a.recentRequeueUnix[:0]
	for _, ts := range a.recentRequeueUnix {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	a.recentRequeueUnix = kept
	if len(a.recentRequeueUnix) >= a.rateLimitPerMin {
		return false
	}
	a.recentRequeueUnix = append(a.recentRequeueUnix, now.Unix())
	return true
}
