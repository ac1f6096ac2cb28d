package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/MoonLadderStudios/MoonMind-sub003/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/state"
)

// NewServiceFromEnv builds the queue service with the store backend chosen
// by AGENTQ_STATE_BACKEND (memory, postgres or sqlite).
func NewServiceFromEnv() (*queue.Service, error) {
	store, err := newStore(getenv("AGENTQ_STATE_BACKEND", "memory"))
	if err != nil {
		return nil, err
	}
	backoffSeconds := getenvInt("AGENTQ_RETRY_BACKOFF_SECONDS", 30)
	return queue.NewService(store, queue.Options{
		RetryBackoff:       time.Duration(backoffSeconds) * time.Second,
		DefaultMaxAttempts: getenvInt("AGENTQ_JOB_MAX_ATTEMPTS", 3),
	}), nil
}

func newStore(kind string) (state.Store, error) {
	switch kind {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv("AGENTQ_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("AGENTQ_POSTGRES_DSN is required when AGENTQ_STATE_BACKEND=postgres")
		}
		return state.NewPostgresStore(dsn)
	case "sqlite":
		path := getenv("AGENTQ_SQLITE_PATH", "agentq.db")
		return state.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported AGENTQ_STATE_BACKEND value %q", kind)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
