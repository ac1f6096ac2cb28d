package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	WorkerID          string
	GatewayBaseURL    string
	APIToken          string
	Capabilities      []string
	AllowedJobTypes   []string
	LeaseSeconds      int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	WorkspaceRoot     string
	ArtifactRoot      string
	ArtifactBackend   string
	RunnerCommand     string
}

func FromEnv() Config {
	workerID := getenv("AGENTQ_WORKER_ID", "worker-local")
	baseURL := getenv("AGENTQ_GATEWAY_URL", "http://localhost:8080")
	apiToken := getenv("AGENTQ_API_TOKEN", "")
	leaseSeconds := getenvInt("AGENTQ_LEASE_SECONDS", 60)
	if leaseSeconds < 1 {
		leaseSeconds = 1
	}
	hbSec := getenvInt("AGENTQ_HEARTBEAT_SECONDS", 0)
	if hbSec <= 0 {
		hbSec = leaseSeconds / 3
		if hbSec < 1 {
			hbSec = 1
		}
	}
	pollMs := getenvInt("AGENTQ_POLL_MILLIS", 1500)
	artifactRoot := getenv("AGENTQ_ARTIFACT_ROOT", "/tmp/agentq-artifacts")

	return Config{
		WorkerID:          workerID,
		GatewayBaseURL:    baseURL,
		APIToken:          apiToken,
		Capabilities:      getenvList("AGENTQ_WORKER_CAPABILITIES"),
		AllowedJobTypes:   getenvList("AGENTQ_WORKER_JOB_TYPES"),
		LeaseSeconds:      leaseSeconds,
		HeartbeatInterval: time.Duration(hbSec) * time.Second,
		PollInterval:      time.Duration(pollMs) * time.Millisecond,
		WorkspaceRoot:     getenv("AGENTQ_WORKSPACE_ROOT", "/tmp/agentq-workspaces"),
		ArtifactRoot:      artifactRoot,
		ArtifactBackend:   getenv("AGENTQ_ARTIFACT_BACKEND", "local"),
		RunnerCommand:     getenv("AGENTQ_RUNNER_COMMAND", ""),
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

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
