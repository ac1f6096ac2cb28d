// Package heartbeat renews a claimed job's lease and relays the live
// control state the gateway returns with each renewal.
package heartbeat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/MoonLadderStudios/MoonMind-sub003/pkg/queueapi"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/gateway"
)

type Monitor struct {
	client       *gateway.Client
	workerID     string
	jobID        string
	leaseSeconds int
	interval     time.Duration

	mu      sync.Mutex
	control queueapi.LiveControlView

	leaseLost chan struct{}
	lostOnce  sync.Once
}

func New(client *gateway.Client, workerID, jobID string, leaseSeconds int, interval time.Duration) *Monitor {
	return &Monitor{
		client:       client,
		workerID:     workerID,
		jobID:        jobID,
		leaseSeconds: leaseSeconds,
		interval:     interval,
		leaseLost:    make(chan struct{}),
	}
}

// Control returns the most recent live control state seen on a heartbeat.
func (m *Monitor) Control() queueapi.LiveControlView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.control
}

func (m *Monitor) setControl(c queueapi.LiveControlView) {
	m.mu.Lock()
	m.control = c
	m.mu.Unlock()
}

// LeaseLost is closed when the gateway rejects a renewal with a conflict,
// meaning the lease expired and the job may already belong to someone else.
func (m *Monitor) LeaseLost() <-chan struct{} {
	return m.leaseLost
}

func (m *Monitor) markLost() {
	m.lostOnce.Do(func() { close(m.leaseLost) })
}

func (m *Monitor) Start(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.renew(ctx); err != nil {
				if gateway.IsConflict(err) {
					log.Printf("lease lost job=%s: %v", m.jobID, err)
					m.markLost()
					return
				}
				log.Printf("heartbeat failed job=%s: %v", m.jobID, err)
			}
		}
	}
}

// RenewNow forces an immediate renewal, used right before long operations.
func (m *Monitor) RenewNow(ctx context.Context) error {
	return m.renew(ctx)
}

func (m *Monitor) renew(ctx context.Context) error {
	resp, err := m.client.Heartbeat(ctx, m.jobID, queueapi.HeartbeatRequest{
		WorkerID:     m.workerID,
		LeaseSeconds: m.leaseSeconds,
	})
	if err != nil {
		return err
	}
	m.setControl(resp.LiveControl)
	return nil
}
