// Package podstatus keeps the pod status table shown on the dashboard,
// falling back to a fixed sample table when the Message Store has nothing
// to report.
package podstatus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/podyard/internal/logging"
	"github.com/zulandar/podyard/internal/models"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often Run refetches the table.
const DefaultPollInterval = time.Minute

// Source is the subset of the Message Store client the monitor needs.
type Source interface {
	FetchPods(ctx context.Context) ([]models.PodStatus, error)
	CheckPods(ctx context.Context) error
}

// Snapshot is the pod table as last fetched.
type Snapshot struct {
	Pods      []models.PodStatus `json:"pods"`
	Sample    bool               `json:"sample"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Monitor polls the Message Store for pod status.
type Monitor struct {
	src          Source
	pollInterval time.Duration
	log          *zap.Logger
	now          func() time.Time

	mu   sync.Mutex
	snap Snapshot
}

// MonitorOpts holds parameters for creating a Monitor.
type MonitorOpts struct {
	Source       Source
	PollInterval time.Duration // defaults to DefaultPollInterval
	Logger       *zap.Logger
	Now          func() time.Time
}

// NewMonitor creates a Monitor. Until the first poll completes it reports
// the sample table.
func NewMonitor(opts MonitorOpts) (*Monitor, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("podstatus: source is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Monitor{
		src:          opts.Source,
		pollInterval: poll,
		log:          logging.OrNop(opts.Logger),
		now:          now,
	}
	m.snap = m.sample()
	return m, nil
}

// SamplePods returns the fallback table relative to now.
func SamplePods(now time.Time) []models.PodStatus {
	return []models.PodStatus{
		{ID: "1", PodID: "PodA", Status: models.PodActive, Battery: 85.4, LastSeen: now.Add(-2 * time.Minute)},
		{ID: "2", PodID: "PodB", Status: models.PodInactive, Battery: 42.1, LastSeen: now.Add(-12 * time.Minute)},
		{ID: "3", PodID: "PodC", Status: models.PodActive, Battery: 67.9, LastSeen: now.Add(-5 * time.Minute)},
	}
}

// Poll fetches the table once. A failed or empty fetch installs the sample
// table.
func (m *Monitor) Poll(ctx context.Context) Snapshot {
	pods, err := m.src.FetchPods(ctx)
	switch {
	case err != nil:
		m.log.Warn("podstatus: fetch failed, using sample pods", zap.Error(err))
		return m.set(m.sample())
	case len(pods) == 0:
		m.log.Debug("podstatus: store reported no pods, using sample pods")
		return m.set(m.sample())
	}
	return m.set(Snapshot{Pods: pods, UpdatedAt: m.now()})
}

// Check asks the store to re-evaluate pod liveness and then refetches.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	if err := m.src.CheckPods(ctx); err != nil {
		m.log.Warn("podstatus: check failed, using sample pods", zap.Error(err))
		return m.set(m.sample())
	}
	return m.Poll(ctx)
}

// Snapshot returns the current table.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySnapshot(m.snap)
}

// Run polls immediately and then on the configured interval until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Poll(ctx)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

func (m *Monitor) sample() Snapshot {
	now := m.now()
	return Snapshot{Pods: SamplePods(now), Sample: true, UpdatedAt: now}
}

func (m *Monitor) set(s Snapshot) Snapshot {
	m.mu.Lock()
	m.snap = s
	m.mu.Unlock()
	return copySnapshot(s)
}

func copySnapshot(s Snapshot) Snapshot {
	s.Pods = append([]models.PodStatus(nil), s.Pods...)
	return s
}
