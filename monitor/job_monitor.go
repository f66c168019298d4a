package monitor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loiht2/ml-platform-retrain/logger"
	"github.com/loiht2/ml-platform-retrain/models"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultConcurrency = 4

	pollTimeout = 30 * time.Second
)

// Reconciler is the orchestrator surface the monitor drives.
type Reconciler interface {
	ActiveJobIDs(ctx context.Context) ([]uint, error)
	Reconcile(ctx context.Context, jobID uint) (*models.StatusSnapshot, error)
}

// JobMonitor periodically reconciles every non-terminal job against the
// training service, so jobs advance even when no client is polling.
type JobMonitor struct {
	reconciler  Reconciler
	interval    time.Duration
	concurrency int
	log         *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobMonitor creates a new job monitor
func NewJobMonitor(r Reconciler, interval time.Duration, concurrency int, log *logger.Logger) *JobMonitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = logger.Nop()
	}
	return &JobMonitor{
		reconciler:  r,
		interval:    interval,
		concurrency: concurrency,
		log:         log.With("component", "monitor"),
	}
}

// Start begins reconciling in the background until ctx is cancelled or Stop is called.
func (m *JobMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.monitorLoop(ctx)
	m.log.Info("Job monitor started", "interval", m.interval.String())
}

// Stop stops the job monitor gracefully
func (m *JobMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.log.Info("Job monitor stopped")
}

func (m *JobMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("Reconciliation pass failed", "error", err)
			}
		}
	}
}

// RunOnce reconciles every active job once and returns how many were checked.
// A failure on one job does not stop the others.
func (m *JobMonitor) RunOnce(ctx context.Context) (int, error) {
	ids, err := m.reconciler.ActiveJobIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	m.log.Debug("Reconciling active jobs", "count", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.checkJobStatus(gctx, id)
			return nil
		})
	}
	return len(ids), g.Wait()
}

func (m *JobMonitor) checkJobStatus(ctx context.Context, jobID uint) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	snap, err := m.reconciler.Reconcile(ctx, jobID)
	if err != nil {
		m.log.Warn("Failed to reconcile job", "jobId", jobID, "error", err)
		return
	}
	if snap.Stale {
		m.log.Debug("Training service unreachable for job", "jobId", jobID, "status", snap.Status)
	}
}
