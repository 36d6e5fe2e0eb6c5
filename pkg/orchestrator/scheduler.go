package orchestrator

import (
	"context"
	"time"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/logger"

	"github.com/panjf2000/ants/v2"
)

// Scheduler triggers orchestrator runs on a timer and on the stale-doc
// threshold. Runs execute on a shared worker pool so a slow pass never
// blocks the ticker.
type Scheduler struct {
	orchestrator *Orchestrator
	pool         *ants.Pool

	interval  time.Duration
	threshold int
}

// NewSchedulerParams configures a Scheduler. Threshold zero triggers on
// any stale document at each tick.
type NewSchedulerParams struct {
	Orchestrator *Orchestrator
	Pool         *ants.Pool

	Interval  time.Duration
	Threshold int
}

func NewScheduler(params NewSchedulerParams) *Scheduler {
	interval := params.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		orchestrator: params.Orchestrator,
		pool:         params.Pool,
		interval:     interval,
		threshold:    params.Threshold,
	}
}

// Start runs the scheduling loop until the context is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	namespaces, err := s.orchestrator.store.Namespaces(ctx)
	if err != nil {
		logger.Warn("Scheduler failed to list namespaces", "err", err)
		return
	}

	for _, namespace := range namespaces {
		logs, err := s.orchestrator.store.ListIngestLogs(ctx, namespace,
			[]string{common.IngestStatusNew, common.IngestStatusStale})
		if err != nil {
			logger.Warn("Scheduler failed to list stale documents", "namespace", namespace, "err", err)
			continue
		}
		if len(logs) == 0 {
			continue
		}
		if s.threshold > 0 && len(logs) < s.threshold {
			continue
		}

		ns := namespace
		submit := func() {
			if _, err := s.orchestrator.Run(ctx, RunOptions{Namespace: ns}); err != nil {
				logger.Error("Scheduled index run failed", "namespace", ns, "err", err)
			}
		}
		if s.pool != nil {
			if err := s.pool.Submit(submit); err != nil {
				logger.Warn("Scheduler pool rejected run", "namespace", ns, "err", err)
			}
		} else {
			go submit()
		}
	}
}
