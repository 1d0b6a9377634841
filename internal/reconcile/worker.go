package reconcile

import (
	"context"
	"sync"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	prometheusConvoy "git.fleetops.dev/dispatch/golang/convoy/internal/prometheus"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type ReconcileWorker struct {
	WorkerPool *ants.Pool
	Service    *ReconcileService
}

func NewWorker(service *ReconcileService) (*ReconcileWorker, error) {
	workerPool, err := ants.NewPool(config.Conf.ReconcilePoolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	return &ReconcileWorker{
		WorkerPool: workerPool,
		Service:    service,
	}, nil
}

func (reconcileWorker *ReconcileWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.Conf.ReconcileIntervalMinutes) * time.Minute)

	defer func() {
		ticker.Stop()
		reconcileWorker.WorkerPool.Release()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcileWorker.sweep(ctx)
		}
	}
}

// sweep settles every call stuck in progress past the staleness threshold.
// The sweep waits for all submitted calls so overlapping sweeps never race on
// the same row.
func (reconcileWorker *ReconcileWorker) sweep(ctx context.Context) {
	timer := prometheus.NewTimer(prometheusConvoy.ReconcileSweepDuration)
	defer timer.ObserveDuration()

	stuck, err := reconcileWorker.Service.ListStuck(ctx)
	if err != nil {
		return
	}

	if len(stuck) == 0 {
		logging.Logger.Info("no stuck calls are existed")
		return
	}

	logging.Logger.Info("start reconciling stuck calls", zap.Int("count_stuck_calls", len(stuck)))

	var waitGroup sync.WaitGroup

	for idx := range stuck {
		stuckCall := stuck[idx]

		waitGroup.Add(1)

		err := reconcileWorker.WorkerPool.Submit(func() {
			defer waitGroup.Done()

			reconcileWorker.Service.ReconcileOne(ctx, stuckCall)
		})
		if err != nil {
			waitGroup.Done()

			logging.Logger.Error("failed to submit reconcile worker pool",
				zap.String("call_id", stuckCall.CallID),
				zap.String("error", err.Error()),
			)
		}
	}

	waitGroup.Wait()
}
