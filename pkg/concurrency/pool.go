// Package concurrency runs batches of I/O bound jobs on a bounded pond pool
package concurrency

import (
	"context"
	"fmt"
	"time"

	"marketfeed/internal/core"
	"marketfeed/pkg/telemetry"

	"github.com/alitto/pond"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Job is one unit of work in a batch. It should return promptly once ctx is done.
type Job func(ctx context.Context) error

// PoolConfig sizes a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

// Stats is a point-in-time view of a pool
type Stats struct {
	Running   int
	Idle      int
	Waiting   uint64
	Succeeded uint64
	Failed    uint64
}

// WorkerPool executes job batches with at most MaxWorkers jobs in flight
type WorkerPool struct {
	name     string
	pool     *pond.WorkerPool
	logger   core.ILogger
	duration metric.Float64Histogram
}

// NewWorkerPool creates a pool. Workers are started lazily and retire after IdleTimeout.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 16 * cfg.MaxWorkers
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	duration, _ := telemetry.GetMeter("worker-pool").Float64Histogram("pool_job_duration_seconds",
		metric.WithDescription("Time spent running one pool job"),
		metric.WithUnit("s"))

	return &WorkerPool{
		name: cfg.Name,
		pool: pond.New(cfg.MaxWorkers, cfg.MaxCapacity,
			pond.MinWorkers(0),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Lazy()),
			pond.PanicHandler(func(p interface{}) {
				log.Error("Worker panic recovered", "panic", p)
			}),
		),
		logger:   log,
		duration: duration,
	}
}

// RunAll runs jobs and waits for them. The first failure cancels the context seen by
// the rest and is returned; a panicking job fails the batch instead of the process.
func (wp *WorkerPool) RunAll(ctx context.Context, jobs ...Job) error {
	if len(jobs) == 0 {
		return nil
	}

	group, gctx := wp.pool.GroupContext(ctx)
	for i, job := range jobs {
		i, job := i, job
		group.Submit(func() error {
			return wp.run(gctx, i, job)
		})
	}

	if err := group.Wait(); err != nil {
		wp.logger.Debug("Batch aborted", "jobs", len(jobs), "error", err)
		return err
	}
	return nil
}

func (wp *WorkerPool) run(ctx context.Context, index int, job Job) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pool %s: job %d panicked: %v", wp.name, index, p)
		}
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		wp.duration.Record(context.Background(), time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("pool", wp.name),
			attribute.String("outcome", outcome),
		))
	}()
	return job(ctx)
}

// Stop waits for queued jobs and shuts the workers down
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

func (wp *WorkerPool) Stats() Stats {
	return Stats{
		Running:   wp.pool.RunningWorkers(),
		Idle:      wp.pool.IdleWorkers(),
		Waiting:   wp.pool.WaitingTasks(),
		Succeeded: wp.pool.SuccessfulTasks(),
		Failed:    wp.pool.FailedTasks(),
	}
}
