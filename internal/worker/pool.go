// Package worker drains the batch queue: a dispatcher claims jobs and a
// fixed pool of goroutines submits them to the PSP.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"sepa-collections-backend/internal/queue"
)

var (
	jobTracer      = otel.Tracer("sepa-collections/worker")
	jobMeter       = otel.Meter("sepa-collections/worker")
	jobDuration, _ = jobMeter.Float64Histogram("worker.job.duration", metric.WithDescription("Batch job duration in seconds"), metric.WithUnit("s"))
	jobTotal, _    = jobMeter.Int64Counter("worker.job.total", metric.WithDescription("Batch jobs processed by status"))
)

var ErrPoolStopped = errors.New("worker pool stopped")

// Handler processes one claimed job. The pool only logs and traces its error;
// acknowledging the job is the handler's business.
type Handler func(ctx context.Context, d queue.Delivery) error

type Pool struct {
	workerCount int
	jobTimeout  time.Duration
	handle      Handler
	jobs        chan queue.Delivery
	quit        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	log         logrus.FieldLogger
}

// NewPool builds a pool of workerCount goroutines reading from a channel
// buffered to queueSize. jobTimeout bounds a single job; zero means none.
func NewPool(workerCount, queueSize int, jobTimeout time.Duration, handle Handler, log logrus.FieldLogger) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workerCount: workerCount,
		jobTimeout:  jobTimeout,
		handle:      handle,
		jobs:        make(chan queue.Delivery, queueSize),
		quit:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		log:         log,
	}
}

func (p *Pool) Start() {
	p.log.WithField("workers", p.workerCount).Info("starting worker pool")
	for i := 1; i <= p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case <-p.quit:
			return
		case d := <-p.jobs:
			p.process(id, d)
		}
	}
}

func (p *Pool) process(workerID int, d queue.Delivery) {
	ctx := p.ctx
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}

	ctx, span := jobTracer.Start(ctx, "batch_job.process",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("job.id", d.Job.ID.String()),
			attribute.String("batch.id", d.Job.BatchID.String()),
			attribute.String("condominium.id", d.Job.CondominiumID),
			attribute.Int("job.attempt", d.Job.Attempts),
		),
	)
	defer span.End()

	log := p.log.WithFields(logrus.Fields{
		"worker":   workerID,
		"job_id":   d.Job.ID,
		"batch_id": d.Job.BatchID,
		"attempt":  d.Job.Attempts,
	})
	start := time.Now()
	err := p.handle(ctx, d)
	jobDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		log.WithError(err).Warn("batch job ended with error")
		return
	}
	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	log.Debug("batch job done")
}

// Submit blocks until a worker can take the delivery, ctx is done or the pool
// stops.
func (p *Pool) Submit(ctx context.Context, d queue.Delivery) error {
	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolStopped
	case p.jobs <- d:
		return nil
	}
}

// Shutdown stops accepting work and waits for running jobs. After timeout the
// job contexts are cancelled. Deliveries still buffered are not processed;
// their claim expires and the queue hands them out again.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.stopOnce.Do(func() { close(p.quit) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
	case <-time.After(timeout):
		p.log.Warn("worker pool shutdown timed out, cancelling running jobs")
		p.cancel()
		<-done
	}
	p.cancel()
}
