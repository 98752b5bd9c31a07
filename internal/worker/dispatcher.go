package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sepa-collections-backend/internal/config"
	"sepa-collections-backend/internal/queue"
)

type Claimer interface {
	Claim(ctx context.Context, workerID string, limit int) ([]queue.Delivery, error)
}

// Dispatcher polls the queue and feeds claimed jobs to the pool. Submission
// blocks while the pool is busy, so a slow PSP slows claiming down.
type Dispatcher struct {
	queue    Claimer
	pool     *Pool
	id       string
	interval time.Duration
	limit    int
	log      logrus.FieldLogger
}

func NewDispatcher(q Claimer, pool *Pool, cfg config.QueueConfig, log logrus.FieldLogger) *Dispatcher {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	limit := cfg.ClaimBatchSize
	if limit <= 0 {
		limit = 1
	}
	return &Dispatcher{
		queue:    q,
		pool:     pool,
		id:       fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		interval: interval,
		limit:    limit,
		log:      log,
	}
}

// Run polls until ctx is cancelled. A full claim is followed by another poll
// right away.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.WithField("dispatcher", d.id).Info("dispatcher started")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		n, err := d.poll(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, ErrPoolStopped):
			d.log.Info("dispatcher stopped")
			return nil
		case err != nil:
			config.LogError(d.log, "worker", "Dispatcher.Run", "claim batch jobs", d.id, err)
		}
		if n == d.limit && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deliveries, err := d.queue.Claim(ctx, d.id, d.limit)
	if err != nil {
		return 0, err
	}
	for i, del := range deliveries {
		if err := d.pool.Submit(ctx, del); err != nil {
			// Unsubmitted claims are redelivered after their lock expires.
			d.log.WithFields(logrus.Fields{
				"job_id":  del.Job.ID,
				"pending": len(deliveries) - i,
			}).Warn("stopping with claimed jobs not handed to workers")
			return i, err
		}
	}
	return len(deliveries), nil
}
