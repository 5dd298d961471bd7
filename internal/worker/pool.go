package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/retry"
)

// TaskProcessor executes one notification task.
type TaskProcessor interface {
	Process(ctx context.Context, id uuid.UUID) (Result, error)
	Abandon(ctx context.Context, id uuid.UUID, cause error) error
}

// Config configures a Pool.
type Config struct {
	Workers int
	// ReceiveBackoff is the pause after a failed receive.
	ReceiveBackoff time.Duration
}

// Pool feeds tasks from a queue to a fixed number of workers.
type Pool struct {
	source    queue.Source
	scheduler queue.Scheduler
	processor TaskProcessor
	policy    retry.Policy
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewPool creates a Pool. Retries are re-submitted through scheduler rather
// than waited out by a worker.
func NewPool(source queue.Source, scheduler queue.Scheduler, processor TaskProcessor, policy retry.Policy, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = time.Second
	}
	return &Pool{
		source:    source,
		scheduler: scheduler,
		processor: processor,
		policy:    policy,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run blocks until ctx is done, then waits for in-flight tasks.
func (p *Pool) Run(ctx context.Context) {
	deliveries := make(chan queue.Delivery)

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				p.handle(ctx, d)
			}
		}()
	}

	p.logger.Info("worker pool started", zap.Int("workers", p.config.Workers))
	p.receiveLoop(ctx, deliveries)
	close(deliveries)
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) receiveLoop(ctx context.Context, out chan<- queue.Delivery) {
	for {
		batch, err := p.source.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Error("failed to receive tasks", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.ReceiveBackoff):
			}
			continue
		}

		for _, d := range batch {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, d queue.Delivery) {
	metrics.TaskStarted()
	defer metrics.TaskFinished()

	task := d.Task
	log := p.logger.With(
		zap.String("task_id", task.TaskID),
		zap.String("notification_id", task.NotificationID.String()),
		zap.Int("attempt", task.Attempt),
	)

	now := p.now()
	if !task.Due(now) {
		if err := p.source.Defer(ctx, d, task.NotBefore); err != nil {
			log.Error("failed to defer task", zap.Error(err))
		}
		return
	}

	result, err := p.processor.Process(ctx, task.NotificationID)
	if err == nil {
		metrics.RecordTaskProcessed(result.String())
		p.ack(ctx, d, log)
		return
	}
	if ctx.Err() != nil {
		// Left unacked; the queue redelivers it.
		log.Warn("task interrupted by shutdown", zap.Error(err))
		return
	}

	if retry.IsPermanent(err) {
		metrics.RecordRetry("task", "permanent")
		p.giveUp(ctx, d, err, log)
		return
	}

	decision := p.policy.Decide(err, task.Attempt+1)
	if !decision.Retry {
		metrics.RecordRetry("task", "exhausted")
		p.giveUp(ctx, d, err, log)
		return
	}

	next := task.Retry()
	if serr := p.scheduler.SubmitAt(ctx, next, now.Add(decision.Delay)); serr != nil {
		// Without an ack the original is redelivered after its visibility timeout.
		log.Error("failed to resubmit task", zap.Error(serr))
		return
	}
	metrics.RecordRetry("task", "retry")
	log.Warn("task failed, retry scheduled",
		zap.Duration("delay", decision.Delay),
		zap.Error(err),
	)
	p.ack(ctx, d, log)
}

func (p *Pool) giveUp(ctx context.Context, d queue.Delivery, cause error, log *zap.Logger) {
	log.Error("task failed permanently", zap.Error(cause))
	metrics.RecordTaskProcessed("dead_lettered")
	metrics.RecordDeadLetter()

	if err := p.processor.Abandon(ctx, d.Task.NotificationID, cause); err != nil {
		log.Error("failed to mark notification failed", zap.Error(err))
	}
	if err := p.source.DeadLetter(ctx, d, cause.Error()); err != nil {
		log.Error("failed to dead-letter task", zap.Error(err))
	}
	p.ack(ctx, d, log)
}

func (p *Pool) ack(ctx context.Context, d queue.Delivery, log *zap.Logger) {
	if err := p.source.Ack(ctx, d); err != nil {
		log.Error("failed to ack task", zap.Error(err))
	}
}
