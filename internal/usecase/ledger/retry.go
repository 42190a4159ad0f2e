package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain/usage"
	"github.com/copychief/relay/internal/metrics"
)

const (
	defaultRetryDelay     = 5 * time.Second
	defaultRetryQueueSize = 256
	maxCommitAttempts     = 5
)

// commitJob is one pending usage commit. The flags track which persistence
// legs still need to run so a retry never double-applies consumption.
type commitJob struct {
	rec           usage.Record
	commitBalance bool
	appendUsage   bool
	attempts      int
}

// retrier re-applies failed usage commits in the background (at-least-once,
// never in the request path). Jobs that exhaust their attempts are logged
// with full token counts so billing can be reconciled manually.
type retrier struct {
	svc    *Service
	delay  time.Duration
	jobs   chan commitJob
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
	logger *zap.Logger
}

func newRetrier(svc *Service, delay time.Duration, queueSize int, logger *zap.Logger) *retrier {
	return &retrier{
		svc:    svc,
		delay:  delay,
		jobs:   make(chan commitJob, queueSize),
		logger: logger,
	}
}

func (r *retrier) start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
}

// stop cancels the worker and waits for it to finish. The jobs channel is
// never closed so late enqueues can't panic; they land in the buffer and are
// picked up by the shutdown drain or lost with a logged record.
func (r *retrier) stop() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
	r.wg.Wait()
}

func (r *retrier) enqueue(job commitJob) {
	select {
	case r.jobs <- job:
	default:
		// Queue full: drop with a loud audit log rather than block the caller.
		r.logDropped(job, "retry queue full")
	}
}

func (r *retrier) run(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// Drain what we can on shutdown with a short grace window.
			r.drain()
			return
		case job := <-r.jobs:
			r.process(ctx, job)
		}
	}
}

func (r *retrier) process(ctx context.Context, job commitJob) {
	timer := time.NewTimer(r.backoffDelay(job.attempts))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.logDropped(job, "shutdown before retry")
		return
	case <-timer.C:
	}

	job.attempts++
	metrics.CommitRetriesTotal.Inc()

	if err := r.svc.applyCommit(ctx, &job); err != nil {
		if job.attempts >= maxCommitAttempts {
			r.logDropped(job, "attempts exhausted")
			return
		}
		r.logger.Warn("usage commit retry failed",
			zap.String("account_id", job.rec.AccountID),
			zap.Int("attempt", job.attempts),
			zap.Error(err),
		)
		r.enqueue(job)
		return
	}

	r.logger.Info("usage commit recovered",
		zap.String("account_id", job.rec.AccountID),
		zap.Int64("tokens", job.rec.Total()),
		zap.Int("attempts", job.attempts),
	)
}

// backoffDelay doubles the base delay per prior attempt.
func (r *retrier) backoffDelay(attempts int) time.Duration {
	d := r.delay
	for i := 0; i < attempts; i++ {
		d *= 2
	}
	return d
}

// drain makes one last synchronous pass over queued jobs on shutdown.
func (r *retrier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case job := <-r.jobs:
			if err := r.svc.applyCommit(ctx, &job); err != nil {
				r.logDropped(job, "shutdown drain failed")
			}
		default:
			return
		}
	}
}

// logDropped is the durable record of an under-billed exchange; these lines
// feed manual reconciliation.
func (r *retrier) logDropped(job commitJob, why string) {
	r.logger.Error("usage commit dropped, manual reconciliation required",
		zap.String("reason", why),
		zap.String("account_id", job.rec.AccountID),
		zap.String("feature", string(job.rec.Feature)),
		zap.Int64("prompt_tokens", job.rec.PromptTokens),
		zap.Int64("completion_tokens", job.rec.CompletionTokens),
		zap.Bool("estimated", job.rec.Estimated),
		zap.Int64("timestamp", job.rec.Timestamp),
	)
}
