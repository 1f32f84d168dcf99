package textgen

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
)

// NarrativeStore persists generated text for a stored assessment.
type NarrativeStore interface {
	UpdateNarrative(ctx context.Context, id, summary, narrative string) error
}

// NarratorOptions size the narration worker pool.
type NarratorOptions struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultNarratorOptions runs 2 workers over a 64-slot queue with 3 attempts.
func DefaultNarratorOptions() NarratorOptions {
	return NarratorOptions{Workers: 2, QueueSize: 64, MaxAttempts: 3, Backoff: 500 * time.Millisecond}
}

// Narrator generates summaries and explanations in the background once an
// assessment is stored. When the queue is full, new work is dropped and
// counted instead of blocking the assessment path.
type Narrator struct {
	svc     *Service
	store   NarrativeStore
	opts    NarratorOptions
	logger  *slog.Logger
	metrics *observability.Metrics

	queue  chan domain.RiskAssessment
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewNarrator creates a Narrator. Call Start before Enqueue.
func NewNarrator(svc *Service, store NarrativeStore, opts NarratorOptions, logger *slog.Logger, metrics *observability.Metrics) *Narrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Narrator{
		svc:     svc,
		store:   store,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan domain.RiskAssessment, opts.QueueSize),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Close drains the queue.
func (n *Narrator) Start(ctx context.Context) {
	for range n.opts.Workers {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case a, ok := <-n.queue:
					if !ok {
						return
					}
					n.narrate(ctx, a)
				}
			}
		}()
	}
}

// Enqueue schedules narration for a without blocking.
func (n *Narrator) Enqueue(a domain.RiskAssessment) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- a:
	default:
		n.metrics.NarrationDropped.Inc()
		n.logger.Warn("narration queue full, dropping", "assessment_id", a.ID)
	}
}

// Close stops accepting work and waits for queued work to finish.
func (n *Narrator) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Narrator) narrate(ctx context.Context, a domain.RiskAssessment) {
	summary, err := n.withRetry(ctx, func() (string, error) { return n.svc.Summarize(ctx, a) })
	if err != nil {
		n.logger.Warn("summary generation failed", "assessment_id", a.ID, "error", err)
	}
	narrative, err := n.withRetry(ctx, func() (string, error) { return n.svc.Explain(ctx, a) })
	if err != nil {
		n.logger.Warn("explanation generation failed", "assessment_id", a.ID, "error", err)
	}
	if summary == "" && narrative == "" {
		return
	}
	if err := n.store.UpdateNarrative(ctx, a.ID, summary, narrative); err != nil {
		n.logger.Error("store narrative failed", "assessment_id", a.ID, "error", err)
	}
}

func (n *Narrator) withRetry(ctx context.Context, fn func() (string, error)) (string, error) {
	backoff := n.opts.Backoff
	var err error
	for attempt := 1; attempt <= n.opts.MaxAttempts; attempt++ {
		var text string
		text, err = fn()
		if err == nil {
			return text, nil
		}
		if !IsRetryable(err) || attempt == n.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", err
}
