package moderation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robalyx/modguard/internal/classifier"
	"github.com/robalyx/modguard/internal/database/types"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/robalyx/modguard/pkg/utils"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by Submit after Stop was called.
	ErrStopped = errors.New("processor stopped")
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("event queue is full")
	// ErrScopeBusy is returned by Submit when the scope already has its share of the queue.
	ErrScopeBusy = errors.New("scope has too many pending events")
)

// ConfigSource provides scope configs.
type ConfigSource interface {
	Config(ctx context.Context, scopeID string) (*types.ScopeConfig, error)
}

// Classifier scores content items.
type Classifier interface {
	Classify(ctx context.Context, apiKey string, items []classifier.Item) (classifier.Scores, error)
}

// Recorder accumulates counter deltas.
type Recorder interface {
	Record(scopeID string, delta *types.Counters)
}

// Result describes how one event was handled.
type Result struct {
	Outcome  Outcome
	Decision Decision
	// Report is set for flagged events only.
	Report *Report
	// Delta is what was recorded in the counters, nil if nothing was.
	Delta *types.Counters
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithQueueSize sets how many events may wait for a worker.
func WithQueueSize(size int) ProcessorOption {
	return func(p *Processor) {
		p.queueSize = max(size, 1)
	}
}

// WithScopeLimit caps the events of one scope that are queued or running.
func WithScopeLimit(limit int) ProcessorOption {
	return func(p *Processor) {
		p.scopeLimit = int32(max(limit, 1))
	}
}

// Processor runs events through normalization, classification, decision and dispatch.
//
// Submit never blocks: events wait in a bounded queue drained by a fixed
// set of workers, and each scope may only hold scopeLimit of the queued and
// running events, so a flooding scope cannot starve the others.
type Processor struct {
	configs    ConfigSource
	classifier Classifier
	dispatcher *Dispatcher
	recorder   Recorder
	metrics    Metrics
	logger     *zap.Logger

	queueSize  int
	scopeLimit int32
	queue      chan *Event
	pending    *xsync.MapOf[string, *atomic.Int32]
	workers    *pool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	closed bool
}

// NewProcessor creates a Processor running at most maxWorkers events at once.
// Workers start immediately and run until Stop.
func NewProcessor(
	configs ConfigSource,
	classifier Classifier,
	dispatcher *Dispatcher,
	recorder Recorder,
	metrics Metrics,
	maxWorkers int,
	logger *zap.Logger,
	opts ...ProcessorOption,
) *Processor {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	maxWorkers = max(maxWorkers, 1)

	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor{
		configs:    configs,
		classifier: classifier,
		dispatcher: dispatcher,
		recorder:   recorder,
		metrics:    metrics,
		logger:     logger.Named("processor"),
		queueSize:  maxWorkers * 8,
		pending:    xsync.NewMapOf[string, *atomic.Int32](),
		workers:    pool.New().WithMaxGoroutines(maxWorkers),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, opt := range opts {
		opt(p)
	}
	if p.scopeLimit == 0 {
		p.scopeLimit = int32(max((maxWorkers+p.queueSize)/4, 1))
	}

	p.queue = make(chan *Event, p.queueSize)
	for range maxWorkers {
		p.workers.Go(p.work)
	}

	return p
}

// Submit queues an event for asynchronous processing. It never blocks;
// when the queue or the scope's share of it is full the event is dropped
// and the returned error says why.
func (p *Processor) Submit(evt *Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrStopped
	}

	count, _ := p.pending.LoadOrCompute(evt.ScopeID, func() *atomic.Int32 {
		return new(atomic.Int32)
	})
	if count.Add(1) > p.scopeLimit {
		count.Add(-1)
		p.metrics.EventProcessed(string(OutcomeDropped))
		return fmt.Errorf("%w: %s", ErrScopeBusy, evt.ScopeID)
	}

	select {
	case p.queue <- evt:
		return nil
	default:
		count.Add(-1)
		p.metrics.EventProcessed(string(OutcomeDropped))
		return ErrQueueFull
	}
}

// Stop rejects new events and waits for queued and in-flight ones. Events
// still running after grace have their context cancelled, and events still
// queued by then are discarded.
func (p *Processor) Stop(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("Shutdown grace period elapsed, cancelling in-flight events")
		p.cancel()
		<-done
	}

	p.cancel()
	p.logger.Info("Processor stopped")
}

// work drains the queue until it is closed.
func (p *Processor) work() {
	for evt := range p.queue {
		if p.ctx.Err() != nil {
			p.release(evt.ScopeID)
			continue
		}
		p.run(evt)
	}
}

func (p *Processor) run(evt *Event) {
	defer p.release(evt.ScopeID)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered from panic while processing event",
				zap.String("scopeID", evt.ScopeID),
				zap.String("messageID", evt.MessageID),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	if _, err := p.Process(p.ctx, evt); err != nil {
		p.logger.Error("Failed to process event",
			zap.String("scopeID", evt.ScopeID),
			zap.String("messageID", evt.MessageID),
			zap.Error(err))
	}
}

func (p *Processor) release(scopeID string) {
	if count, ok := p.pending.Load(scopeID); ok {
		count.Add(-1)
	}
}

// Process handles a single event synchronously.
func (p *Processor) Process(ctx context.Context, evt *Event) (*Result, error) {
	result, err := p.process(ctx, evt)
	if err != nil {
		p.metrics.EventProcessed("error")
		return nil, err
	}

	if result.Outcome.Counted() && result.Delta != nil {
		p.recorder.Record(evt.ScopeID, result.Delta)
	}
	p.metrics.EventProcessed(string(result.Outcome))

	return result, nil
}

func (p *Processor) process(ctx context.Context, evt *Event) (*Result, error) {
	if evt.AuthorIsBot || evt.ScopeID == "" {
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	cfg, err := p.configs.Config(ctx, evt.ScopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get scope config: %w", err)
	}

	if !cfg.ModerationEnabled {
		return &Result{Outcome: OutcomeDisabled}, nil
	}

	if cfg.IsWhitelisted(evt.ChannelID) {
		return &Result{Outcome: OutcomeWhitelisted}, nil
	}

	normalized := utils.Normalize(evt.Content)
	items := classifier.BuildItems(normalized, evt.Attachments)
	if len(items) == 0 {
		return &Result{Outcome: OutcomeEmpty}, nil
	}

	hasImage := classifier.HasImage(items)

	delta := types.NewCounters()
	delta.MessagesSeen = 1
	if hasImage {
		delta.ImagesSeen = 1
	}

	start := time.Now()
	scores, err := p.classifier.Classify(ctx, cfg.APIKey, items)
	p.metrics.ClassificationObserved(time.Since(start), err)

	logger := p.logger.With(
		zap.String("scopeID", evt.ScopeID),
		zap.String("channelID", evt.ChannelID),
		zap.String("messageID", evt.MessageID))

	if err != nil {
		// Fail open
		if cfg.Debug {
			logger.Info("Processed event without classification",
				zap.Bool("edited", evt.Edited),
				zap.Int("items", len(items)),
				zap.Error(err))
		} else if !errors.Is(err, classifier.ErrNoCredential) {
			logger.Warn("Classification unavailable", zap.Error(err))
		}

		return &Result{Outcome: OutcomeUnavailable, Decision: Decide(nil, cfg.Threshold), Delta: delta}, nil
	}

	decision := Decide(scores, cfg.Threshold)

	if cfg.Debug {
		logger.Info("Processed event",
			zap.Bool("edited", evt.Edited),
			zap.Bool("flagged", decision.Flagged),
			zap.Float64("threshold", cfg.Threshold),
			zap.Any("top", decision.Top(reportedScores)))
	}

	if !decision.Flagged {
		return &Result{Outcome: OutcomeClean, Decision: decision, Delta: delta}, nil
	}

	report := p.dispatcher.Dispatch(ctx, cfg, evt, decision)

	delta.MessagesFlagged = 1
	if hasImage {
		delta.ImagesFlagged = 1
	}
	delta.ModeratedUsers[evt.AuthorID] = 1
	for _, violation := range decision.Violations {
		delta.CategoryHits[violation.Category]++
	}
	if report.Timeout.Succeeded() {
		delta.TimeoutsIssued = 1
		delta.TimeoutMinutesTotal = int64(report.TimeoutMinutes)
	}

	logger.Info("Flagged message",
		zap.String("authorID", evt.AuthorID),
		zap.String("violations", FormatScores(decision.TopViolations(reportedScores))),
		zap.String("delete", string(report.Delete)),
		zap.String("timeout", string(report.Timeout)))

	return &Result{Outcome: OutcomeFlagged, Decision: decision, Report: report, Delta: delta}, nil
}
