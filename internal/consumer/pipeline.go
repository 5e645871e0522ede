// Package consumer builds the reconciliation consumers. Each consumer owns a
// buffer, a single-flight flush loop and a drain controller, and is fed
// command batches through Execute.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/reconciler/internal/dedup"
	"github.com/atmx/reconciler/internal/drain"
	"github.com/atmx/reconciler/internal/flush"
	"github.com/atmx/reconciler/internal/metrics"
	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/store"
)

// Consumer is what the stream source and the supervisor see.
type Consumer interface {
	Name() string
	// Execute ingests one command batch. Once draining it parks until ctx
	// is done.
	Execute(ctx context.Context, commands []model.Command) error
	// Run drives the flush loop and the drain poll until halted or ctx is
	// done.
	Run(ctx context.Context)
	State() drain.State
	Halted() <-chan struct{}
	Buffered() int
}

// Sink writes one drained batch.
type Sink[T any] func(ctx context.Context, batch []T) error

// Options describes one pipeline.
type Options[T model.Versioned] struct {
	Name      string
	Extract   func([]model.Command) []T
	Buffer    Buffer[T]
	Sink      Sink[T]
	Interval  time.Duration
	BatchSize int
	Retry     flush.RetryPolicy
	Drain     drain.Config
}

// Pipeline is a generic consumer over one entity type.
type Pipeline[T model.Versioned] struct {
	name      string
	extract   func([]model.Command) []T
	buffer    Buffer[T]
	sink      Sink[T]
	interval  time.Duration
	batchSize int
	retry     flush.RetryPolicy

	running *flush.RunningSet
	ctrl    *drain.Controller
	logger  *slog.Logger
}

// NewPipeline wires a pipeline. Options.Drain.OnHalt still runs after the
// pipeline records the halt.
func NewPipeline[T model.Versioned](opts Options[T]) *Pipeline[T] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	p := &Pipeline[T]{
		name:      opts.Name,
		extract:   opts.Extract,
		buffer:    opts.Buffer,
		sink:      opts.Sink,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		retry:     opts.Retry,
		running:   flush.NewRunningSet(),
		logger:    slog.With("consumer", opts.Name),
	}
	if p.buffer == nil {
		p.buffer = DedupBuffer[T]()
	}

	dcfg := opts.Drain
	onHalt := dcfg.OnHalt
	dcfg.OnHalt = func() {
		metrics.ConsumerState.WithLabelValues(p.name).Set(float64(drain.Halted))
		if onHalt != nil {
			onHalt()
		}
	}
	p.ctrl = drain.New(opts.Name, dcfg, p.Idle)
	metrics.ConsumerState.WithLabelValues(p.name).Set(float64(drain.Running))
	return p
}

func (p *Pipeline[T]) Name() string { return p.name }

// Execute merges the batch's entities into the buffer, then checks for the
// stop code. A full buffer triggers a flush right away.
func (p *Pipeline[T]) Execute(ctx context.Context, commands []model.Command) error {
	if !p.ctrl.Accepting() {
		return p.ctrl.Park(ctx)
	}

	items := dedup.Latest(p.extract(commands))
	if len(items) > 0 {
		if err := p.buffer.Add(ctx, items); err != nil {
			return err
		}
		metrics.BufferSize.WithLabelValues(p.name).Set(float64(p.buffer.Len()))
	}

	if p.ctrl.Observe(commands) {
		metrics.ConsumerState.WithLabelValues(p.name).Set(float64(drain.Draining))
	}

	if p.buffer.Len() >= p.batchSize {
		if _, err := p.Flush(ctx); err != nil {
			p.logger.Debug("inline flush failed", "err", err)
		}
	}
	return nil
}

// Flush writes up to one batch. It returns immediately with zero when
// another flush is in flight or nothing is buffered. A failed batch is
// dropped and its error returned.
func (p *Pipeline[T]) Flush(ctx context.Context) (int, error) {
	id, ok := p.running.TryAcquire()
	if !ok {
		return 0, nil
	}
	defer p.running.Release(id)

	if p.buffer.Len() == 0 {
		return 0, nil
	}
	batch := p.buffer.Take(p.batchSize)
	remaining := p.buffer.Len()
	metrics.BufferSize.WithLabelValues(p.name).Set(float64(remaining))

	start := time.Now()
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		return p.sink(ctx, batch)
	}, func(attempt int, err error) {
		metrics.FlushRetries.WithLabelValues(p.name).Inc()
		p.logger.Warn("flush retrying", "attempt", attempt, "size", len(batch), "err", err)
	})
	metrics.FlushDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.FlushErrors.WithLabelValues(p.name, errorKind(err)).Inc()
		p.logger.Error("flush failed, batch dropped", "size", len(batch), "flush_id", id, "err", err)
		return 0, err
	}

	metrics.FlushedEntities.WithLabelValues(p.name).Add(float64(len(batch)))
	p.logger.Debug("flushed", "size", len(batch), "queue", remaining)
	return len(batch), nil
}

// Idle reports whether nothing is buffered and no flush is in flight. The
// buffer is read first: a flush that already took its batch still holds the
// running set.
func (p *Pipeline[T]) Idle() bool {
	return p.buffer.Len() == 0 && p.running.Empty()
}

// Run flushes every interval and waits for the drain to complete. It returns
// once the pipeline halts or ctx is done.
func (p *Pipeline[T]) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		flush.Every(ctx, p.interval, func(ctx context.Context) {
			_, _ = p.Flush(ctx)
		})
	}()
	go func() {
		defer wg.Done()
		p.ctrl.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-p.ctrl.Halted():
		cancel()
	}
	wg.Wait()
}

func (p *Pipeline[T]) State() drain.State      { return p.ctrl.State() }
func (p *Pipeline[T]) Halted() <-chan struct{} { return p.ctrl.Halted() }
func (p *Pipeline[T]) Buffered() int           { return p.buffer.Len() }

func errorKind(err error) string {
	switch {
	case flush.IsDeadlock(err), errors.Is(err, flush.ErrRetriesExhausted):
		return "deadlock"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "other"
	}
}
