// Package pipeline runs acquisitions for many targets concurrently and
// streams the results to an output writer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/models"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when workers do not drain in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

// drainTimeout bounds how long Close waits for in-flight acquisitions.
var drainTimeout = 10 * time.Minute

// Acquirer runs one acquisition to a terminal result.
type Acquirer interface {
	Acquire(ctx context.Context, target models.Target) (*models.AcquisitionResult, error)
}

// OutputWriter defines the interface for result output.
type OutputWriter interface {
	Write(results []*models.AcquisitionResult) error
	Close() error
	Validate() error
}

// Pipeline feeds targets to acquisition workers, skips duplicates and writes
// results in batches.
type Pipeline struct {
	ctx       context.Context
	acquirer  Acquirer
	writer    OutputWriter
	targetCh  chan models.Target
	batchSize int

	group *errgroup.Group
	gctx  context.Context

	seen *lru.Cache[string, struct{}]

	metrics metrics

	mu     sync.Mutex // guards closed/err/group
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline bound to ctx. Cancelling ctx makes running
// acquisitions finish as cancelled; their results are still written.
func NewPipeline(ctx context.Context, acquirer Acquirer, writer OutputWriter, cfg *config.Config) *Pipeline {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	seen, err := lru.New[string, struct{}](max(cfg.DedupeMaxSize, 1))
	if err != nil {
		// only reachable with a non-positive size
		panic(err)
	}
	return &Pipeline{
		ctx:       ctx,
		acquirer:  acquirer,
		writer:    writer,
		targetCh:  make(chan models.Target, batchSize*4),
		batchSize: batchSize,
		seen:      seen,
		metrics:   newMetrics(),
		shutdown:  make(chan struct{}),
	}
}

// Start launches worker goroutines. Calling it more than once is a no-op.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.group != nil {
		return
	}

	p.group, p.gctx = errgroup.WithContext(p.ctx)
	for i := 0; i < workers; i++ {
		p.group.Go(p.worker)
	}
}

// Process enqueues targets. A target whose key was already seen is skipped.
func (p *Pipeline) Process(targets ...models.Target) error {
	if len(targets) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, target := range targets {
		if seen, _ := p.seen.ContainsOrAdd(target.Key(), struct{}{}); seen {
			p.metrics.addDuplicate()
			continue
		}
		if err := p.enqueue(target); err != nil {
			return err
		}
	}
	return nil
}

// Close stops intake and waits up to drainTimeout for workers to finish.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	group := p.group
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.targetCh)
	})

	if group == nil {
		return p.Err()
	}

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		p.setErr(err)
		return p.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrPipelineCloseTimeout, drainTimeout)
	}
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.Int64("processed", m["processed_targets"].(int64)),
					slog.Int64("succeeded", m["succeeded"].(int64)),
					slog.Int64("exhausted", m["exhausted"].(int64)),
					slog.Int64("duplicates", m["duplicates"].(int64)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() error {
	ctx := p.gctx

	batch := make([]*models.AcquisitionResult, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for target := range p.targetCh {
		result, err := p.acquirer.Acquire(ctx, target)
		if err != nil {
			p.metrics.addInvalid()
			slog.Warn("target rejected", slog.String("target", target.Key()), slog.Any("error", err))
			continue
		}
		p.metrics.record(result)
		batch = append(batch, result)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(err)
				return err
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(err)
		return err
	}
	return nil
}

func (p *Pipeline) enqueue(target models.Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.targetCh <- target:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.targetCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	succeeded  int64
	exhausted  int64
	duplicates int64
	invalid    int64
	attempts   int64
	byReason   map[string]int
}

func newMetrics() metrics {
	return metrics{
		byReason: make(map[string]int),
	}
}

func (m *metrics) record(r *models.AcquisitionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
	m.attempts += int64(len(r.Attempts))
	if r.Succeeded() {
		m.succeeded++
		return
	}
	m.exhausted++
	m.byReason[string(r.Reason)]++
}

func (m *metrics) addDuplicate() {
	m.mu.Lock()
	m.duplicates++
	m.mu.Unlock()
}

func (m *metrics) addInvalid() {
	m.mu.Lock()
	m.invalid++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyReasons := make(map[string]int, len(m.byReason))
	for k, v := range m.byReason {
		copyReasons[k] = v
	}

	return map[string]interface{}{
		"processed_targets":   m.processed,
		"succeeded":           m.succeeded,
		"exhausted":           m.exhausted,
		"duplicates":          m.duplicates,
		"invalid_targets":     m.invalid,
		"attempts":            m.attempts,
		"exhausted_by_reason": copyReasons,
	}
}
