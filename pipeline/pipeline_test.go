package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/models"
)

type mockWriter struct {
	mu          sync.Mutex
	batches     [][]*models.AcquisitionResult
	closed      bool
	writeErr    error
	validateErr error
}

func (mw *mockWriter) Write(results []*models.AcquisitionResult) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.writeErr != nil {
		return mw.writeErr
	}
	copyBatch := make([]*models.AcquisitionResult, len(results))
	copy(copyBatch, results)
	mw.batches = append(mw.batches, copyBatch)
	return nil
}

func (mw *mockWriter) Close() error {
	mw.mu.Lock()
	mw.closed = true
	mw.mu.Unlock()
	return nil
}

func (mw *mockWriter) Validate() error {
	return mw.validateErr
}

func (mw *mockWriter) totalWritten() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	total := 0
	for _, batch := range mw.batches {
		total += len(batch)
	}
	return total
}

func (mw *mockWriter) batchSizes() []int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	sizes := make([]int, 0, len(mw.batches))
	for _, batch := range mw.batches {
		sizes = append(sizes, len(batch))
	}
	return sizes
}

type blockingWriter struct {
	blockCh chan struct{}
}

func (bw *blockingWriter) Write(results []*models.AcquisitionResult) error {
	<-bw.blockCh
	return nil
}

func (bw *blockingWriter) Close() error {
	return nil
}

func (bw *blockingWriter) Validate() error {
	return nil
}

// stubAcquirer succeeds unless the target URL names an exhaust reason.
type stubAcquirer struct {
	mu    sync.Mutex
	calls int
}

func (s *stubAcquirer) Acquire(ctx context.Context, target models.Target) (*models.AcquisitionResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if err := target.Validate(); err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}
	now := time.Now()
	result := &models.AcquisitionResult{
		Target:    target,
		StartTime: now,
		EndTime:   now,
		Attempts:  []models.AttemptResult{{Attempt: 1, StrategyName: "plain_http"}},
	}
	switch {
	case ctx.Err() != nil:
		result.Status = models.StatusExhausted
		result.Reason = models.ReasonCancelled
	case strings.Contains(target.URL, "captcha"):
		result.Status = models.StatusExhausted
		result.Outcome = models.OutcomeCaptcha
		result.Reason = models.ReasonHumanIntervention
	case strings.Contains(target.URL, "blocked"):
		result.Status = models.StatusExhausted
		result.Outcome = models.OutcomeBlocked
		result.Reason = models.ReasonStrategies
	default:
		result.Status = models.StatusSucceeded
		result.Outcome = models.OutcomeSuccess
		result.Payload = &models.Payload{Format: models.FormatJSON, Body: []byte(`{}`), Data: `{}`}
	}
	return result, nil
}

func (s *stubAcquirer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func target(i int) models.Target {
	return models.Target{URL: "http://example.test/check/" + strconv.Itoa(i)}
}

func TestPipelineProcessDedupAndOutcomes(t *testing.T) {
	cfg := config.DefaultConfig()
	writer := &mockWriter{}
	acquirer := &stubAcquirer{}
	p := NewPipeline(context.Background(), acquirer, writer, cfg)
	p.Start(1)

	err := p.Process(
		models.Target{ID: "a", URL: "http://example.test/check"},
		models.Target{ID: "b", URL: "http://example.test/blocked"},
		models.Target{ID: "c", URL: "http://example.test/captcha"},
		models.Target{ID: "a", URL: "http://example.test/check"},
		models.Target{ID: "d", URL: ""},
	)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := writer.totalWritten(); got != 3 {
		t.Fatalf("written results = %d, want 3", got)
	}
	if got := acquirer.callCount(); got != 4 {
		t.Fatalf("acquisitions = %d, want 4 (duplicate skipped)", got)
	}

	metrics := p.GetMetrics()
	if got := metrics["succeeded"].(int64); got != 1 {
		t.Fatalf("succeeded = %d, want 1", got)
	}
	if got := metrics["exhausted"].(int64); got != 2 {
		t.Fatalf("exhausted = %d, want 2", got)
	}
	if got := metrics["duplicates"].(int64); got != 1 {
		t.Fatalf("duplicates = %d, want 1", got)
	}
	if got := metrics["invalid_targets"].(int64); got != 1 {
		t.Fatalf("invalid targets = %d, want 1", got)
	}
	reasons, ok := metrics["exhausted_by_reason"].(map[string]int)
	if !ok {
		t.Fatalf("expected exhausted_by_reason map")
	}
	if reasons[string(models.ReasonStrategies)] != 1 || reasons[string(models.ReasonHumanIntervention)] != 1 {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestPipelineBatchFlushThreshold(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 16
	writer := &mockWriter{}
	p := NewPipeline(context.Background(), &stubAcquirer{}, writer, cfg)
	p.Start(1)

	for i := 0; i < 17; i++ {
		if err := p.Process(target(i)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sizes := writer.batchSizes()
	if len(sizes) != 2 {
		t.Fatalf("batch writes = %d, want 2", len(sizes))
	}
	if sizes[0] != 16 || sizes[1] != 1 {
		t.Fatalf("batch sizes = %v, want [16 1]", sizes)
	}
}

func TestPipelineCloseDrainsPendingItems(t *testing.T) {
	cfg := config.DefaultConfig()
	writer := &mockWriter{}
	p := NewPipeline(context.Background(), &stubAcquirer{}, writer, cfg)
	p.Start(4)

	for i := 0; i < 100; i++ {
		if err := p.Process(target(i + 200)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := writer.totalWritten(); got != 100 {
		t.Fatalf("written results = %d, want 100", got)
	}
	if got := p.GetMetrics()["attempts"].(int64); got != 100 {
		t.Fatalf("attempts = %d, want 100", got)
	}
}

func TestPipelineRejectsAfterClose(t *testing.T) {
	cfg := config.DefaultConfig()
	p := NewPipeline(context.Background(), &stubAcquirer{}, &mockWriter{}, cfg)
	p.Start(1)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Process(target(1)); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("process after close = %v, want ErrPipelineClosed", err)
	}
}

func TestPipelineWriteErrorSurfaces(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 1
	boom := errors.New("disk full")
	p := NewPipeline(context.Background(), &stubAcquirer{}, &mockWriter{writeErr: boom}, cfg)
	p.Start(1)

	if err := p.Process(target(1)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); !errors.Is(err, boom) {
		t.Fatalf("close = %v, want %v", err, boom)
	}
}

func TestPipelineCancelledContextStillWritesResults(t *testing.T) {
	cfg := config.DefaultConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	writer := &mockWriter{}
	p := NewPipeline(ctx, &stubAcquirer{}, writer, cfg)
	p.Start(2)
	for i := 0; i < 5; i++ {
		if err := p.Process(target(i)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := writer.totalWritten(); got != 5 {
		t.Fatalf("written results = %d, want 5", got)
	}
	reasons := p.GetMetrics()["exhausted_by_reason"].(map[string]int)
	if reasons[string(models.ReasonCancelled)] != 5 {
		t.Fatalf("cancelled results = %v, want 5", reasons)
	}
}

func TestPipelineCloseTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 1

	writer := &blockingWriter{blockCh: make(chan struct{})}
	p := NewPipeline(context.Background(), &stubAcquirer{}, writer, cfg)
	p.Start(1)

	if err := p.Process(target(1)); err != nil {
		t.Fatalf("process: %v", err)
	}

	previousTimeout := drainTimeout
	drainTimeout = 25 * time.Millisecond
	t.Cleanup(func() {
		drainTimeout = previousTimeout
		close(writer.blockCh)
	})

	if err := p.Close(); err == nil || !errors.Is(err, ErrPipelineCloseTimeout) {
		t.Fatalf("expected close timeout error, got %v", err)
	}
}
