package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-acquire/models"
)

// DualWriter writes the CSV summary and the JSONL attempt log side by side.
type DualWriter struct {
	summary *CSVWriter
	full    *JSONWriter
	mu      sync.Mutex
}

// NewDualWriter opens both outputs. Nothing is left open on failure.
func NewDualWriter(csvFilename, jsonFilename string) (*DualWriter, error) {
	summary, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("create summary writer: %w", err)
	}

	full, err := NewJSONWriter(jsonFilename)
	if err != nil {
		_ = summary.Close()
		return nil, fmt.Errorf("create result log writer: %w", err)
	}

	return &DualWriter{summary: summary, full: full}, nil
}

// Write records results in both outputs.
func (dw *DualWriter) Write(results []*models.AcquisitionResult) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.summary.Write(results); err != nil {
		return fmt.Errorf("summary: %w", err)
	}
	if err := dw.full.Write(results); err != nil {
		return fmt.Errorf("result log: %w", err)
	}
	return nil
}

// Close closes both outputs, reporting every failure.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	if err := dw.summary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close summary: %w", err))
	}
	if err := dw.full.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close result log: %w", err))
	}
	return errors.Join(errs...)
}

// Validate checks both outputs received data.
func (dw *DualWriter) Validate() error {
	return errors.Join(dw.summary.Validate(), dw.full.Validate())
}
