package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AIAleph/wallet_features/internal/features"
	"github.com/AIAleph/wallet_features/internal/logging"
	"github.com/AIAleph/wallet_features/internal/metrics"
)

// Writer persists feature records one at a time. Implementations must make a
// record durable (or hand it off) before Write returns.
type Writer interface {
	Write(ctx context.Context, r features.Record) error
	Close() error
}

// Named labels a writer for logs and metrics.
type Named struct {
	Name   string
	Writer Writer
}

// Tee fans each record out to a primary writer and any number of secondary
// writers. A primary failure is returned to the caller; secondary failures
// are logged and counted only.
type Tee struct {
	primary     Named
	secondaries []Named

	mu       sync.Mutex
	failures map[string]int
}

// NewTee builds a Tee. primary must not be nil.
func NewTee(primary Named, secondaries ...Named) *Tee {
	return &Tee{primary: primary, secondaries: secondaries, failures: make(map[string]int)}
}

func (t *Tee) Write(ctx context.Context, r features.Record) error {
	if err := t.primary.Writer.Write(ctx, r); err != nil {
		metrics.SinkWrites.WithLabelValues(t.primary.Name, "error").Inc()
		return fmt.Errorf("%s sink: %w", t.primary.Name, err)
	}
	metrics.SinkWrites.WithLabelValues(t.primary.Name, "ok").Inc()
	for _, s := range t.secondaries {
		if err := s.Writer.Write(ctx, r); err != nil {
			metrics.SinkWrites.WithLabelValues(s.Name, "error").Inc()
			t.mu.Lock()
			t.failures[s.Name]++
			t.mu.Unlock()
			logging.Logger().Warn("sink_write_failed",
				"component", "sink.tee",
				"sink", s.Name,
				"address", r.Address,
				"error", err.Error(),
			)
			continue
		}
		metrics.SinkWrites.WithLabelValues(s.Name, "ok").Inc()
	}
	return nil
}

// SecondaryFailures returns the number of failed writes per secondary sink.
func (t *Tee) SecondaryFailures() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.failures))
	for k, v := range t.failures {
		out[k] = v
	}
	return out
}

// Close closes every writer, secondaries first, and joins their errors.
func (t *Tee) Close() error {
	var errs []error
	for _, s := range t.secondaries {
		if err := s.Writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s sink: %w", s.Name, err))
		}
	}
	if err := t.primary.Writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%s sink: %w", t.primary.Name, err))
	}
	return errors.Join(errs...)
}
