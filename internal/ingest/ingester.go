package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AIAleph/wallet_features/internal/addresses"
	"github.com/AIAleph/wallet_features/internal/eth"
	"github.com/AIAleph/wallet_features/internal/features"
	"github.com/AIAleph/wallet_features/internal/logging"
	"github.com/AIAleph/wallet_features/internal/metrics"
	"github.com/AIAleph/wallet_features/internal/normalize"
	"github.com/AIAleph/wallet_features/internal/sink"
)

// Per-address statuses reported in logs, metrics and Summary.
const (
	StatusOK                = "ok"
	StatusEmpty             = "empty"
	StatusFallbackTransport = "fallback_transport"
	StatusFallbackInvalid   = "fallback_invalid"
	StatusFallbackError     = "fallback_error"
)

// Options configure a run of the ingester.
type Options struct {
	Workers      int
	DefaultFlag  int    // FLAG for measured records; fallbacks always carry 1
	TimeRateMode string // features.TimeRateMeanGap or features.TimeRateLegacy
	RunID        string
	// Skip holds canonical addresses persisted by an earlier run.
	Skip map[string]struct{}
}

// Summary describes a finished run.
type Summary struct {
	RunID         string
	Total         int
	Processed     int
	Fallbacks     int
	Empty         int
	Skipped       int
	NotDispatched int
	NotWritten    int // dispatched but dropped after the writer failed
	Transactions  int
	Elapsed       time.Duration
}

// Ingester drives the per-address pipeline: fetch, classify, aggregate and
// write, with a fallback record whenever a step fails.
type Ingester struct {
	fetcher eth.HistoryFetcher
	writer  sink.Writer
	opts    Options
}

// New builds an Ingester. Workers below 1 run sequentially.
func New(fetcher eth.HistoryFetcher, writer sink.Writer, opts Options) *Ingester {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Ingester{fetcher: fetcher, writer: writer, opts: opts}
}

type result struct {
	seq    int
	entry  addresses.Entry
	record features.Record
	status string
	txs    int
	err    error
}

// Run processes entries and writes exactly one record per dispatched entry,
// in input order. Cancelling ctx stops dispatch; addresses already in flight
// finish and are written. Per-address failures become fallback records; only
// a writer error is returned, after which the failed record and every later
// dispatched one count as NotWritten.
func (i *Ingester) Run(ctx context.Context, entries []addresses.Entry) (Summary, error) {
	start := time.Now()
	logger := logging.Logger()
	sum := Summary{RunID: i.opts.RunID, Total: len(entries)}

	// in-flight work outlives cancellation so its record still lands
	workCtx := context.WithoutCancel(ctx)
	done := make(chan result, i.opts.Workers)
	stop := make(chan struct{})
	var (
		stopOnce sync.Once
		writeErr error
		written  Summary // owned by the writer goroutine until wg.Wait
		wg       sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		pending := make(map[int]result)
		next := 0
		for res := range done {
			pending[res.seq] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if writeErr != nil {
					written.NotWritten++
					logger.Warn("address_not_written",
						"component", "ingest",
						"run_id", i.opts.RunID,
						"index", r.entry.Index,
						"address", r.entry.Address,
					)
					continue
				}
				if err := i.writer.Write(workCtx, r.record); err != nil {
					writeErr = fmt.Errorf("write %s: %w", r.entry.Address, err)
					written.NotWritten++
					stopOnce.Do(func() { close(stop) })
					continue
				}
				i.record(&written, r)
				logger.Info("address_processed",
					"component", "ingest",
					"run_id", i.opts.RunID,
					"index", r.entry.Index,
					"address", r.entry.Address,
					"status", r.status,
					"tx_retrieved", r.txs,
					"tx_total", written.Transactions,
					"processed", written.Processed,
				)
			}
		}
	}()

	var g errgroup.Group
	g.SetLimit(i.opts.Workers)
	seq := 0
dispatch:
	for n, e := range entries {
		select {
		case <-ctx.Done():
			sum.NotDispatched = len(entries) - n
			break dispatch
		case <-stop:
			sum.NotDispatched = len(entries) - n
			break dispatch
		default:
		}
		if _, ok := i.opts.Skip[e.Canonical]; ok {
			sum.Skipped++
			logger.Debug("address_skipped", "component", "ingest", "index", e.Index, "address", e.Address)
			continue
		}
		if errors.Is(e.Problem, addresses.ErrChecksumMismatch) {
			logger.Warn("address_checksum_mismatch", "component", "ingest", "index", e.Index, "address", e.Address)
		}
		e := e
		s := seq
		seq++
		g.Go(func() error {
			metrics.InFlight.Inc()
			defer metrics.InFlight.Dec()
			res := i.process(workCtx, e)
			res.seq = s
			done <- res
			return nil
		})
	}
	_ = g.Wait()
	close(done)
	wg.Wait()
	sum.Processed = written.Processed
	sum.Fallbacks = written.Fallbacks
	sum.Empty = written.Empty
	sum.Transactions = written.Transactions
	sum.NotWritten = written.NotWritten

	if sum.NotDispatched > 0 {
		metrics.AddressesNotDispatched.Add(float64(sum.NotDispatched))
		logger.Warn("addresses_not_dispatched",
			"component", "ingest",
			"run_id", i.opts.RunID,
			"count", sum.NotDispatched,
			"first_index", entries[len(entries)-sum.NotDispatched].Index,
		)
	}
	sum.Elapsed = time.Since(start)
	logger.Info("run_summary",
		"component", "ingest",
		"run_id", i.opts.RunID,
		"total", sum.Total,
		"processed", sum.Processed,
		"fallbacks", sum.Fallbacks,
		"empty", sum.Empty,
		"skipped", sum.Skipped,
		"not_dispatched", sum.NotDispatched,
		"not_written", sum.NotWritten,
		"tx_total", sum.Transactions,
		"elapsed_ms", sum.Elapsed.Milliseconds(),
	)
	return sum, writeErr
}

func (i *Ingester) record(sum *Summary, r result) {
	sum.Processed++
	sum.Transactions += r.txs
	switch r.status {
	case StatusEmpty:
		sum.Empty++
	case StatusFallbackTransport, StatusFallbackInvalid, StatusFallbackError:
		sum.Fallbacks++
	}
	metrics.AddressesProcessed.WithLabelValues(r.status).Inc()
	if r.err != nil {
		logging.Logger().Warn("address_fallback",
			"component", "ingest",
			"index", r.entry.Index,
			"address", r.entry.Address,
			"status", r.status,
			"error", r.err.Error(),
		)
	}
}

// process runs one address through the pipeline. It never fails: every
// error path yields the fallback record.
func (i *Ingester) process(ctx context.Context, e addresses.Entry) (res result) {
	res.entry = e
	defer func() {
		if p := recover(); p != nil {
			res.record = features.Fallback(e.Address)
			res.status = StatusFallbackError
			res.err = fmt.Errorf("panic: %v", p)
		}
	}()
	if !e.Valid() {
		res.record = features.Fallback(e.Address)
		res.status = StatusFallbackInvalid
		res.err = e.Problem
		return res
	}

	out := i.fetcher.FetchHistory(ctx, e.Address)
	switch out.Kind {
	case eth.OutcomeEmpty:
		res.record = features.Record{Address: e.Address, Flag: i.opts.DefaultFlag}
		res.status = StatusEmpty
		return res
	case eth.OutcomeSuccess:
	default:
		res.record = features.Fallback(e.Address)
		res.status = StatusFallbackTransport
		res.err = out.Err
		if res.err == nil {
			res.err = fmt.Errorf("fetch outcome %s", out.Kind)
		}
		return res
	}

	res.txs = len(out.Transactions)
	classified := normalize.Classify(e.Canonical, out.Transactions)
	rec, err := features.Aggregate(classified, features.Options{TimeRateMode: i.opts.TimeRateMode})
	if err != nil {
		res.record = features.Fallback(e.Address)
		res.status = StatusFallbackError
		res.err = err
		return res
	}
	rec.Address = e.Address
	rec.Flag = i.opts.DefaultFlag
	res.record = rec
	res.status = StatusOK
	return res
}
