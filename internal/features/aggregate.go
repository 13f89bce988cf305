package features

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/AIAleph/wallet_features/internal/normalize"
)

// Time-rate modes.
const (
	TimeRateMeanGap = "mean-gap"
	TimeRateLegacy  = "legacy"
)

const (
	// ValuePlaces bounds ether averages to wei precision.
	ValuePlaces int32 = 18
	// MinutePlaces bounds every minute-valued feature.
	MinutePlaces int32 = 4
)

var sixty = decimal.NewFromInt(60)

// Options tunes Aggregate.
type Options struct {
	// TimeRateMode selects how Avg min between sent/received tnx is computed:
	// mean-gap averages consecutive gaps within a direction; legacy divides
	// the direction's summed timestamps (in minutes) by its count.
	TimeRateMode string
}

// AggregationError reports a history that could not be reduced to a Record.
type AggregationError struct {
	Position int
	Reason   string
}

func (e *AggregationError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("aggregate: transaction %d: %s", e.Position, e.Reason)
	}
	return "aggregate: " + e.Reason
}

// Aggregate reduces a classified history to a Record. Address and Flag are
// left for the caller. Statistics over an empty subset are zero.
func Aggregate(txs []normalize.ClassifiedTransaction, opts Options) (rec Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = Record{}
			err = &AggregationError{Position: -1, Reason: fmt.Sprint(r)}
		}
	}()
	mode := opts.TimeRateMode
	if mode == "" {
		mode = TimeRateMeanGap
	}
	if mode != TimeRateMeanGap && mode != TimeRateLegacy {
		return Record{}, &AggregationError{Position: -1, Reason: fmt.Sprintf("unknown time rate mode %q", mode)}
	}
	for _, tx := range txs {
		if tx.Value == nil {
			return Record{}, &AggregationError{Position: tx.Position, Reason: "missing value"}
		}
		if tx.Value.Sign() < 0 {
			return Record{}, &AggregationError{Position: tx.Position, Reason: "negative value"}
		}
	}

	sorted := append([]normalize.ClassifiedTransaction(nil), txs...)
	normalize.SortByTime(sorted)
	sent := normalize.Filter(sorted, normalize.IsOutgoing)
	received := normalize.Filter(sorted, normalize.IsIncoming)
	toContract := normalize.Filter(sorted, normalize.IsContractTarget)

	s := summarize(sent)
	r := summarize(received)
	c := summarize(toContract)

	rec = Record{
		SentTxCount:           s.n,
		ReceivedTxCount:       r.n,
		ContractTxCount:       c.n,
		TotalTransactions:     len(sorted),
		MinValueSent:          s.min,
		MaxValueSent:          s.max,
		AvgValueSent:          s.avg(),
		MinValueReceived:      r.min,
		MaxValueReceived:      r.max,
		AvgValueReceived:      r.avg(),
		MinValueToContract:    c.min,
		MaxValueToContract:    c.max,
		AvgValueToContract:    c.avg(),
		TotalEtherSent:        s.sum,
		TotalEtherReceived:    r.sum,
		TotalEtherToContracts: c.sum,
		TotalEtherBalance:     r.sum.Sub(s.sum),
		UniqueSentTo:          distinct(sent, func(tx normalize.ClassifiedTransaction) string { return tx.To }),
		UniqueReceivedFrom:    distinct(received, func(tx normalize.ClassifiedTransaction) string { return tx.From }),
		TimeDiffFirstLast:     span(sorted),
	}
	for _, tx := range sent {
		if tx.CreatesContract {
			rec.CreatedContracts++
		}
	}
	if mode == TimeRateLegacy {
		rec.AvgMinBetweenSent = legacyRate(sent)
		rec.AvgMinBetweenReceived = legacyRate(received)
	} else {
		rec.AvgMinBetweenSent = meanGap(sent)
		rec.AvgMinBetweenReceived = meanGap(received)
	}
	return rec, nil
}

type valueSummary struct {
	n        int
	min, max decimal.Decimal
	sum      decimal.Decimal
}

func summarize(txs []normalize.ClassifiedTransaction) valueSummary {
	var v valueSummary
	for i, tx := range txs {
		eth := normalize.WeiToEther(tx.Value)
		if i == 0 {
			v.min, v.max = eth, eth
		} else {
			v.min = decimal.Min(v.min, eth)
			v.max = decimal.Max(v.max, eth)
		}
		v.sum = v.sum.Add(eth)
		v.n++
	}
	return v
}

func (v valueSummary) avg() decimal.Decimal {
	if v.n == 0 {
		return decimal.Zero
	}
	return v.sum.DivRound(decimal.NewFromInt(int64(v.n)), ValuePlaces)
}

// distinct counts non-empty counterparties case-insensitively.
func distinct(txs []normalize.ClassifiedTransaction, key func(normalize.ClassifiedTransaction) string) int {
	seen := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		if k := strings.ToLower(key(tx)); k != "" {
			seen[k] = struct{}{}
		}
	}
	return len(seen)
}

func minutes(seconds int64) decimal.Decimal {
	return decimal.NewFromInt(seconds).DivRound(sixty, MinutePlaces)
}

// span is last minus first timestamp of a time-sorted history, in minutes.
func span(sorted []normalize.ClassifiedTransaction) decimal.Decimal {
	if len(sorted) < 2 {
		return decimal.Zero
	}
	return minutes(sorted[len(sorted)-1].Timestamp - sorted[0].Timestamp)
}

// meanGap averages consecutive gaps of a time-sorted subset, in minutes. The
// gaps telescope, so the mean is the subset's span over its gap count.
func meanGap(sorted []normalize.ClassifiedTransaction) decimal.Decimal {
	n := len(sorted)
	if n < 2 {
		return decimal.Zero
	}
	total := decimal.NewFromInt(sorted[n-1].Timestamp - sorted[0].Timestamp)
	return total.DivRound(sixty.Mul(decimal.NewFromInt(int64(n-1))), MinutePlaces)
}

func legacyRate(txs []normalize.ClassifiedTransaction) decimal.Decimal {
	if len(txs) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(decimal.NewFromInt(tx.Timestamp))
	}
	return sum.DivRound(sixty.Mul(decimal.NewFromInt(int64(len(txs)))), MinutePlaces)
}
