package eth

import (
	"context"
	"math/big"
)

// HistoryFetcher returns the complete normal-transaction history of one
// address. Implementations never panic on remote failure: every failure is
// reported through the outcome.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, address string) FetchOutcome
}

// RawTransaction is one normal transaction as returned by the explorer.
// Value stays in wei; conversion to ether happens downstream.
type RawTransaction struct {
	Hash             string
	BlockNumber      uint64
	TransactionIndex uint64
	Timestamp        int64 // unix seconds
	From             string
	To               string // empty for contract creation
	ContractAddress  string // empty for plain transfers and calls
	Value            *big.Int
	IsError          bool
	Position         int // index in the fetched sequence
}

// OutcomeKind tags a FetchOutcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeEmpty
	OutcomeTransportError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeEmpty:
		return "empty"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// FetchOutcome is the result of one history fetch. Transactions is set only
// for OutcomeSuccess and Err only for OutcomeTransportError.
type FetchOutcome struct {
	Kind         OutcomeKind
	Transactions []RawTransaction
	Err          error
}

// Success wraps a non-empty history. An empty slice yields Empty.
func Success(txs []RawTransaction) FetchOutcome {
	if len(txs) == 0 {
		return Empty()
	}
	return FetchOutcome{Kind: OutcomeSuccess, Transactions: txs}
}

// Empty reports an address with zero transactions.
func Empty() FetchOutcome { return FetchOutcome{Kind: OutcomeEmpty} }

// TransportFailure reports a fetch that could not complete.
func TransportFailure(err error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeTransportError, Err: err}
}
