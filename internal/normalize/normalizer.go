// Package normalize annotates an address's raw explorer history with
// direction and contract flags. Amounts stay exact; nothing is dropped.
package normalize

import (
	"cmp"
	"slices"
	"strings"

	"github.com/AIAleph/wallet_features/internal/eth"
)

// Direction is relative to the subject address.
type Direction uint8

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// ClassifiedTransaction is a RawTransaction seen from the subject address.
type ClassifiedTransaction struct {
	eth.RawTransaction
	Direction       Direction
	TargetsContract bool
	CreatesContract bool // contract creation: To is empty and ContractAddress set
}

// Canonical returns the lower-case form used for API calls and matching.
func Canonical(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Classify annotates txs in input order. A transaction is outgoing iff its
// sender equals subject; every other transaction is incoming.
func Classify(subject string, txs []eth.RawTransaction) []ClassifiedTransaction {
	self := Canonical(subject)
	out := make([]ClassifiedTransaction, 0, len(txs))
	for _, tx := range txs {
		ct := ClassifiedTransaction{RawTransaction: tx, Direction: Incoming}
		if Canonical(tx.From) == self {
			ct.Direction = Outgoing
			ct.TargetsContract = tx.ContractAddress != ""
			ct.CreatesContract = ct.TargetsContract && tx.To == ""
		}
		out = append(out, ct)
	}
	return out
}

// SortByTime stable-sorts txs by timestamp, breaking ties by fetch position.
func SortByTime(txs []ClassifiedTransaction) {
	slices.SortStableFunc(txs, func(a, b ClassifiedTransaction) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
}

// Filter returns the transactions matching keep, preserving order.
func Filter(txs []ClassifiedTransaction, keep func(ClassifiedTransaction) bool) []ClassifiedTransaction {
	var out []ClassifiedTransaction
	for _, tx := range txs {
		if keep(tx) {
			out = append(out, tx)
		}
	}
	return out
}

// IsOutgoing reports whether tx was sent by the subject.
func IsOutgoing(tx ClassifiedTransaction) bool { return tx.Direction == Outgoing }

// IsIncoming reports whether tx was received by the subject.
func IsIncoming(tx ClassifiedTransaction) bool { return tx.Direction == Incoming }

// IsContractTarget reports whether tx is an outgoing contract transaction.
func IsContractTarget(tx ClassifiedTransaction) bool { return tx.TargetsContract }
