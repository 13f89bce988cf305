package features

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Record is the fixed-shape feature row for one address. Ether amounts and
// minute figures are exact decimals; counts are integers.
type Record struct {
	Address string
	Flag    int

	AvgMinBetweenSent     decimal.Decimal
	AvgMinBetweenReceived decimal.Decimal
	TimeDiffFirstLast     decimal.Decimal
	SentTxCount           int
	ReceivedTxCount       int
	CreatedContracts      int
	UniqueReceivedFrom    int
	UniqueSentTo          int
	MinValueReceived      decimal.Decimal
	MaxValueReceived      decimal.Decimal
	AvgValueReceived      decimal.Decimal
	MinValueSent          decimal.Decimal
	MaxValueSent          decimal.Decimal
	AvgValueSent          decimal.Decimal
	MinValueToContract    decimal.Decimal
	MaxValueToContract    decimal.Decimal
	AvgValueToContract    decimal.Decimal
	TotalTransactions     int
	TotalEtherSent        decimal.Decimal
	TotalEtherReceived    decimal.Decimal
	TotalEtherToContracts decimal.Decimal
	TotalEtherBalance     decimal.Decimal
	ContractTxCount       int
}

// Column describes one numeric output column. Header is the CSV spelling
// shared with the labelled fraud dataset; Name is the snake_case form used
// by database and message sinks.
type Column struct {
	Header  string
	Name    string
	Integer bool // counts; every other column is an exact decimal
	value   func(Record) string
}

func dec(header, name string, f func(Record) decimal.Decimal) Column {
	return Column{Header: header, Name: name, value: func(r Record) string { return f(r).String() }}
}

func count(header, name string, f func(Record) int) Column {
	return Column{Header: header, Name: name, Integer: true, value: func(r Record) string { return strconv.Itoa(f(r)) }}
}

// Value renders the column for r.
func (c Column) Value(r Record) string { return c.value(r) }

// Leading identity columns.
const (
	AddressHeader = "Address"
	FlagHeader    = "FLAG"
)

var columns = []Column{
	dec("Avg min between sent tnx", "avg_min_between_sent", func(r Record) decimal.Decimal { return r.AvgMinBetweenSent }),
	dec("Avg min between received tnx", "avg_min_between_received", func(r Record) decimal.Decimal { return r.AvgMinBetweenReceived }),
	dec("Time Diff between first and last (Mins)", "time_diff_first_last_mins", func(r Record) decimal.Decimal { return r.TimeDiffFirstLast }),
	count("Sent tnx", "sent_tnx", func(r Record) int { return r.SentTxCount }),
	count("Received Tnx", "received_tnx", func(r Record) int { return r.ReceivedTxCount }),
	count("Number of Created Contracts", "created_contracts", func(r Record) int { return r.CreatedContracts }),
	count("Unique Received From Addresses", "unique_received_from", func(r Record) int { return r.UniqueReceivedFrom }),
	count("Unique Sent To Addresses", "unique_sent_to", func(r Record) int { return r.UniqueSentTo }),
	dec("min value received", "min_value_received", func(r Record) decimal.Decimal { return r.MinValueReceived }),
	// trailing space matches the labelled dataset
	dec("max value received ", "max_value_received", func(r Record) decimal.Decimal { return r.MaxValueReceived }),
	dec("avg val received", "avg_value_received", func(r Record) decimal.Decimal { return r.AvgValueReceived }),
	dec("min val sent", "min_value_sent", func(r Record) decimal.Decimal { return r.MinValueSent }),
	dec("max val sent", "max_value_sent", func(r Record) decimal.Decimal { return r.MaxValueSent }),
	dec("avg val sent", "avg_value_sent", func(r Record) decimal.Decimal { return r.AvgValueSent }),
	dec("min value sent to contract", "min_value_sent_to_contract", func(r Record) decimal.Decimal { return r.MinValueToContract }),
	dec("max val sent to contract", "max_value_sent_to_contract", func(r Record) decimal.Decimal { return r.MaxValueToContract }),
	dec("avg value sent to contract", "avg_value_sent_to_contract", func(r Record) decimal.Decimal { return r.AvgValueToContract }),
	count("total transactions (including tnx to create contract", "total_transactions", func(r Record) int { return r.TotalTransactions }),
	dec("total Ether sent", "total_ether_sent", func(r Record) decimal.Decimal { return r.TotalEtherSent }),
	dec("total ether received", "total_ether_received", func(r Record) decimal.Decimal { return r.TotalEtherReceived }),
	dec("total ether sent contracts", "total_ether_sent_contracts", func(r Record) decimal.Decimal { return r.TotalEtherToContracts }),
	dec("total ether balance", "total_ether_balance", func(r Record) decimal.Decimal { return r.TotalEtherBalance }),
	count("Sent tnx to contract", "sent_tnx_to_contract", func(r Record) int { return r.ContractTxCount }),
}

// Columns returns the numeric columns in output order.
func Columns() []Column {
	return append([]Column(nil), columns...)
}

// Header returns the CSV header: Address, FLAG, then every numeric column.
func Header() []string {
	out := make([]string, 0, len(columns)+2)
	out = append(out, AddressHeader, FlagHeader)
	for _, c := range columns {
		out = append(out, c.Header)
	}
	return out
}

// Row renders r in Header order. Decimals never use exponent notation.
func (r Record) Row() []string {
	out := make([]string, 0, len(columns)+2)
	out = append(out, r.Address, strconv.Itoa(r.Flag))
	for _, c := range columns {
		out = append(out, c.value(r))
	}
	return out
}

// Named maps snake_case column names to rendered values for structured sinks.
// Ether and minute figures stay strings to keep full precision.
func (r Record) Named() map[string]string {
	out := make(map[string]string, len(columns)+2)
	out["address"] = r.Address
	out["flag"] = strconv.Itoa(r.Flag)
	for _, c := range columns {
		out[c.Name] = c.value(r)
	}
	return out
}

// Fallback is the record emitted when an address could not be measured:
// every numeric field zero and Flag 1.
func Fallback(address string) Record {
	return Record{Address: address, Flag: 1}
}
