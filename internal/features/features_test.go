package features

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AIAleph/wallet_features/internal/eth"
	"github.com/AIAleph/wallet_features/internal/normalize"
)

const (
	self  = "0x1111111111111111111111111111111111111111"
	alice = "0x2222222222222222222222222222222222222222"
	bob   = "0x3333333333333333333333333333333333333333"
	token = "0x4444444444444444444444444444444444444444"
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func ether(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), weiPerEther) }

type txRow struct {
	ts       int64
	from, to string
	contract string
	value    *big.Int
}

func history(specs ...txRow) []normalize.ClassifiedTransaction {
	raw := make([]eth.RawTransaction, 0, len(specs))
	for i, s := range specs {
		raw = append(raw, eth.RawTransaction{
			Hash:            "0x" + big.NewInt(int64(i+1)).Text(16),
			Timestamp:       s.ts,
			From:            s.from,
			To:              s.to,
			ContractAddress: s.contract,
			Value:           s.value,
			Position:        i,
		})
	}
	return normalize.Classify(self, raw)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "%s: want %s, got %s", field, want, got)
}

func TestAggregateScenarioA(t *testing.T) {
	txs := history(
		txRow{ts: 0, from: self, to: alice, value: ether(1)},
		txRow{ts: 600, from: self, to: bob, value: ether(2)},
		txRow{ts: 1200, from: self, to: alice, value: ether(3)},
		txRow{ts: 60, from: alice, to: self, value: ether(5)},
		txRow{ts: 180, from: bob, to: self, value: ether(5)},
	)
	rec, err := Aggregate(txs, Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, rec.SentTxCount)
	assert.Equal(t, 2, rec.ReceivedTxCount)
	assert.Equal(t, 5, rec.TotalTransactions)
	assertDec(t, "6", rec.TotalEtherSent, "total sent")
	assertDec(t, "2", rec.AvgValueSent, "avg sent")
	assertDec(t, "1", rec.MinValueSent, "min sent")
	assertDec(t, "3", rec.MaxValueSent, "max sent")
	assertDec(t, "10", rec.TotalEtherReceived, "total received")
	assertDec(t, "5", rec.AvgValueReceived, "avg received")
	assertDec(t, "4", rec.TotalEtherBalance, "balance")
	assert.Equal(t, 2, rec.UniqueSentTo)
	assert.Equal(t, 2, rec.UniqueReceivedFrom)
	assertDec(t, "20", rec.TimeDiffFirstLast, "span")
	// sent gaps 600s and 600s; received gap 120s
	assertDec(t, "10", rec.AvgMinBetweenSent, "sent rate")
	assertDec(t, "2", rec.AvgMinBetweenReceived, "received rate")
	assert.Equal(t, 0, rec.ContractTxCount)
}

func TestAggregateScenarioBEmpty(t *testing.T) {
	rec, err := Aggregate(nil, Options{})
	require.NoError(t, err)
	for _, v := range rec.Row()[2:] {
		assert.Equal(t, "0", v)
	}
}

func TestAggregateScenarioDContract(t *testing.T) {
	v := big.NewInt(1_500_000_000_000_000_000)
	txs := history(
		txRow{ts: 10, from: self, to: token, contract: token, value: v},
		txRow{ts: 20, from: self, to: alice, value: ether(3)},
	)
	rec, err := Aggregate(txs, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, rec.ContractTxCount)
	assertDec(t, "1.5", rec.MinValueToContract, "min contract")
	assertDec(t, "1.5", rec.MaxValueToContract, "max contract")
	assertDec(t, "1.5", rec.AvgValueToContract, "avg contract")
	assertDec(t, "1.5", rec.TotalEtherToContracts, "total contract")

	assert.Equal(t, 2, rec.SentTxCount)
	assertDec(t, "1.5", rec.MinValueSent, "min sent")
	assertDec(t, "3", rec.MaxValueSent, "max sent")
	assertDec(t, "2.25", rec.AvgValueSent, "avg sent")
	assert.Equal(t, 0, rec.CreatedContracts, "call to an existing contract is not a creation")
}

func TestAggregateCountsContractCreations(t *testing.T) {
	txs := history(
		txRow{ts: 1, from: self, to: "", contract: token, value: big.NewInt(0)},
		txRow{ts: 2, from: alice, to: "", contract: bob, value: big.NewInt(0)},
	)
	rec, err := Aggregate(txs, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CreatedContracts)
	assert.Equal(t, 1, rec.ContractTxCount)
	assert.Equal(t, 0, rec.UniqueSentTo, "creation has no recipient")
}

func TestAggregateEmptyOutgoingSubset(t *testing.T) {
	txs := history(txRow{ts: 100, from: alice, to: self, value: ether(7)})
	rec, err := Aggregate(txs, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.SentTxCount)
	assert.True(t, rec.MinValueSent.IsZero())
	assert.True(t, rec.MaxValueSent.IsZero())
	assert.True(t, rec.AvgValueSent.IsZero())
	assert.True(t, rec.AvgMinBetweenSent.IsZero())
	assert.True(t, rec.AvgMinBetweenReceived.IsZero(), "single tx has no gap")
	assert.True(t, rec.TimeDiffFirstLast.IsZero(), "single tx has no span")
	assertDec(t, "7", rec.TotalEtherBalance, "balance")
}

func TestAggregateBalanceIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	parties := []string{self, alice, bob}
	for round := 0; round < 50; round++ {
		n := rng.Intn(12)
		specs := make([]txRow, 0, n)
		for i := 0; i < n; i++ {
			from := parties[rng.Intn(len(parties))]
			to := self
			if from == self {
				to = parties[1+rng.Intn(2)]
			}
			specs = append(specs, txRow{
				ts:    rng.Int63n(1_000_000),
				from:  from,
				to:    to,
				value: new(big.Int).Mul(big.NewInt(rng.Int63n(1_000_000)), big.NewInt(1_000_000_007)),
			})
		}
		rec, err := Aggregate(history(specs...), Options{})
		require.NoError(t, err)
		assert.True(t, rec.TotalEtherBalance.Equal(rec.TotalEtherReceived.Sub(rec.TotalEtherSent)))
		assert.Equal(t, rec.TotalTransactions, rec.SentTxCount+rec.ReceivedTxCount)
	}
}

func TestAggregateMeanGapSortsWithinDirection(t *testing.T) {
	// Out of order input; sent timestamps 0, 90, 300 -> gaps 90s, 210s -> mean 2.5 min.
	txs := history(
		txRow{ts: 300, from: self, to: alice, value: big.NewInt(1)},
		txRow{ts: 0, from: self, to: alice, value: big.NewInt(1)},
		txRow{ts: 90, from: self, to: bob, value: big.NewInt(1)},
	)
	rec, err := Aggregate(txs, Options{TimeRateMode: TimeRateMeanGap})
	require.NoError(t, err)
	assertDec(t, "2.5", rec.AvgMinBetweenSent, "sent rate")
	assertDec(t, "5", rec.TimeDiffFirstLast, "span")
}

func TestAggregateMinutesRounded(t *testing.T) {
	txs := history(
		txRow{ts: 0, from: self, to: alice, value: big.NewInt(1)},
		txRow{ts: 1, from: self, to: alice, value: big.NewInt(1)},
		txRow{ts: 3, from: self, to: alice, value: big.NewInt(1)},
		txRow{ts: 100, from: self, to: alice, value: big.NewInt(1)},
	)
	rec, err := Aggregate(txs, Options{})
	require.NoError(t, err)
	// 100s over 3 gaps = 0.5555... min
	assertDec(t, "0.5556", rec.AvgMinBetweenSent, "sent rate")
	assertDec(t, "1.6667", rec.TimeDiffFirstLast, "span")
}

func TestAggregateLegacyTimeRate(t *testing.T) {
	txs := history(
		txRow{ts: 600, from: self, to: alice, value: big.NewInt(1)},
		txRow{ts: 1200, from: self, to: alice, value: big.NewInt(1)},
		txRow{ts: 6000, from: alice, to: self, value: big.NewInt(1)},
	)
	rec, err := Aggregate(txs, Options{TimeRateMode: TimeRateLegacy})
	require.NoError(t, err)
	// (600+1200)/60/2 = 15; 6000/60/1 = 100
	assertDec(t, "15", rec.AvgMinBetweenSent, "legacy sent")
	assertDec(t, "100", rec.AvgMinBetweenReceived, "legacy received")
}

func TestAggregateAveragesKeepWeiPrecision(t *testing.T) {
	txs := history(
		txRow{ts: 1, from: alice, to: self, value: big.NewInt(1)},
		txRow{ts: 2, from: alice, to: self, value: big.NewInt(1)},
		txRow{ts: 3, from: alice, to: self, value: big.NewInt(2)},
	)
	rec, err := Aggregate(txs, Options{})
	require.NoError(t, err)
	// 4 wei / 3 rounds to 1 wei at 18 places
	assertDec(t, "0.000000000000000001", rec.AvgValueReceived, "avg received")
	assertDec(t, "0.000000000000000004", rec.TotalEtherReceived, "total received")
}

func TestAggregateErrors(t *testing.T) {
	txs := history(txRow{ts: 1, from: self, to: alice, value: nil})
	_, err := Aggregate(txs, Options{})
	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, 0, aggErr.Position)
	assert.Contains(t, err.Error(), "missing value")

	_, err = Aggregate(nil, Options{TimeRateMode: "median"})
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, "aggregate: unknown time rate mode \"median\"", err.Error())

	neg := history(txRow{ts: 1, from: self, to: alice, value: big.NewInt(-1)})
	_, err = Aggregate(neg, Options{})
	require.ErrorAs(t, err, &aggErr)
}

func TestAggregateDoesNotReorderInput(t *testing.T) {
	txs := history(
		txRow{ts: 50, from: self, to: alice, value: big.NewInt(1)},
		txRow{ts: 10, from: self, to: alice, value: big.NewInt(1)},
	)
	_, err := Aggregate(txs, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(50), txs[0].Timestamp)
}

func TestHeaderAndRow(t *testing.T) {
	h := Header()
	require.Len(t, h, 25)
	assert.Equal(t, "Address", h[0])
	assert.Equal(t, "FLAG", h[1])
	assert.Equal(t, "max value received ", h[11])
	assert.Equal(t, "total transactions (including tnx to create contract", h[19])
	assert.Equal(t, "Sent tnx to contract", h[24])

	rec := Record{Address: "0xAbC", Flag: 0, SentTxCount: 3, TotalEtherBalance: d("-1.25")}
	row := rec.Row()
	require.Len(t, row, len(h))
	assert.Equal(t, "0xAbC", row[0])
	assert.Equal(t, "0", row[1])
	assert.Equal(t, "3", row[5])
	assert.Equal(t, "-1.25", row[23])

	names := rec.Named()
	assert.Len(t, names, len(h))
	assert.Equal(t, "3", names["sent_tnx"])
	assert.Equal(t, "0xAbC", names["address"])
	assert.Len(t, Columns(), 23)
}

func TestRowNeverUsesExponent(t *testing.T) {
	rec := Record{MinValueReceived: normalize.WeiToEther(big.NewInt(1))}
	assert.Equal(t, "0.000000000000000001", rec.Row()[10])
}

func TestFallback(t *testing.T) {
	rec := Fallback("0xDeAd")
	assert.Equal(t, "0xDeAd", rec.Address)
	assert.Equal(t, 1, rec.Flag)
	for _, v := range rec.Row()[2:] {
		assert.Equal(t, "0", v)
	}
}
