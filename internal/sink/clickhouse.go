package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AIAleph/wallet_features/internal/features"
	"github.com/AIAleph/wallet_features/pkg/ch"
)

const chTimeLayout = "2006-01-02 15:04:05.000"

// ClickHouseWriter inserts one JSONEachRow row per record, tagged with the
// run id and the record's position in the run.
type ClickHouseWriter struct {
	client *ch.Client
	table  string
	runID  string
	seq    atomic.Uint64
	now    func() time.Time
}

// NewClickHouseWriter creates the target table if needed.
func NewClickHouseWriter(ctx context.Context, client *ch.Client, table, runID string) (*ClickHouseWriter, error) {
	w := &ClickHouseWriter{client: client, table: ch.SanitizeIdent(table), runID: runID, now: time.Now}
	if err := client.Exec(ctx, clickHouseDDL(w.table)); err != nil {
		return nil, fmt.Errorf("clickhouse ensure table %s: %w", w.table, err)
	}
	return w, nil
}

func clickHouseDDL(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", table)
	b.WriteString("run_id String, row_index UInt64, written_at DateTime64(3), address String, flag UInt8")
	for _, c := range features.Columns() {
		typ := "Decimal(76, 18)"
		if c.Integer {
			typ = "UInt64"
		}
		fmt.Fprintf(&b, ", %s %s", c.Name, typ)
	}
	b.WriteString(") ENGINE = MergeTree ORDER BY (run_id, row_index)")
	return b.String()
}

func (w *ClickHouseWriter) row(r features.Record, idx uint64) map[string]any {
	out := map[string]any{
		"run_id":     w.runID,
		"row_index":  idx,
		"written_at": w.now().UTC().Format(chTimeLayout),
		"address":    r.Address,
		"flag":       r.Flag,
	}
	for _, c := range features.Columns() {
		// json.Number keeps decimals exact and unquoted
		out[c.Name] = json.Number(c.Value(r))
	}
	return out
}

func (w *ClickHouseWriter) Write(ctx context.Context, r features.Record) error {
	idx := w.seq.Add(1) - 1
	return w.client.InsertJSONEachRow(ctx, w.table, []any{w.row(r, idx)})
}

func (w *ClickHouseWriter) Close() error { return nil }
