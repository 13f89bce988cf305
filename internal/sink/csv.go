package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"sync"

	"github.com/AIAleph/wallet_features/internal/features"
	"github.com/AIAleph/wallet_features/internal/logging"
	"github.com/AIAleph/wallet_features/internal/normalize"
)

// ErrHeaderMismatch is returned when appending to a file whose header is not
// the feature header.
var ErrHeaderMismatch = errors.New("output header does not match feature columns")

// CSVWriter appends feature rows to a CSV file. Every Write is flushed and
// fsynced so an interrupted run keeps all rows written so far.
type CSVWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
}

// OpenCSV opens path for appending, creating it if needed. The header is
// written once when the file is empty; an existing file must carry the same
// header. A trailing partial row left by an interrupted run is cut off.
func OpenCSV(path string) (*CSVWriter, error) {
	return openCSV(path, os.O_RDWR|os.O_CREATE|os.O_APPEND)
}

// CreateCSV starts a fresh output at path, discarding any previous contents.
func CreateCSV(path string) (*CSVWriter, error) {
	return openCSV(path, os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_TRUNC)
}

func openCSV(path string, flag int) (*CSVWriter, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	w := &CSVWriter{f: f, w: csv.NewWriter(f), path: path}
	if err := w.prepare(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

func (c *CSVWriter) prepare() error {
	st, err := c.f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if size > 0 {
		end, err := completeLength(c.f, size)
		if err != nil {
			return err
		}
		if end < size {
			if err := c.f.Truncate(end); err != nil {
				return fmt.Errorf("drop partial row: %w", err)
			}
			logging.Logger().Warn("output_partial_row_dropped",
				"component", "sink.csv",
				"path", c.path,
				"bytes", size-end,
			)
			size = end
		}
	}
	if size == 0 {
		return c.writeRow(features.Header())
	}
	header, err := csv.NewReader(io.NewSectionReader(c.f, 0, size)).Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if !slices.Equal(header, features.Header()) {
		return ErrHeaderMismatch
	}
	return nil
}

// completeLength returns the length of the prefix of f that ends with its
// last newline, or 0 when f holds no complete line.
func completeLength(f io.ReaderAt, size int64) (int64, error) {
	buf := make([]byte, 4096)
	for end := size; end > 0; {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

func (c *CSVWriter) writeRow(row []string) error {
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	return c.f.Sync()
}

// Write appends r. The context is not consulted: a record that reached the
// writer is always persisted.
func (c *CSVWriter) Write(_ context.Context, r features.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return fs.ErrClosed
	}
	return c.writeRow(r.Row())
}

// Path returns the output file path.
func (c *CSVWriter) Path() string { return c.path }

func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	c.w.Flush()
	err := errors.Join(c.w.Error(), c.f.Close())
	c.f = nil
	return err
}

// ExistingAddresses returns the canonical addresses of complete rows in a
// previous output file. A missing or empty file yields an empty set; a
// trailing partial row or a row with missing columns is not counted.
func ExistingAddresses(path string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	end, err := completeLength(f, st.Size())
	if err != nil || end == 0 {
		return out, err
	}
	want := features.Header()
	cr := csv.NewReader(io.NewSectionReader(f, 0, end))
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	if !slices.Equal(header, want) {
		return nil, fmt.Errorf("%s: %w", path, ErrHeaderMismatch)
	}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(rec) != len(want) {
			continue
		}
		if addr := normalize.Canonical(rec[0]); addr != "" {
			out[addr] = struct{}{}
		}
	}
	return out, nil
}
