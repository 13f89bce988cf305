package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	cfgpkg "github.com/AIAleph/wallet_features/internal/config"
	"github.com/AIAleph/wallet_features/internal/eth"
	"github.com/AIAleph/wallet_features/internal/features"
	"github.com/AIAleph/wallet_features/internal/sink"
)

// exitPanic is used to intercept exit calls in tests.
type exitPanic struct{ code int }

const (
	addrA = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	addrB = "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"
	addrC = "0xdbf03b407c01e7cd3cbea99509d93f8dddc8c6fb"
)

func withFreshFlags(t *testing.T, fn func()) {
	t.Helper()
	old := flag.CommandLine
	// fresh flagset to avoid redefinition across multiple main() calls
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	var buf bytes.Buffer
	flag.CommandLine.SetOutput(&buf)
	defer func() { flag.CommandLine = old }()
	fn()
}

func captureStd(t *testing.T, fn func()) (stdout, stderr string) {
	t.Helper()
	oldOut, oldErr := os.Stdout, os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout, os.Stderr = wOut, wErr
	defer func() {
		os.Stdout, os.Stderr = oldOut, oldErr
	}()
	doneOut := make(chan struct{})
	doneErr := make(chan struct{})
	var outBuf, errBuf bytes.Buffer
	go func() { _, _ = outBuf.ReadFrom(rOut); close(doneOut) }()
	go func() { _, _ = errBuf.ReadFrom(rErr); close(doneErr) }()
	fn()
	_ = wOut.Close()
	_ = wErr.Close()
	<-doneOut
	<-doneErr
	return outBuf.String(), errBuf.String()
}

// runMain runs main with args and returns its exit code (0 when main
// returned normally) plus captured output.
func runMain(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	withFreshFlags(t, func() {
		oldArgs := os.Args
		os.Args = append([]string{"extractor"}, args...)
		defer func() { os.Args = oldArgs }()
		oldExit := exit
		defer func() { exit = oldExit }()
		exit = func(c int) { panic(exitPanic{c}) }
		stdout, stderr = captureStd(t, func() {
			defer func() {
				if r := recover(); r != nil {
					ep, ok := r.(exitPanic)
					if !ok {
						panic(r)
					}
					code = ep.code
				}
			}()
			main()
		})
	})
	return code, stdout, stderr
}

// isolate points every file-based input at a temp dir and clears the
// variables the tests depend on.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, k := range []string{"ETHERSCAN_URL", "ADDRESS_FILE", "OUTPUT_FILE", "WORKERS", "PAGE_SIZE",
		"RATE_LIMIT", "TIME_RATE_MODE", "DEFAULT_FLAG", "CLICKHOUSE_DSN", "CLICKHOUSE_URL", "PG_DSN", "KAFKA_BROKERS",
		"METRICS_ADDR", "LOG_FILE"} {
		t.Setenv(k, "")
	}
	t.Setenv("ETHERSCAN_API_KEY", "test-key")
	t.Setenv("LOG_LEVEL", "error")
	t.Cleanup(wireDefaults)
	return dir
}

func writeAddresses(t *testing.T, dir string, addrs ...string) string {
	t.Helper()
	path := filepath.Join(dir, "addresses.csv")
	body := "Index,Address,FLAG\n"
	for i, a := range addrs {
		body += strings.Join([]string{strconv.Itoa(i), a, "0"}, ",") + "\n"
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type fetchFunc func(ctx context.Context, address string) eth.FetchOutcome

func (f fetchFunc) FetchHistory(ctx context.Context, address string) eth.FetchOutcome {
	return f(ctx, address)
}

type countingFetcher struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingFetcher) FetchHistory(ctx context.Context, address string) eth.FetchOutcome {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[address]++
	c.mu.Unlock()
	if address == addrB {
		return eth.TransportFailure(errors.New("connection reset"))
	}
	return eth.Success([]eth.RawTransaction{{Hash: "0x1", Timestamp: 10, From: addrC, To: address, Value: big.NewInt(1e18)}})
}

func stubFetcher(f eth.HistoryFetcher) {
	newFetcher = func(eth.FetcherConfig) (eth.HistoryFetcher, error) { return f, nil }
}

func TestPrintUsage(t *testing.T) {
	withFreshFlags(t, func() {
		defineFlags(cfgpkg.Defaults())
		var buf bytes.Buffer
		flag.CommandLine.SetOutput(&buf)
		printUsage()
		s := buf.String()
		for _, want := range []string{"Usage:", "Environment variables", "ETHERSCAN_API_KEY", "-time-rate"} {
			if !strings.Contains(s, want) {
				t.Fatalf("usage missing %q: %q", want, s)
			}
		}
	})
}

func TestMain_ShowVersion(t *testing.T) {
	version = "test-version"
	defer func() { version = "dev" }()
	code, out, _ := runMain(t, "-version")
	if code != 0 || strings.TrimSpace(out) != "test-version" {
		t.Fatalf("code=%d out=%q", code, out)
	}
}

func TestMain_ConfigErrorExits2(t *testing.T) {
	dir := isolate(t)
	t.Setenv("ETHERSCAN_API_KEY", "")
	code, _, errOut := runMain(t, "--env-file", filepath.Join(dir, "none.env"), "--time-rate", "weird")
	if code != 2 {
		t.Fatalf("exit code %d, want 2", code)
	}
	if !strings.Contains(errOut, "ETHERSCAN_API_KEY is required") || !strings.Contains(errOut, "weird") {
		t.Fatalf("stderr = %q", errOut)
	}
}

func TestMain_MissingAddressFileExits1(t *testing.T) {
	dir := isolate(t)
	code, _, errOut := runMain(t, "--env-file", filepath.Join(dir, "none.env"), "--addresses", filepath.Join(dir, "nope.csv"))
	if code != 1 || !strings.Contains(errOut, "address list error") {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
}

func TestMain_DryRunPrintsRedactedPlan(t *testing.T) {
	dir := isolate(t)
	newRunID = func() string { return "run-fixed" }
	in := writeAddresses(t, dir, addrA, addrB)
	code, out, errOut := runMain(t,
		"--env-file", filepath.Join(dir, "none.env"),
		"--addresses", in,
		"--output", filepath.Join(dir, "out.csv"),
		"--postgres", "postgres://feat:secret@db:5432/features",
		"--kafka-brokers", "k1:9092, k2:9092",
		"--dry-run",
	)
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
	var plan map[string]any
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("plan not JSON: %v\n%s", err, out)
	}
	if plan["run_id"] != "run-fixed" || plan["addresses"] != float64(2) {
		t.Fatalf("plan %v", plan)
	}
	if strings.Contains(out, "secret") {
		t.Fatalf("plan leaks password: %s", out)
	}
	if b, _ := plan["kafka_brokers"].([]any); len(b) != 2 {
		t.Fatalf("kafka brokers %v", plan["kafka_brokers"])
	}
	if _, err := os.Stat(filepath.Join(dir, "out.csv")); !os.IsNotExist(err) {
		t.Fatalf("dry run created the output file")
	}
}

func TestMain_RunWritesOneRowPerAddress(t *testing.T) {
	dir := isolate(t)
	in := writeAddresses(t, dir, addrA, addrB, addrC)
	outPath := filepath.Join(dir, "out.csv")
	f := &countingFetcher{}
	stubFetcher(f)
	var secondary memWriter
	newSecondaries = func(context.Context, cfgpkg.Config, string) []sink.Named {
		return []sink.Named{{Name: "mem", Writer: &secondary}}
	}

	code, out, errOut := runMain(t, "--env-file", filepath.Join(dir, "none.env"),
		"--addresses", in, "--output", outPath, "--workers", "3")
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
	if !strings.Contains(out, "processed=3 fallbacks=1") {
		t.Fatalf("stdout = %q", out)
	}
	b, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 4 {
		t.Fatalf("want header + 3 rows, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "Address,FLAG,") {
		t.Fatalf("header %q", lines[0])
	}
	for i, a := range []string{addrA, addrB, addrC} {
		if !strings.HasPrefix(lines[i+1], a+",") {
			t.Fatalf("row %d = %q", i, lines[i+1])
		}
	}
	if !strings.HasPrefix(lines[2], addrB+",1,") {
		t.Fatalf("transport failure row not a fallback: %q", lines[2])
	}
	if len(secondary.records) != 3 || !secondary.closed {
		t.Fatalf("secondary records=%d closed=%v", len(secondary.records), secondary.closed)
	}
}

func TestMain_ResumeSkipsPersisted(t *testing.T) {
	dir := isolate(t)
	outPath := filepath.Join(dir, "out.csv")
	w, err := sink.OpenCSV(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(context.Background(), features.Fallback("0x"+strings.ToUpper(addrA[2:]))); err != nil {
		t.Fatal(err)
	}
	_ = w.Close()

	in := writeAddresses(t, dir, addrA, addrC)
	f := &countingFetcher{}
	stubFetcher(f)
	newSecondaries = func(context.Context, cfgpkg.Config, string) []sink.Named { return nil }
	code, out, errOut := runMain(t, "--env-file", filepath.Join(dir, "none.env"),
		"--addresses", in, "--output", outPath, "--resume")
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
	if !strings.Contains(out, "processed=1") || !strings.Contains(out, "skipped=1") {
		t.Fatalf("stdout = %q", out)
	}
	if f.calls[addrA] != 0 || f.calls[addrC] != 1 {
		t.Fatalf("calls %v", f.calls)
	}
}

func TestMain_FreshRunReplacesOutput(t *testing.T) {
	dir := isolate(t)
	in := writeAddresses(t, dir, addrA, addrC)
	outPath := filepath.Join(dir, "out.csv")
	stubFetcher(&countingFetcher{})
	newSecondaries = func(context.Context, cfgpkg.Config, string) []sink.Named { return nil }
	for run := 0; run < 2; run++ {
		code, _, errOut := runMain(t, "--env-file", filepath.Join(dir, "none.env"),
			"--addresses", in, "--output", outPath)
		if code != 0 {
			t.Fatalf("run %d: code=%d stderr=%q", run, code, errOut)
		}
	}
	b, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 {
		t.Fatalf("want header + 2 rows after two fresh runs, got %d lines", len(lines))
	}
}

func TestMain_FetcherErrorExits1(t *testing.T) {
	dir := isolate(t)
	in := writeAddresses(t, dir, addrA)
	newFetcher = func(eth.FetcherConfig) (eth.HistoryFetcher, error) { return nil, errors.New("bad endpoint") }
	code, _, errOut := runMain(t, "--env-file", filepath.Join(dir, "none.env"),
		"--addresses", in, "--output", filepath.Join(dir, "out.csv"))
	if code != 1 || !strings.Contains(errOut, "bad endpoint") {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
}

func TestMain_InterruptedExits130(t *testing.T) {
	dir := isolate(t)
	in := writeAddresses(t, dir, addrA, addrC)
	stubFetcher(fetchFunc(func(context.Context, string) eth.FetchOutcome { return eth.Empty() }))
	newSecondaries = func(context.Context, cfgpkg.Config, string) []sink.Named { return nil }
	old := notifyContext
	defer func() { notifyContext = old }()
	notifyContext = func(parent context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(parent)
		cancel()
		return ctx, cancel
	}
	code, out, errOut := runMain(t, "--env-file", filepath.Join(dir, "none.env"),
		"--addresses", in, "--output", filepath.Join(dir, "out.csv"))
	if code != exitInterrupted {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
	if !strings.Contains(out, "not_dispatched=2") || !strings.Contains(errOut, "--resume") {
		t.Fatalf("stdout=%q stderr=%q", out, errOut)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := isolate(t)
	yml := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yml, []byte("workers: 3\npage_size: 200\nrate_limit: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dotenv := filepath.Join(dir, "test.env")
	if err := os.WriteFile(dotenv, []byte("RATE_BURST=4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PAGE_SIZE", "500")
	// dotenv only fills variables that are absent, not empty
	t.Setenv("RATE_BURST", "")
	_ = os.Unsetenv("RATE_BURST")
	withFreshFlags(t, func() {
		f := defineFlags(cfgpkg.Defaults())
		if err := flag.CommandLine.Parse([]string{"--config", yml, "--env-file", dotenv, "--workers", "7"}); err != nil {
			t.Fatal(err)
		}
		cfg, err := loadConfig(f)
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.Workers != 7 || cfg.PageSize != 500 || cfg.RateLimit != 9 || cfg.RateBurst != 4 {
			t.Fatalf("precedence wrong: %+v", cfg)
		}
	})
}

type memWriter struct {
	mu      sync.Mutex
	records []features.Record
	closed  bool
}

func (m *memWriter) Write(_ context.Context, r features.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memWriter) Close() error {
	m.closed = true
	return nil
}
