package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/AIAleph/wallet_features/internal/addresses"
	cfgpkg "github.com/AIAleph/wallet_features/internal/config"
	"github.com/AIAleph/wallet_features/internal/eth"
	"github.com/AIAleph/wallet_features/internal/ingest"
	"github.com/AIAleph/wallet_features/internal/logging"
	"github.com/AIAleph/wallet_features/internal/metrics"
	"github.com/AIAleph/wallet_features/internal/sink"
	"github.com/AIAleph/wallet_features/pkg/ch"
)

// postgresTable is the table the Postgres sink upserts into.
const postgresTable = "address_features"

// exitInterrupted is returned when shutdown left addresses undispatched.
const exitInterrupted = 130

var (
	// version is set via -ldflags "-X main.version=..."
	version = "dev"
	// exit is aliased to os.Exit to allow overriding in tests.
	exit = os.Exit
	// function variables allow tests to inject stubs
	newFetcher     func(cfg eth.FetcherConfig) (eth.HistoryFetcher, error)
	newSecondaries func(ctx context.Context, cfg cfgpkg.Config, runID string) []sink.Named
	newRunID       func() string
	notifyContext  = signal.NotifyContext
)

func defaultNewFetcher(cfg eth.FetcherConfig) (eth.HistoryFetcher, error) {
	return eth.NewFetcher(cfg)
}

// defaultNewSecondaries connects the optional sinks. A sink that cannot be
// reached is logged and left out; the run continues on the CSV output.
func defaultNewSecondaries(ctx context.Context, cfg cfgpkg.Config, runID string) []sink.Named {
	logger := logging.Logger()
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	var out []sink.Named
	if cfg.ClickHouseDSN != "" {
		client := ch.New(cfg.ClickHouseDSN)
		w, err := sink.NewClickHouseWriter(ctx, client, cfg.ClickHouseTable, runID)
		if err == nil {
			out = append(out, sink.Named{Name: "clickhouse", Writer: w})
		} else {
			logger.Warn("sink_unavailable", "component", "cmd.extractor", "sink", "clickhouse",
				"dsn", cfgpkg.RedactDSN(cfg.ClickHouseDSN), "error", err.Error())
		}
	}
	if cfg.PostgresDSN != "" {
		w, err := sink.OpenPostgres(ctx, cfg.PostgresDSN, postgresTable, runID)
		if err == nil {
			out = append(out, sink.Named{Name: "postgres", Writer: w})
		} else {
			logger.Warn("sink_unavailable", "component", "cmd.extractor", "sink", "postgres",
				"dsn", cfgpkg.RedactDSN(cfg.PostgresDSN), "error", err.Error())
		}
	}
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		w, err := sink.NewKafkaWriter(brokers, cfg.KafkaTopic, runID, nil)
		if err == nil {
			out = append(out, sink.Named{Name: "kafka", Writer: w})
		} else {
			logger.Warn("sink_unavailable", "component", "cmd.extractor", "sink", "kafka",
				"brokers", cfg.KafkaBrokers, "error", err.Error())
		}
	}
	return out
}

func wireDefaults() {
	newFetcher = defaultNewFetcher
	newSecondaries = defaultNewSecondaries
	newRunID = uuid.NewString
}

func init() { wireDefaults() }

// printUsage prints a detailed CLI help with env mappings and examples.
func printUsage() {
	o := flag.CommandLine.Output()
	fmt.Fprintf(o, "\nUsage:\n  %s [--addresses addresses.csv] [--output address_features.csv] [flags]\n\n", os.Args[0])
	fmt.Fprintln(o, "Flags:")
	flag.PrintDefaults()
	fmt.Fprintln(o, "\nEnvironment variables (flags override env; env overrides --config):")
	fmt.Fprintln(o, "  ETHERSCAN_API_KEY  Explorer API key [required]")
	fmt.Fprintln(o, "  ETHERSCAN_URL      Explorer account API (default "+cfgpkg.DefaultExplorerURL+")")
	fmt.Fprintln(o, "  ADDRESS_FILE       Address list CSV with an Address column")
	fmt.Fprintln(o, "  OUTPUT_FILE        Feature CSV, replaced unless --resume")
	fmt.Fprintln(o, "  PAGE_SIZE          Explorer page size (max 10000)")
	fmt.Fprintln(o, "  WORKERS            Concurrent addresses")
	fmt.Fprintln(o, "  RATE_LIMIT         Explorer requests per second (0 = unlimited)")
	fmt.Fprintln(o, "  RATE_BURST         Limiter burst")
	fmt.Fprintln(o, "  HTTP_RETRIES       Retries on 429/5xx/network/rate-limit responses")
	fmt.Fprintln(o, "  HTTP_BACKOFF_BASE  Backoff base for retries")
	fmt.Fprintln(o, "  HTTP_BACKOFF_MAX   Backoff cap")
	fmt.Fprintln(o, "  HTTP_TIMEOUT       Per-request timeout")
	fmt.Fprintln(o, "  TIME_RATE_MODE     mean-gap | legacy")
	fmt.Fprintln(o, "  DEFAULT_FLAG       FLAG for measured addresses (0|1)")
	fmt.Fprintln(o, "  CACHE_SIZE         Cached address histories (0 = off)")
	fmt.Fprintln(o, "  CACHE_TTL          History cache TTL")
	fmt.Fprintln(o, "  CLICKHOUSE_DSN     ClickHouse DSN (or CLICKHOUSE_URL/DB/USER/PASS)")
	fmt.Fprintln(o, "  CLICKHOUSE_TABLE   ClickHouse table")
	fmt.Fprintln(o, "  PG_DSN             PostgreSQL DSN")
	fmt.Fprintln(o, "  KAFKA_BROKERS      Comma-separated Kafka brokers")
	fmt.Fprintln(o, "  KAFKA_TOPIC        Kafka topic")
	fmt.Fprintln(o, "  METRICS_ADDR       Prometheus listen address (e.g. :9102)")
	fmt.Fprintln(o, "  LOG_LEVEL          debug | info | warn | error")
	fmt.Fprintln(o, "  LOG_FILE           Rotated log file (default stdout)")
	fmt.Fprintln(o, "\nExamples:")
	fmt.Fprintln(o, "  Extract features for a labelled list:")
	fmt.Fprintln(o, "    extractor --addresses transaction_dataset.csv --output address_features.csv --workers 4")
	fmt.Fprintln(o, "  Continue an interrupted run:")
	fmt.Fprintln(o, "    extractor --resume")
}

type cliFlags struct {
	addresses    string
	output       string
	explorer     string
	timeRate     string
	configPath   string
	envFile      string
	clickhouse   string
	postgres     string
	kafkaBrokers string
	kafkaTopic   string
	metricsAddr  string
	workers      int
	pageSize     int
	rateLimit    int
	defaultFlag  int
	timeout      time.Duration
	resume       bool
	dryRun       bool
	showVersion  bool
}

func defineFlags(d cfgpkg.Config) *cliFlags {
	f := &cliFlags{}
	flag.StringVar(&f.addresses, "addresses", d.AddressFile, "Address list CSV (ADDRESS_FILE)")
	flag.StringVar(&f.output, "output", d.OutputFile, "Feature CSV; replaced on a fresh run, appended to with --resume (OUTPUT_FILE)")
	flag.StringVar(&f.explorer, "explorer", d.ExplorerURL, "Etherscan-compatible API URL (ETHERSCAN_URL)")
	flag.IntVar(&f.workers, "workers", d.Workers, "Concurrent addresses (WORKERS)")
	flag.IntVar(&f.pageSize, "page-size", d.PageSize, "Explorer page size (PAGE_SIZE)")
	flag.IntVar(&f.rateLimit, "rate-limit", d.RateLimit, "Explorer requests per second, 0 = unlimited (RATE_LIMIT)")
	flag.StringVar(&f.timeRate, "time-rate", d.TimeRateMode, "Time-rate formula: mean-gap | legacy (TIME_RATE_MODE)")
	flag.IntVar(&f.defaultFlag, "default-flag", d.DefaultFlag, "FLAG for measured addresses (DEFAULT_FLAG)")
	flag.BoolVar(&f.resume, "resume", false, "Append to the output file and skip addresses it already holds")
	flag.StringVar(&f.configPath, "config", "", "YAML config file")
	flag.StringVar(&f.envFile, "env-file", ".env", "Dotenv file loaded before the environment is read")
	flag.StringVar(&f.clickhouse, "clickhouse", "", "ClickHouse DSN (CLICKHOUSE_DSN)")
	flag.StringVar(&f.postgres, "postgres", "", "PostgreSQL DSN (PG_DSN)")
	flag.StringVar(&f.kafkaBrokers, "kafka-brokers", "", "Kafka brokers, comma-separated (KAFKA_BROKERS)")
	flag.StringVar(&f.kafkaTopic, "kafka-topic", d.KafkaTopic, "Kafka topic (KAFKA_TOPIC)")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus listen address (METRICS_ADDR)")
	flag.DurationVar(&f.timeout, "timeout", d.HTTPTimeout, "Per-request explorer timeout (HTTP_TIMEOUT)")
	flag.BoolVar(&f.dryRun, "dry-run", false, "Print plan and exit")
	flag.BoolVar(&f.showVersion, "version", false, "Print version and exit")
	return f
}

// loadConfig resolves configuration: dotenv, then YAML file and environment,
// then any flag given explicitly on the command line.
func loadConfig(f *cliFlags) (cfgpkg.Config, error) {
	if err := cfgpkg.LoadDotEnv(f.envFile); err != nil {
		return cfgpkg.Config{}, err
	}
	cfg := cfgpkg.Load()
	if f.configPath != "" {
		var err error
		if cfg, err = cfgpkg.LoadFile(f.configPath); err != nil {
			return cfgpkg.Config{}, err
		}
	}
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "addresses":
			cfg.AddressFile = f.addresses
		case "output":
			cfg.OutputFile = f.output
		case "explorer":
			cfg.ExplorerURL = f.explorer
		case "workers":
			cfg.Workers = f.workers
		case "page-size":
			cfg.PageSize = f.pageSize
		case "rate-limit":
			cfg.RateLimit = f.rateLimit
		case "time-rate":
			cfg.TimeRateMode = f.timeRate
		case "default-flag":
			cfg.DefaultFlag = f.defaultFlag
		case "clickhouse":
			cfg.ClickHouseDSN = f.clickhouse
		case "postgres":
			cfg.PostgresDSN = f.postgres
		case "kafka-brokers":
			cfg.KafkaBrokers = f.kafkaBrokers
		case "kafka-topic":
			cfg.KafkaTopic = f.kafkaTopic
		case "metrics-addr":
			cfg.MetricsAddr = f.metricsAddr
		case "timeout":
			cfg.HTTPTimeout = f.timeout
		}
	})
	cfg = cfg.Clamped()
	return cfg, cfg.Validate()
}

// Extractor entrypoint: one feature row per listed address.
func main() {
	f := defineFlags(cfgpkg.Defaults())
	flag.Usage = printUsage
	flag.Parse()

	if f.showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		exit(2)
		return
	}
	logging.Configure(cfg.LogLevel, cfg.LogFile)
	defer func() { _ = logging.Close() }()
	logger := logging.Logger()

	entries, err := addresses.Open(cfg.AddressFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "address list error: %v\n", err)
		exit(1)
		return
	}
	skip := map[string]struct{}{}
	if f.resume {
		if skip, err = sink.ExistingAddresses(cfg.OutputFile); err != nil {
			fmt.Fprintf(os.Stderr, "resume error: %v\n", err)
			exit(1)
			return
		}
	}
	runID := newRunID()

	if f.dryRun {
		// Print a compact JSON plan and exit.
		plan := map[string]any{
			"run_id":           runID,
			"addresses":        len(entries),
			"resume_skip":      len(skip),
			"address_file":     cfg.AddressFile,
			"output_file":      cfg.OutputFile,
			"explorer":         cfg.ExplorerURL,
			"workers":          cfg.Workers,
			"page_size":        cfg.PageSize,
			"rate_limit":       cfg.RateLimit,
			"time_rate_mode":   cfg.TimeRateMode,
			"default_flag":     cfg.DefaultFlag,
			"http_timeout":     cfg.HTTPTimeout.String(),
			"cache_size":       cfg.CacheSize,
			"clickhouse_dsn":   cfgpkg.RedactDSN(cfg.ClickHouseDSN),
			"clickhouse_table": cfg.ClickHouseTable,
			"postgres_dsn":     cfgpkg.RedactDSN(cfg.PostgresDSN),
			"kafka_brokers":    cfg.KafkaBrokerList(),
			"kafka_topic":      cfg.KafkaTopic,
			"metrics_addr":     cfg.MetricsAddr,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(plan)
		return
	}

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	fetcher, err := newFetcher(eth.FetcherConfig{
		Endpoint:    cfg.ExplorerURL,
		APIKey:      cfg.APIKey,
		PageSize:    cfg.PageSize,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
		Retries:     cfg.HTTPRetries,
		BackoffBase: cfg.HTTPBackoffBase,
		BackoffMax:  cfg.HTTPBackoffMax,
		Timeout:     cfg.HTTPTimeout,
		CacheSize:   cfg.CacheSize,
		CacheTTL:    cfg.CacheTTL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "explorer error: %v\n", err)
		exit(1)
		return
	}

	openOutput := sink.CreateCSV
	if f.resume {
		openOutput = sink.OpenCSV
	}
	primary, err := openOutput(cfg.OutputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "output error: %v\n", err)
		exit(1)
		return
	}
	tee := sink.NewTee(sink.Named{Name: "csv", Writer: primary}, newSecondaries(ctx, cfg, runID)...)

	logger.Info("run_start",
		"component", "cmd.extractor",
		"run_id", runID,
		"version", version,
		"addresses", len(entries),
		"resume_skip", len(skip),
		"workers", cfg.Workers,
		"time_rate_mode", cfg.TimeRateMode,
		"output", cfg.OutputFile,
	)
	ing := ingest.New(fetcher, tee, ingest.Options{
		Workers:      cfg.Workers,
		DefaultFlag:  cfg.DefaultFlag,
		TimeRateMode: cfg.TimeRateMode,
		RunID:        runID,
		Skip:         skip,
	})
	sum, runErr := ing.Run(ctx, entries)
	if err := tee.Close(); err != nil {
		logger.Warn("sink_close_failed", "component", "cmd.extractor", "run_id", runID, "error", err.Error())
		if runErr == nil {
			runErr = err
		}
	}
	for name, n := range tee.SecondaryFailures() {
		logger.Warn("sink_failures", "component", "cmd.extractor", "sink", name, "count", n)
	}

	fmt.Printf("run %s: processed=%d fallbacks=%d empty=%d skipped=%d not_dispatched=%d not_written=%d transactions=%d output=%s\n",
		runID, sum.Processed, sum.Fallbacks, sum.Empty, sum.Skipped, sum.NotDispatched, sum.NotWritten, sum.Transactions, primary.Path())
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "extraction error: %v\n", runErr)
		if sum.NotWritten > 0 || sum.NotDispatched > 0 {
			fmt.Fprintf(os.Stderr, "%d addresses not written, %d not dispatched; rerun with --resume\n", sum.NotWritten, sum.NotDispatched)
		}
		exit(1)
		return
	}
	if sum.NotDispatched > 0 {
		fmt.Fprintf(os.Stderr, "interrupted: %d addresses not dispatched; rerun with --resume\n", sum.NotDispatched)
		exit(exitInterrupted)
	}
}
