package eth

import (
	"net/http"
	"strings"
	"time"
)

// FetcherConfig tunes the explorer client built by NewFetcher.
type FetcherConfig struct {
	Endpoint    string
	APIKey      string
	PageSize    int
	RateLimit   int
	RateBurst   int
	Retries     int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Timeout     time.Duration
	CacheSize   int
	CacheTTL    time.Duration
}

// NewFetcher constructs the explorer-backed HistoryFetcher: requests are
// rate limited per attempt and, when CacheSize > 0, histories are cached by
// canonical address. Validation is centralized in NewExplorerClient.
func NewFetcher(cfg FetcherConfig) (HistoryFetcher, error) {
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Timeout <= 0 {
		client.Timeout = 30 * time.Second
	}
	base, err := NewExplorerClient(strings.TrimSpace(cfg.Endpoint), cfg.APIKey, client)
	if err != nil {
		return nil, err
	}
	ec := base.(*explorerClient)
	if cfg.PageSize > 0 {
		ec.pageSize = min(cfg.PageSize, resultWindow)
	}
	if cfg.Retries >= 0 {
		ec.maxRetries = cfg.Retries
	}
	if cfg.BackoffBase > 0 {
		ec.backoffBase = cfg.BackoffBase
	}
	if cfg.BackoffMax > 0 {
		ec.backoffMax = cfg.BackoffMax
	}
	ec.hc = wrapWithLimiter(client, NewLimiter(cfg.RateLimit, cfg.RateBurst))
	return wrapWithCache(ec, cfg.CacheSize, cfg.CacheTTL), nil
}
