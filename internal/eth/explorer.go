package eth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AIAleph/wallet_features/internal/logging"
	"github.com/AIAleph/wallet_features/internal/metrics"
)

const (
	// resultWindow is the most rows the explorer serves for one startblock.
	resultWindow     = 10000
	endBlock         = "99999999"
	defaultPageSize  = 1000
	maxErrorBodySize = 512
	redacted         = "REDACTED"
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// explorerClient walks an address's txlist on an Etherscan-compatible API.
// Rate limiting lives in the httpDoer (see limitedDoer); retries live in call.
type explorerClient struct {
	endpoint    string
	providerLbl string
	apiKey      string
	hc          httpDoer
	pageSize    int
	window      int
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewExplorerClient constructs a HistoryFetcher for endpoint using the given
// http.Client (or a default one if nil).
func NewExplorerClient(endpoint, apiKey string, client *http.Client) (HistoryFetcher, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", deriveProviderLabel(endpoint))
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &explorerClient{
		endpoint:    endpoint,
		providerLbl: deriveProviderLabel(endpoint),
		apiKey:      apiKey,
		hc:          client,
		pageSize:    defaultPageSize,
		window:      resultWindow,
		maxRetries:  2,
		backoffBase: 100 * time.Millisecond,
		backoffMax:  5 * time.Second,
	}, nil
}

func deriveProviderLabel(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if u, err := url.Parse(endpoint); err == nil {
		u.User = nil
		u.RawQuery = ""
		if u.Host != "" {
			return u.Host
		}
		if u.Scheme == "" {
			return endpoint
		}
		return u.String()
	}
	return endpoint
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type wireTx struct {
	BlockNumber      string `json:"blockNumber"`
	TimeStamp        string `json:"timeStamp"`
	Hash             string `json:"hash"`
	TransactionIndex string `json:"transactionIndex"`
	From             string `json:"from"`
	To               string `json:"to"`
	Value            string `json:"value"`
	ContractAddress  string `json:"contractAddress"`
	IsError          string `json:"isError"`
}

// FetchHistory pages through txlist in ascending order. Past the result
// window it restarts at the last seen block and drops rows already seen by
// hash; a restart that adds nothing ends the walk.
func (c *explorerClient) FetchHistory(ctx context.Context, address string) (out FetchOutcome) {
	subject := strings.ToLower(strings.TrimSpace(address))
	start := time.Now()
	pages := 0
	restarts := 0
	duplicates := 0
	logger := logging.Logger()
	defer func() {
		metrics.ExplorerLatency.Observe(time.Since(start).Seconds())
		metrics.ExplorerTxFetched.Add(float64(len(out.Transactions)))
		if logger == nil {
			return
		}
		fields := []any{
			"component", "eth.explorer.history",
			"provider", c.providerLbl,
			"address", subject,
			"outcome", out.Kind.String(),
			"pages", pages,
			"restarts", restarts,
			"duplicates", duplicates,
			"tx_returned", len(out.Transactions),
			"elapsed_ms", time.Since(start).Milliseconds(),
		}
		if out.Err != nil {
			logger.Warn("history_fetch_failed", append(fields, "error", out.Err.Error())...)
			return
		}
		logger.Debug("history_fetch", fields...)
	}()

	seen := make(map[string]struct{})
	var txs []RawTransaction
	var startBlock uint64
	for {
		added := 0
		lastBlock := startBlock
		exhausted := false
		for page := 1; ; page++ {
			rows, err := c.fetchPage(ctx, subject, startBlock, page)
			pages++
			if err != nil {
				return TransportFailure(fmt.Errorf("address %s page %d: %w", subject, page, err))
			}
			for _, tx := range rows {
				if key := strings.ToLower(tx.Hash); key != "" {
					if _, dup := seen[key]; dup {
						duplicates++
						continue
					}
					seen[key] = struct{}{}
				}
				tx.Position = len(txs)
				txs = append(txs, tx)
				added++
			}
			if len(rows) > 0 {
				lastBlock = rows[len(rows)-1].BlockNumber
			}
			if len(rows) < c.pageSize {
				exhausted = true
				break
			}
			if (page+1)*c.pageSize > c.window {
				break
			}
		}
		if exhausted || added == 0 {
			break
		}
		restarts++
		startBlock = lastBlock
	}
	return Success(txs)
}

func (c *explorerClient) fetchPage(ctx context.Context, address string, startBlock uint64, page int) ([]RawTransaction, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("startblock", strconv.FormatUint(startBlock, 10))
	q.Set("endblock", endBlock)
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(c.pageSize))
	q.Set("sort", "asc")
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	raw, err := c.call(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]RawTransaction, 0, len(raw))
	for i, w := range raw {
		tx, err := w.decode()
		if err != nil {
			return nil, &MalformedResponseError{Reason: fmt.Sprintf("row %d", i), Err: err}
		}
		out = append(out, tx)
	}
	return out, nil
}

// call issues one txlist request with bounded exponential backoff on
// retryable failures.
func (c *explorerClient) call(ctx context.Context, q url.Values) ([]wireTx, error) {
	target := c.endpoint
	if strings.Contains(target, "?") {
		target += "&" + q.Encode()
	} else {
		target += "?" + q.Encode()
	}
	var lastErr error
	attempts := c.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		rows, err := c.do(ctx, target)
		if err == nil {
			metrics.ExplorerRequests.WithLabelValues("ok").Inc()
			return rows, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			metrics.ExplorerRequests.WithLabelValues("error").Inc()
			break
		}
		metrics.ExplorerRequests.WithLabelValues("retryable").Inc()
		// Backoff before next attempt
		if attempt < attempts-1 {
			metrics.ExplorerRetries.Inc()
			t := time.NewTimer(c.backoff(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, &TransportError{Err: ctx.Err()}
			case <-t.C:
			}
		}
	}
	return nil, lastErr
}

func (c *explorerClient) backoff(attempt int) time.Duration {
	d := c.backoffBase * (1 << attempt)
	if c.backoffMax > 0 && (d > c.backoffMax || d <= 0) {
		d = c.backoffMax
	}
	return d
}

func (c *explorerClient) do(ctx context.Context, target string) ([]wireTx, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &TransportError{Err: c.redact(err)}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &TransportError{Err: ctx.Err()}
		}
		return nil, &TransportError{Retryable: true, Err: c.redact(err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		sc := resp.StatusCode
		return nil, &TransportError{
			StatusCode: sc,
			Retryable:  sc == http.StatusTooManyRequests || sc >= 500,
			Err:        errors.New(c.redactString(strings.TrimSpace(string(b)))),
		}
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if ctx.Err() != nil {
			return nil, &TransportError{Err: ctx.Err()}
		}
		return nil, &MalformedResponseError{Reason: "decode envelope", Err: err}
	}
	return c.classify(env)
}

// classify maps an explorer envelope onto rows or a typed error.
func (c *explorerClient) classify(env envelope) ([]wireTx, error) {
	switch env.Status {
	case "1":
		var rows []wireTx
		if err := json.Unmarshal(env.Result, &rows); err != nil {
			return nil, &MalformedResponseError{Reason: "result is not a transaction list", Err: err}
		}
		return rows, nil
	case "0":
		if strings.Contains(strings.ToLower(env.Message), "no transactions found") {
			return nil, nil
		}
		var detail string
		if err := json.Unmarshal(env.Result, &detail); err != nil {
			var rows []wireTx
			if json.Unmarshal(env.Result, &rows) == nil && len(rows) == 0 {
				detail = ""
			} else {
				return nil, &MalformedResponseError{Reason: "status 0 with unexpected result"}
			}
		}
		detail = c.redactString(detail)
		lower := strings.ToLower(detail + " " + env.Message)
		if strings.Contains(lower, "rate limit") || strings.Contains(lower, "timeout") {
			return nil, &TransportError{Retryable: true, Err: errors.New(detail)}
		}
		return nil, &APIError{Message: c.redactString(env.Message), Result: detail}
	default:
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("unknown status %q", env.Status)}
	}
}

func (w wireTx) decode() (RawTransaction, error) {
	block, err := parseQuantity(w.BlockNumber)
	if err != nil {
		return RawTransaction{}, fmt.Errorf("blockNumber: %w", err)
	}
	ts, err := parseQuantity(w.TimeStamp)
	if err != nil {
		return RawTransaction{}, fmt.Errorf("timeStamp: %w", err)
	}
	var idx uint64
	if w.TransactionIndex != "" {
		if idx, err = parseQuantity(w.TransactionIndex); err != nil {
			return RawTransaction{}, fmt.Errorf("transactionIndex: %w", err)
		}
	}
	value, err := parseWei(w.Value)
	if err != nil {
		return RawTransaction{}, fmt.Errorf("value: %w", err)
	}
	return RawTransaction{
		Hash:             w.Hash,
		BlockNumber:      block,
		TransactionIndex: idx,
		Timestamp:        int64(ts),
		From:             strings.ToLower(w.From),
		To:               strings.ToLower(w.To),
		ContractAddress:  strings.ToLower(w.ContractAddress),
		Value:            value,
		IsError:          w.IsError == "1",
	}, nil
}

// parseQuantity accepts decimal or 0x-prefixed hex.
func parseQuantity(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty quantity")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	if s == "" {
		return nil, errors.New("empty value")
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}

func (c *explorerClient) redactString(s string) string {
	if c.apiKey == "" {
		return s
	}
	return strings.ReplaceAll(s, c.apiKey, redacted)
}

// redact strips the API key from errors that echo the request URL.
func (c *explorerClient) redact(err error) error {
	if err == nil || c.apiKey == "" {
		return err
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: c.redactString(ue.URL), Err: ue.Err}
	}
	if strings.Contains(err.Error(), c.apiKey) {
		return errors.New(c.redactString(err.Error()))
	}
	return err
}
