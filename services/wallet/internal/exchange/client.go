package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const maxBodyBytes = 4 << 20

// StatusError is returned when the exchange answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("exchange returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("exchange returned status %d: %s", e.StatusCode, e.Body)
}

var ErrDecode = errors.New("decode exchange balances")

type Config struct {
	BaseURL          string
	BalancesPath     string
	BalancesJSONPath string
	RequestTimeout   time.Duration
	APIKeyHeader     string
	APIKey           string
}

// Client reads custodial balances from the exchange's balance endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("exchange base url required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}, nil
}

func (c *Client) URL() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	path := c.cfg.BalancesPath
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// FetchBalances returns the exchange's balance per upper-cased currency.
// Transport failures, timeouts and undecodable bodies are returned as errors;
// the caller decides whether to abort.
func (c *Client) FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKeyHeader != "" && c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange balances: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read exchange balances: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	balances, err := decodeBalances(body, c.cfg.BalancesJSONPath)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("exchange balances fetched", "currencies", len(balances))
	return balances, nil
}

func decodeBalances(body []byte, jsonPath string) (map[string]decimal.Decimal, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if jsonPath != "" {
		selected, err := selectPath(payload, jsonPath)
		if err != nil {
			return nil, err
		}
		payload = selected
	}
	return normalizeBalances(payload)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
