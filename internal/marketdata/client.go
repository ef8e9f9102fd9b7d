package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8090"
	DefaultTimeout = 10 * time.Second
)

// Client talks to a market data gateway over JSON/HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

var (
	_ Provider           = (*Client)(nil)
	_ HistoricalProvider = (*Client)(nil)
)

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Quote(ctx context.Context, symbol string) (Quote, error) {
	var q Quote
	if err := c.doRequest(ctx, "/v1/quotes/"+url.PathEscape(symbol), nil, &q); err != nil {
		return Quote{}, fmt.Errorf("failed to get quote for %s: %w", symbol, err)
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	return q, nil
}

type candlesResponse struct {
	Candles []Candle `json:"candles"`
}

func (c *Client) IntradayCandles(ctx context.Context, symbol string, from, to time.Time) ([]Candle, error) {
	params := url.Values{}
	params.Set("from", from.UTC().Format(time.RFC3339))
	params.Set("to", to.UTC().Format(time.RFC3339))
	params.Set("interval", "5m")

	var resp candlesResponse
	if err := c.doRequest(ctx, "/v1/candles/"+url.PathEscape(symbol), params, &resp); err != nil {
		return nil, fmt.Errorf("failed to get intraday candles for %s: %w", symbol, err)
	}
	return resp.Candles, nil
}

func (c *Client) DailyBars(ctx context.Context, symbol, from, to string) ([]Candle, error) {
	params := url.Values{}
	params.Set("from", from)
	params.Set("to", to)

	var resp candlesResponse
	if err := c.doRequest(ctx, "/v1/bars/"+url.PathEscape(symbol), params, &resp); err != nil {
		return nil, fmt.Errorf("failed to get daily bars for %s: %w", symbol, err)
	}
	return resp.Candles, nil
}

func (c *Client) OptionChain(ctx context.Context, underlying string) (Chain, error) {
	var chain Chain
	if err := c.doRequest(ctx, "/v1/options/"+url.PathEscape(underlying)+"/chain", nil, &chain); err != nil {
		return Chain{}, fmt.Errorf("failed to get option chain for %s: %w", underlying, err)
	}
	if chain.Underlying == "" {
		chain.Underlying = underlying
	}
	for i := range chain.Contracts {
		if chain.Contracts[i].Underlying == "" {
			chain.Contracts[i].Underlying = chain.Underlying
		}
	}
	return chain, nil
}

// HealthCheck fetches a well-known quote.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Quote(ctx, "SPY")
	return err
}

func (c *Client) Close() {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
}

// doRequest maps transport errors, 429 and 5xx onto ErrUnavailable and 404 onto ErrNotFound.
func (c *Client) doRequest(ctx context.Context, path string, params url.Values, v interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "TickerPulse/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d, body: %s", ErrUnavailable, resp.StatusCode, string(body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
