package venue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	RateLimit      float64
	Burst          int
	PollInterval   time.Duration
}

// HTTPClient talks to a JSON venue gateway. Submissions are rate limited and
// confirmed before returning, over the websocket feed when connected and by
// polling otherwise.
type HTTPClient struct {
	baseURL      string
	httpClient   *http.Client
	auth         Authenticator
	limiter      *rate.Limiter
	feed         *ConfirmationFeed
	pollInterval time.Duration
	logger       *logrus.Logger
}

var _ Venue = (*HTTPClient)(nil)

func NewHTTPClient(cfg ClientConfig, auth Authenticator, feed *ConfirmationFeed, logger *logrus.Logger) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if auth == nil {
		auth = noAuth{}
	}

	return &HTTPClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		auth:         auth,
		limiter:      rate.NewLimiter(limit, cfg.Burst),
		feed:         feed,
		pollInterval: cfg.PollInterval,
		logger:       logger,
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) Swap(ctx context.Context, req SwapRequest) (*Receipt, error) {
	return c.submit(ctx, "/v1/swap", req.ClientRef, req.Signer, req)
}

func (c *HTTPClient) AddLiquidity(ctx context.Context, req AddLiquidityRequest) (*Receipt, error) {
	return c.submit(ctx, "/v1/liquidity/add", req.ClientRef, req.Signer, req)
}

func (c *HTTPClient) RemoveLiquidity(ctx context.Context, req RemoveLiquidityRequest) (*Receipt, error) {
	return c.submit(ctx, "/v1/liquidity/remove", req.ClientRef, req.Signer, req)
}

func (c *HTTPClient) OpenLeveragedPosition(ctx context.Context, req OpenLeveragedRequest) (*Receipt, error) {
	return c.submit(ctx, "/v1/perp/open", req.ClientRef, req.Signer, req)
}

func (c *HTTPClient) CloseLeveragedPosition(ctx context.Context, req CloseLeveragedRequest) (*Receipt, error) {
	return c.submit(ctx, "/v1/perp/close", req.ClientRef, req.Signer, req)
}

func (c *HTTPClient) submit(ctx context.Context, path, clientRef string, signer Signer, payload any) (*Receipt, error) {
	if clientRef == "" {
		return nil, NewError(KindRejected, "client ref is required")
	}
	if signer == nil {
		return nil, NewError(KindRejected, "signer is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	signature, err := signer.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	headers := http.Header{}
	headers.Set("Idempotency-Key", clientRef)
	headers.Set("X-Signer-Address", signer.Address())
	headers.Set("X-Signer-Signature", base64.StdEncoding.EncodeToString(signature))

	var update TxUpdate
	if err := c.doRequest(ctx, http.MethodPost, path, body, headers, &update); err != nil {
		return nil, err
	}

	if update.Status == txStatusPending {
		confirmed, err := c.confirm(ctx, update.TxRef)
		if err != nil {
			return nil, err
		}
		update = *confirmed
	}
	return receiptFromUpdate(update)
}

func receiptFromUpdate(u TxUpdate) (*Receipt, error) {
	switch u.Status {
	case txStatusConfirmed:
		return &Receipt{
			TxRef:       u.TxRef,
			AmountIn:    u.AmountIn,
			AmountOut:   u.AmountOut,
			PositionRef: u.PositionRef,
		}, nil
	case txStatusFailed:
		if u.Error != nil {
			return nil, &Error{Kind: kindFromCode(u.Error.Code), Message: u.Error.Message}
		}
		return nil, NewError(KindRejected, "transaction %s failed", u.TxRef)
	}
	return nil, fmt.Errorf("unexpected transaction status %q", u.Status)
}

// confirm waits for txRef to settle.
func (c *HTTPClient) confirm(ctx context.Context, txRef string) (*TxUpdate, error) {
	if c.feed != nil && c.feed.Connected() {
		u, err := c.feed.Wait(ctx, txRef)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, ErrFeedUnavailable) {
			return nil, err
		}
		c.logger.WithField("tx_ref", txRef).Warn("Confirmation feed dropped, polling")
	}
	return c.poll(ctx, txRef)
}

func (c *HTTPClient) poll(ctx context.Context, txRef string) (*TxUpdate, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var update TxUpdate
		if err := c.doRequest(ctx, http.MethodGet, "/v1/tx/"+txRef, nil, nil, &update); err != nil {
			return nil, err
		}
		if update.Status != txStatusPending {
			return &update, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body []byte, headers http.Header, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.auth.AddAuthHeaders(req, method, path, string(body)); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var te interface{ Timeout() bool }
		if errors.As(err, &te) && te.Timeout() {
			return &Error{Kind: KindTimeout, Message: fmt.Sprintf("%s %s: %v", method, path, err)}
		}
		return fmt.Errorf("venue request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read venue response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode venue response: %w", err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	var payload struct {
		Error apiError `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Message: msg}
	case payload.Error.Code != "":
		return &Error{Kind: kindFromCode(payload.Error.Code), Message: msg}
	default:
		return &Error{Kind: KindRejected, Message: fmt.Sprintf("status %d: %s", status, msg)}
	}
}
