package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/novabridge/novabridge-backend/internal/metrics"
	retry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPClient talks to a Nova node's REST gateway. Outbound calls are
// rate-limited client-side and wrapped in a short exponential-backoff retry;
// job-level retry on top of this lives in the engines.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

type HTTPClientOption func(*HTTPClient)

func WithHTTPDoer(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

func WithMetrics(m *metrics.Metrics) HTTPClientOption {
	return func(h *HTTPClient) {
		h.metrics = m
	}
}

func NewHTTPClient(baseURL string, timeout time.Duration, rps float64, logger *zap.SugaredLogger, opts ...HTTPClientOption) *HTTPClient {
	if rps <= 0 {
		rps = 10
	}
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type accountResponse struct {
	Address      string `json:"address"`
	BalanceMicro uint64 `json:"balanceMicro"`
	Round        uint64 `json:"round"`
}

func (h *HTTPClient) AccountInfo(ctx context.Context, address string) (AccountInfo, error) {
	if !IsValidAddress(address) {
		return AccountInfo{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	var resp accountResponse
	notFound := false
	err := h.doJSON(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(address), nil, &resp, &notFound)
	h.recordCall(ctx, "AccountInfo", err)
	if err != nil {
		return AccountInfo{}, err
	}
	if notFound {
		// Never-funded accounts are a normal state, not an error.
		return AccountInfo{Address: address, Exists: false}, nil
	}

	return AccountInfo{
		Address: resp.Address,
		Balance: FromMicroNova(resp.BalanceMicro),
		Round:   resp.Round,
		Exists:  true,
	}, nil
}

func (h *HTTPClient) SuggestedParams(ctx context.Context) (SuggestedParams, error) {
	var params SuggestedParams
	err := h.doJSON(ctx, http.MethodGet, "/v1/transactions/params", nil, &params, nil)
	h.recordCall(ctx, "SuggestedParams", err)
	if err != nil {
		return SuggestedParams{}, err
	}
	return params, nil
}

func (h *HTTPClient) SubmitTransaction(ctx context.Context, signed []byte) (SubmitResult, error) {
	if len(signed) == 0 {
		return SubmitResult{}, fmt.Errorf("empty signed transaction")
	}

	var result SubmitResult
	err := h.doJSON(ctx, http.MethodPost, "/v1/transactions", signed, &result, nil)
	h.recordCall(ctx, "SubmitTransaction", err)
	if err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

// doJSON performs one logical call with rate limiting and transient-failure
// retry. When notFound is non-nil a 404 sets it instead of failing.
func (h *HTTPClient) doJSON(ctx context.Context, method, path string, body []byte, dest any, notFound *bool) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(250*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := h.limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/octet-stream")
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("nova rpc %s %s: %w", method, path, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound && notFound != nil:
			*notFound = true
			return nil
		case resp.StatusCode/100 == 5:
			return retry.RetryableError(fmt.Errorf("nova rpc %s %s: status %d", method, path, resp.StatusCode))
		case resp.StatusCode/100 != 2:
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("nova rpc %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
		}

		if dest == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode nova response: %w", err)
		}
		return nil
	})
}

func (h *HTTPClient) recordCall(ctx context.Context, method string, err error) {
	if h.metrics != nil {
		h.metrics.RecordChainCall(ctx, method, err)
	}
	if err != nil && h.logger != nil {
		h.logger.Warnw("Nova RPC call failed", "method", method, "error", err)
	}
}
