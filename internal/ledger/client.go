package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/novabridge/novabridge-backend/internal/metrics"
	retry "github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client is the contract with the bridge ledger canister. The canister
// enforces at-most-once minting per deposit txId and at-most-once burn per
// redemption reference; callers lean on that instead of distributed locks.
type Client interface {
	GenerateDepositAddress(ctx context.Context, identity string) (string, error)
	MintAfterDepositConfirmed(ctx context.Context, txID string) (decimal.Decimal, error)
	AdminRedeem(ctx context.Context, identity string, amount decimal.Decimal, destination string) (string, error)
	AdminTransfer(ctx context.Context, from, to string, amount decimal.Decimal) error
	ReserveSnapshot(ctx context.Context) (ReserveSnapshot, error)
	UserDeposits(ctx context.Context, identity string) ([]DepositRecord, error)
	BalanceOf(ctx context.Context, identity string) (decimal.Decimal, error)
	TotalSupply(ctx context.Context) (decimal.Decimal, error)
	TokenMetadata(ctx context.Context) (TokenMetadata, error)
}

// HTTPClient speaks to the canister through the control-plane HTTP gateway.
// Transport failures and 5xx responses are retried with exponential backoff;
// domain rejections come back as *Rejection and are never retried here.
type HTTPClient struct {
	baseURL string
	client  *http.Client
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

func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.SugaredLogger, opts ...HTTPClientOption) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPClient) GenerateDepositAddress(ctx context.Context, identity string) (string, error) {
	var resp struct {
		Address string `json:"address"`
	}
	err := h.call(ctx, "generate_deposit_address", map[string]any{"identity": identity}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Address, nil
}

func (h *HTTPClient) MintAfterDepositConfirmed(ctx context.Context, txID string) (decimal.Decimal, error) {
	var resp struct {
		AmountMinted decimal.Decimal `json:"amountMinted"`
	}
	err := h.call(ctx, "mint_after_deposit_confirmed", map[string]any{"txId": txID}, &resp)
	if err != nil {
		return decimal.Zero, err
	}
	return resp.AmountMinted, nil
}

func (h *HTTPClient) AdminRedeem(ctx context.Context, identity string, amount decimal.Decimal, destination string) (string, error) {
	var resp struct {
		RedemptionRef string `json:"redemptionRef"`
	}
	err := h.call(ctx, "admin_redeem", map[string]any{
		"identity":    identity,
		"amount":      amount,
		"destination": destination,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.RedemptionRef, nil
}

func (h *HTTPClient) AdminTransfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	return h.call(ctx, "admin_transfer", map[string]any{
		"from":   from,
		"to":     to,
		"amount": amount,
	}, nil)
}

func (h *HTTPClient) ReserveSnapshot(ctx context.Context) (ReserveSnapshot, error) {
	var resp ReserveSnapshot
	if err := h.call(ctx, "get_reserve_ratio", nil, &resp); err != nil {
		return ReserveSnapshot{}, err
	}
	return resp, nil
}

func (h *HTTPClient) UserDeposits(ctx context.Context, identity string) ([]DepositRecord, error) {
	var resp struct {
		Deposits []DepositRecord `json:"deposits"`
	}
	if err := h.call(ctx, "get_user_deposits", map[string]any{"identity": identity}, &resp); err != nil {
		return nil, err
	}
	return resp.Deposits, nil
}

func (h *HTTPClient) BalanceOf(ctx context.Context, identity string) (decimal.Decimal, error) {
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := h.call(ctx, "icrc1_balance_of", map[string]any{"identity": identity}, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

func (h *HTTPClient) TotalSupply(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		TotalSupply decimal.Decimal `json:"totalSupply"`
	}
	if err := h.call(ctx, "icrc1_total_supply", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.TotalSupply, nil
}

func (h *HTTPClient) TokenMetadata(ctx context.Context) (TokenMetadata, error) {
	var resp TokenMetadata
	if err := h.call(ctx, "icrc1_metadata", nil, &resp); err != nil {
		return TokenMetadata{}, err
	}
	return resp, nil
}

// call posts one canister method. 4xx responses carrying a {code, message}
// body surface as *Rejection; everything else retries transiently.
func (h *HTTPClient) call(ctx context.Context, method string, args any, dest any) error {
	var payload []byte
	var err error
	if args != nil {
		payload, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal %s args: %w", method, err)
		}
	} else {
		payload = []byte("{}")
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(300*time.Millisecond))

	callErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/call/"+method, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build ledger request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("ledger call %s: %w", method, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode/100 == 2:
			if dest == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
			return nil
		case resp.StatusCode/100 == 4:
			var rejection Rejection
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if err := json.Unmarshal(body, &rejection); err != nil || rejection.Code == "" {
				return fmt.Errorf("ledger call %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return &rejection
		default:
			return retry.RetryableError(fmt.Errorf("ledger call %s: status %d", method, resp.StatusCode))
		}
	})

	if h.metrics != nil {
		h.metrics.RecordLedgerCall(ctx, method, callErr)
	}
	if callErr != nil && h.logger != nil {
		h.logger.Warnw("Ledger call failed", "method", method, "error", callErr)
	}
	return callErr
}
