package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/novabridge/novabridge-backend/internal/chain"
	retry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var (
	ErrSignerUnavailable = errors.New("threshold signer unavailable")
	ErrSigningRefused    = errors.New("threshold signer refused to sign")
)

// DerivedKey is the result of a threshold key derivation scoped to a user
// identity. The same identity always yields the same key.
type DerivedKey struct {
	Address   string
	PublicKey []byte
}

// Signer is the contract with the control-plane network's threshold-signing
// subsystem. The private key never exists anywhere; signatures are produced
// by the network's consensus.
type Signer interface {
	DeriveAddress(ctx context.Context, identity string) (DerivedKey, error)
	Sign(ctx context.Context, identity string, message []byte) ([]byte, error)
}

// HTTPSigner calls the threshold signer gateway. Derived public keys are
// validated locally: the key must parse as compressed secp256k1 and the
// reported address must match the local derivation from the key bytes.
type HTTPSigner struct {
	baseURL string
	client  *http.Client
	logger  *zap.SugaredLogger
}

func NewHTTPSigner(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPSigner {
	return &HTTPSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type deriveRequest struct {
	Identity string `json:"identity"`
}

type deriveResponse struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"` // hex, compressed secp256k1
}

type signRequest struct {
	Identity string `json:"identity"`
	Message  string `json:"message"` // base64
}

type signResponse struct {
	Signature string `json:"signature"` // base64
}

func (s *HTTPSigner) DeriveAddress(ctx context.Context, identity string) (DerivedKey, error) {
	if strings.TrimSpace(identity) == "" {
		return DerivedKey{}, fmt.Errorf("empty identity")
	}

	var resp deriveResponse
	if err := s.post(ctx, "/v1/derive", deriveRequest{Identity: identity}, &resp); err != nil {
		return DerivedKey{}, err
	}

	pub, err := hex.DecodeString(resp.PublicKey)
	if err != nil {
		return DerivedKey{}, fmt.Errorf("decode derived public key: %w", err)
	}
	if _, err := secp256k1.ParsePubKey(pub); err != nil {
		return DerivedKey{}, fmt.Errorf("invalid derived public key: %w", err)
	}

	derived, err := chain.AddressFromPublicKey(pub)
	if err != nil {
		return DerivedKey{}, fmt.Errorf("derive address: %w", err)
	}
	if resp.Address != "" && resp.Address != derived {
		return DerivedKey{}, fmt.Errorf("signer address %s does not match derivation %s", resp.Address, derived)
	}

	return DerivedKey{Address: derived, PublicKey: pub}, nil
}

func (s *HTTPSigner) Sign(ctx context.Context, identity string, message []byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	var resp signResponse
	req := signRequest{
		Identity: identity,
		Message:  base64.StdEncoding.EncodeToString(message),
	}
	if err := s.post(ctx, "/v1/sign", req, &resp); err != nil {
		return nil, err
	}

	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) == 0 {
		return nil, ErrSigningRefused
	}
	return sig, nil
}

func (s *HTTPSigner) post(ctx context.Context, path string, body any, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal signer request: %w", err)
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build signer request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", ErrSignerUnavailable, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode/100 == 5:
			return retry.RetryableError(fmt.Errorf("%w: status %d", ErrSignerUnavailable, resp.StatusCode))
		case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnprocessableEntity:
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%w: %s", ErrSigningRefused, strings.TrimSpace(string(payload)))
		case resp.StatusCode/100 != 2:
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("signer %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(payload)))
		}

		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode signer response: %w", err)
		}
		return nil
	})
}
