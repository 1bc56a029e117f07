package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidAddress  = errors.New("invalid nova address")
)

// MicroNovaDecimals is the precision of the NOVA native unit on the wire.
const MicroNovaDecimals = 6

// AccountInfo is the balance view of a Nova account. Exists is false for
// addresses that have never been funded; callers treat those as zero balance.
type AccountInfo struct {
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
	Round   uint64          `json:"round"`
	Exists  bool            `json:"exists"`
}

// SuggestedParams carries the network parameters needed to build a valid
// payment transaction.
type SuggestedParams struct {
	Fee         uint64 `json:"fee"`
	FirstValid  uint64 `json:"firstValid"`
	LastValid   uint64 `json:"lastValid"`
	GenesisID   string `json:"genesisId"`
	GenesisHash string `json:"genesisHash"`
}

// SubmitResult is returned once the network accepts a signed transaction.
type SubmitResult struct {
	TxID           string `json:"txId"`
	ConfirmedRound uint64 `json:"confirmedRound"`
}

// Client is the narrow contract the bridge needs from the Nova network.
type Client interface {
	AccountInfo(ctx context.Context, address string) (AccountInfo, error)
	SuggestedParams(ctx context.Context) (SuggestedParams, error)
	SubmitTransaction(ctx context.Context, signed []byte) (SubmitResult, error)
}

// ToMicroNova converts a decimal NOVA amount to wire micronova units.
func ToMicroNova(amount decimal.Decimal) (uint64, error) {
	micro := amount.Shift(MicroNovaDecimals).Truncate(0)
	if micro.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount.String())
	}
	b := micro.BigInt()
	if b == nil || !b.IsUint64() {
		return 0, fmt.Errorf("amount %s out of micronova range", amount.String())
	}
	return b.Uint64(), nil
}

// FromMicroNova converts wire micronova units to a decimal NOVA amount.
func FromMicroNova(micro uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(micro), -MicroNovaDecimals)
}
