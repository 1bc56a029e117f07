package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Rejection is a domain error returned by the ledger canister, as opposed to
// a transport failure. Deterministic rejections will never succeed on retry.
type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("ledger rejected: %s: %s", r.Code, r.Message)
}

// Rejection codes the canister emits.
const (
	CodeDepositNotFound    = "deposit_not_found"
	CodeDepositUnconfirmed = "deposit_not_confirmed"
	CodeDuplicateReference = "duplicate_reference"
	CodeInsufficientFunds  = "insufficient_balance"
	CodeBadRequest         = "bad_request"
	CodeUnknownPrincipal   = "unknown_principal"
)

// Deterministic reports whether retrying the same call can ever change the
// outcome. Deposit lookups are retryable because the canister may simply not
// have observed the confirmation yet.
func (r *Rejection) Deterministic() bool {
	switch r.Code {
	case CodeDuplicateReference, CodeBadRequest, CodeUnknownPrincipal, CodeInsufficientFunds:
		return true
	default:
		return false
	}
}

// DepositRecord is the ledger's view of a credited deposit.
type DepositRecord struct {
	TxID         string          `json:"txId"`
	UserIdentity string          `json:"userIdentity"`
	Amount       decimal.Decimal `json:"amount"`
	MintedAt     time.Time       `json:"mintedAt"`
}

// ReserveSnapshot is the ledger-reported aggregate backing view, used as the
// authoritative fallback when a direct chain scan is unavailable.
type ReserveSnapshot struct {
	LockedReserves decimal.Decimal `json:"lockedReserves"`
	TotalSupply    decimal.Decimal `json:"totalSupply"`
	ReserveRatio   decimal.Decimal `json:"reserveRatio"`
	AsOf           time.Time       `json:"asOf"`
}

// TokenMetadata mirrors the ICRC-1 metadata queries the canister answers.
type TokenMetadata struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}
