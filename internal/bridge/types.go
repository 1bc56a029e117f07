package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("job not found")
	ErrNotCancellable = errors.New("job can no longer be cancelled")
	ErrNotRetryable   = errors.New("job is not in a retryable state")
)

// JobStatus is shared by minting and redemption jobs.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusProcessing  JobStatus = "processing"
	StatusBurning     JobStatus = "burning"
	StatusWithdrawing JobStatus = "withdrawing"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

// Terminal reports whether a job in this status will never run again.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// PendingDeposit is delivered by the deposit detector once a transfer into a
// custody address has reached the confirmation depth. TxID is the natural
// idempotency key; redelivery of the same TxID must be safe.
type PendingDeposit struct {
	TxID           string          `json:"txId"`
	UserIdentity   string          `json:"userIdentity"`
	Amount         decimal.Decimal `json:"amount"`
	CustodyAddress string          `json:"custodyAddress"`
	Confirmations  uint64          `json:"confirmations"`
}

// DepositHandler is the single-method contract the deposit detector invokes.
type DepositHandler interface {
	OnConfirmedDeposit(ctx context.Context, deposit PendingDeposit) error
}

// MintingJob tracks one deposit through the mint pipeline. Jobs are owned
// exclusively by the minting engine; only terminal jobs leave the map, and
// only through retention cleanup.
type MintingJob struct {
	ID           string          `json:"id"`
	Deposit      PendingDeposit  `json:"deposit"`
	AmountMinted decimal.Decimal `json:"amountMinted"`
	Attempts     int             `json:"attempts"`
	MaxRetries   int             `json:"maxRetries"`
	NextRetryAt  time.Time       `json:"nextRetryAt"`
	Status       JobStatus       `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Err          string          `json:"error,omitempty"`
}

// RedemptionPhase makes the two-phase burn-then-withdraw progress explicit.
// The phase is monotonically non-decreasing: once a burn has succeeded no
// retry ever repeats it.
type RedemptionPhase int

const (
	PhaseNotStarted RedemptionPhase = iota
	PhaseBurned
	PhaseSubmitted
	PhaseConfirmed
)

func (p RedemptionPhase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseBurned:
		return "burned"
	case PhaseSubmitted:
		return "submitted"
	case PhaseConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Burned reports whether the internal tokens for this job have been
// irreversibly burned.
func (p RedemptionPhase) Burned() bool {
	return p >= PhaseBurned
}

// RedemptionJob tracks one redemption through burn and withdrawal.
type RedemptionJob struct {
	ID                 string          `json:"id"`
	UserIdentity       string          `json:"userIdentity"`
	Amount             decimal.Decimal `json:"amount"`
	DestinationAddress string          `json:"destinationAddress"`
	Phase              RedemptionPhase `json:"phase"`
	RedemptionRef      string          `json:"redemptionRef,omitempty"`
	ExternalTxID       string          `json:"externalTxId,omitempty"`
	ConfirmedRound     uint64          `json:"confirmedRound,omitempty"`
	CustodyAddress     string          `json:"custodyAddress,omitempty"`
	Attempts           int             `json:"attempts"`
	MaxRetries         int             `json:"maxRetries"`
	NextRetryAt        time.Time       `json:"nextRetryAt"`
	Status             JobStatus       `json:"status"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	Err                string          `json:"error,omitempty"`
}

// PauseChecker gates new mint processing on the reserve verifier's emergency
// flag.
type PauseChecker interface {
	EmergencyPaused() bool
}

// EngineStats summarizes one engine's job map.
type EngineStats struct {
	Pending              int             `json:"pending"`
	Processing           int             `json:"processing"`
	Completed            int             `json:"completed"`
	Failed               int             `json:"failed"`
	Cancelled            int             `json:"cancelled"`
	SuccessRate          float64         `json:"successRate"`
	TotalAmount          decimal.Decimal `json:"totalAmount"`
	AvgCompletionLatency time.Duration   `json:"avgCompletionLatency"`
}
