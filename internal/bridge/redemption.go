package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/novabridge/novabridge-backend/internal/alerts"
	"github.com/novabridge/novabridge-backend/internal/chain"
	"github.com/novabridge/novabridge-backend/internal/ledger"
	"github.com/novabridge/novabridge-backend/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BurnLedger is the slice of the ledger client the redemption engine needs.
type BurnLedger interface {
	AdminRedeem(ctx context.Context, identity string, amount decimal.Decimal, destination string) (string, error)
}

// TxSigner requests a threshold signature scoped to the user's custody key.
type TxSigner interface {
	Sign(ctx context.Context, identity string, message []byte) ([]byte, error)
}

// AddressSource resolves the custody address funds are withdrawn from.
type AddressSource interface {
	CustodyAddressFor(ctx context.Context, identity string) (string, error)
}

// RedemptionConfig tunes the redemption scheduler. MaxRetries defaults lower
// than minting: these are irreversible financial operations.
type RedemptionConfig struct {
	TickInterval time.Duration
	BatchSize    int
	Concurrency  int
	MaxRetries   int
	BaseDelay    time.Duration
	CapDelay     time.Duration
	CallTimeout  time.Duration
	MinAmount    decimal.Decimal
	MaxAmount    decimal.Decimal
}

func (c *RedemptionConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 10 * time.Second
	}
	if c.CapDelay <= 0 {
		c.CapDelay = 10 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 45 * time.Second
	}
	if c.MinAmount.IsZero() {
		c.MinAmount = decimal.RequireFromString("0.1")
	}
	if c.MaxAmount.IsZero() {
		c.MaxAmount = decimal.RequireFromString("10000")
	}
}

// RedemptionEngine burns ckNOVA and withdraws the equivalent NOVA from the
// user's custody address. The two phases are strictly ordered and the phase
// marker survives any number of retries, so a burn is never repeated.
type RedemptionEngine struct {
	cfg RedemptionConfig

	mu       sync.Mutex
	jobs     map[string]*RedemptionJob
	inflight map[string]bool
	redeemed decimal.Decimal
	latSum   time.Duration
	latCnt   int64

	ledger    BurnLedger
	signer    TxSigner
	chain     chain.Client
	addresses AddressSource
	alerter   alerts.Sink
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
}

func NewRedemptionEngine(cfg RedemptionConfig, l BurnLedger, sig TxSigner, ch chain.Client, addrs AddressSource, alerter alerts.Sink, logger *zap.SugaredLogger, m *metrics.Metrics) *RedemptionEngine {
	cfg.applyDefaults()
	return &RedemptionEngine{
		cfg:       cfg,
		jobs:      make(map[string]*RedemptionJob),
		inflight:  make(map[string]bool),
		redeemed:  decimal.Zero,
		ledger:    l,
		signer:    sig,
		chain:     ch,
		addresses: addrs,
		alerter:   alerter,
		logger:    logger,
		metrics:   m,
	}
}

// QueueRedemption validates and enqueues a redemption. Validation failures
// return synchronously: no job is created and nothing is called.
func (e *RedemptionEngine) QueueRedemption(userIdentity string, amount decimal.Decimal, destinationAddress string) (string, error) {
	if strings.TrimSpace(userIdentity) == "" {
		return "", fmt.Errorf("%w: missing user identity", ErrInvalidRequest)
	}
	if !chain.IsValidAddress(destinationAddress) {
		return "", fmt.Errorf("%w: malformed destination address %q", ErrInvalidRequest, destinationAddress)
	}
	if amount.LessThan(e.cfg.MinAmount) {
		return "", fmt.Errorf("%w: amount %s below minimum %s", ErrInvalidRequest, amount.String(), e.cfg.MinAmount.String())
	}
	if amount.GreaterThan(e.cfg.MaxAmount) {
		return "", fmt.Errorf("%w: amount %s above maximum %s", ErrInvalidRequest, amount.String(), e.cfg.MaxAmount.String())
	}

	now := time.Now()
	job := &RedemptionJob{
		ID:                 uuid.NewString(),
		UserIdentity:       userIdentity,
		Amount:             amount,
		DestinationAddress: destinationAddress,
		Phase:              PhaseNotStarted,
		MaxRetries:         e.cfg.MaxRetries,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.mu.Unlock()

	e.logger.Infow("Redemption queued",
		"jobId", job.ID,
		"identity", userIdentity,
		"amount", amount.String(),
		"destination", destinationAddress,
	)
	return job.ID, nil
}

// Start runs the scheduler until the context is cancelled.
func (e *RedemptionEngine) Start(ctx context.Context) {
	e.logger.Infow("Redemption engine starting",
		"tickInterval", e.cfg.TickInterval,
		"batchSize", e.cfg.BatchSize,
		"maxRetries", e.cfg.MaxRetries,
	)

	go func() {
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()
		defer e.logger.Infow("Redemption engine stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.ProcessQueueNow(ctx)
			}
		}
	}()
}

// ProcessQueueNow runs one scheduler tick synchronously.
func (e *RedemptionEngine) ProcessQueueNow(ctx context.Context) {
	batch := e.claimDueJobs()
	if len(batch) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, job := range batch {
		job := job
		g.Go(func() error {
			e.processJob(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

// claimDueJobs picks due jobs awaiting either phase. A job that already
// burned waits in withdrawing between retries, never back in pending.
func (e *RedemptionEngine) claimDueJobs() []*RedemptionJob {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var batch []*RedemptionJob
	for _, job := range e.jobs {
		if len(batch) >= e.cfg.BatchSize {
			break
		}
		if job.Status != StatusPending && job.Status != StatusWithdrawing {
			continue
		}
		if e.inflight[job.ID] || job.NextRetryAt.After(now) {
			continue
		}
		e.inflight[job.ID] = true
		job.Attempts++
		job.UpdatedAt = now
		batch = append(batch, job)
	}
	return batch
}

func (e *RedemptionEngine) processJob(ctx context.Context, job *RedemptionJob) {
	e.metrics.JobStarted(ctx)
	defer e.metrics.JobFinished(ctx)
	defer func() {
		e.mu.Lock()
		delete(e.inflight, job.ID)
		e.mu.Unlock()
	}()

	if !e.phase(job).Burned() {
		if err := e.burn(ctx, job); err != nil {
			e.handleFailure(ctx, job, err)
			return
		}
	}

	if err := e.withdraw(ctx, job); err != nil {
		e.handleFailure(ctx, job, err)
		return
	}

	now := time.Now()
	e.mu.Lock()
	job.Status = StatusCompleted
	job.Err = ""
	job.UpdatedAt = now
	e.redeemed = e.redeemed.Add(job.Amount)
	latency := now.Sub(job.CreatedAt)
	e.latSum += latency
	e.latCnt++
	e.mu.Unlock()

	f, _ := job.Amount.Float64()
	e.metrics.RecordRedemptionCompleted(ctx, f, latency)

	e.logger.Infow("Redemption completed",
		"jobId", job.ID,
		"identity", job.UserIdentity,
		"amount", job.Amount.String(),
		"externalTxId", job.ExternalTxID,
		"confirmedRound", job.ConfirmedRound,
		"attempts", job.Attempts,
	)
}

func (e *RedemptionEngine) phase(job *RedemptionJob) RedemptionPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return job.Phase
}

// burn executes phase one. On success the phase advances to PhaseBurned and
// is never unwound; a later withdrawal failure resumes past the burn.
func (e *RedemptionEngine) burn(ctx context.Context, job *RedemptionJob) error {
	e.mu.Lock()
	job.Status = StatusBurning
	job.UpdatedAt = time.Now()
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	ref, err := e.ledger.AdminRedeem(callCtx, job.UserIdentity, job.Amount, job.DestinationAddress)
	cancel()
	if err != nil {
		return fmt.Errorf("burn ckNOVA: %w", err)
	}

	e.mu.Lock()
	job.Phase = PhaseBurned
	job.RedemptionRef = ref
	job.Status = StatusWithdrawing
	job.UpdatedAt = time.Now()
	e.mu.Unlock()

	e.logger.Infow("Redemption burned",
		"jobId", job.ID,
		"identity", job.UserIdentity,
		"amount", job.Amount.String(),
		"redemptionRef", ref,
	)
	return nil
}

// withdraw executes phase two: build the payment from the custody address,
// collect the threshold signature, and submit to the Nova network.
func (e *RedemptionEngine) withdraw(ctx context.Context, job *RedemptionJob) error {
	e.mu.Lock()
	job.Status = StatusWithdrawing
	custodyAddr := job.CustodyAddress
	job.UpdatedAt = time.Now()
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	if custodyAddr == "" {
		addr, err := e.addresses.CustodyAddressFor(callCtx, job.UserIdentity)
		if err != nil {
			return fmt.Errorf("resolve custody address: %w", err)
		}
		custodyAddr = addr
		e.mu.Lock()
		job.CustodyAddress = addr
		e.mu.Unlock()
	}

	params, err := e.chain.SuggestedParams(callCtx)
	if err != nil {
		return fmt.Errorf("suggested params: %w", err)
	}

	payment, err := chain.BuildPayment(custodyAddr, job.DestinationAddress, job.Amount, params, []byte(job.ID))
	if err != nil {
		return fmt.Errorf("build payment: %w", err)
	}

	signable, err := payment.SignableBytes()
	if err != nil {
		return fmt.Errorf("signable bytes: %w", err)
	}

	signature, err := e.signer.Sign(callCtx, job.UserIdentity, signable)
	if err != nil {
		return fmt.Errorf("threshold sign: %w", err)
	}

	signed, err := payment.AttachSignature(signature)
	if err != nil {
		return fmt.Errorf("attach signature: %w", err)
	}

	result, err := e.chain.SubmitTransaction(callCtx, signed)
	if err != nil {
		return fmt.Errorf("submit withdrawal: %w", err)
	}

	e.mu.Lock()
	job.Phase = PhaseSubmitted
	job.ExternalTxID = result.TxID
	job.UpdatedAt = time.Now()
	if result.ConfirmedRound > 0 {
		job.Phase = PhaseConfirmed
		job.ConfirmedRound = result.ConfirmedRound
	}
	e.mu.Unlock()

	return nil
}

func (e *RedemptionEngine) handleFailure(ctx context.Context, job *RedemptionJob, err error) {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	job.Err = err.Error()
	job.UpdatedAt = now

	var rejection *ledger.Rejection
	deterministic := errors.As(err, &rejection) && rejection.Deterministic()

	if deterministic || job.Attempts >= job.MaxRetries {
		job.Status = StatusFailed
		e.metrics.RecordRedemptionOutcome(ctx, string(StatusFailed))

		if job.Phase.Burned() {
			e.alerter.Trigger(ctx, alerts.New(
				"redemption_stuck",
				alerts.SeverityCritical,
				"Redemption burned ckNOVA but the withdrawal did not complete; funds are in an intermediate state and need urgent manual reconciliation",
				map[string]any{
					"jobId":         job.ID,
					"identity":      job.UserIdentity,
					"amount":        job.Amount.String(),
					"redemptionRef": job.RedemptionRef,
					"phase":         job.Phase.String(),
					"attempts":      job.Attempts,
					"error":         err.Error(),
				},
				true,
			))
		} else {
			e.alerter.Trigger(ctx, alerts.New(
				"redemption_failed",
				alerts.SeverityHigh,
				"Redemption failed before the burn; no tokens were destroyed",
				map[string]any{
					"jobId":    job.ID,
					"identity": job.UserIdentity,
					"amount":   job.Amount.String(),
					"attempts": job.Attempts,
					"error":    err.Error(),
				},
				true,
			))
		}

		e.logger.Errorw("Redemption job failed permanently",
			"jobId", job.ID,
			"phase", job.Phase.String(),
			"attempts", job.Attempts,
			"deterministic", deterministic,
			"error", err,
		)
		return
	}

	delay := RetryDelay(e.cfg.BaseDelay, e.cfg.CapDelay, job.Attempts)
	job.NextRetryAt = now.Add(delay)
	if job.Phase.Burned() {
		// Resume at the withdrawal; the burn is done and stays done.
		job.Status = StatusWithdrawing
	} else {
		job.Status = StatusPending
	}

	e.logger.Warnw("Redemption attempt failed; re-armed",
		"jobId", job.ID,
		"phase", job.Phase.String(),
		"status", job.Status,
		"attempt", job.Attempts,
		"nextRetryIn", delay,
		"error", err,
	)
}

// Job returns a copy of the job with the given id.
func (e *RedemptionEngine) Job(id string) (RedemptionJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return RedemptionJob{}, ErrNotFound
	}
	return *job, nil
}

// CancelJob cancels a redemption that has not burned yet. Once the burn
// completed cancellation is impossible; the tokens are gone.
func (e *RedemptionEngine) CancelJob(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if e.inflight[id] || job.Phase.Burned() || job.Status != StatusPending {
		return fmt.Errorf("%w: phase %s, status %s", ErrNotCancellable, job.Phase.String(), job.Status)
	}
	job.Status = StatusCancelled
	job.UpdatedAt = time.Now()
	return nil
}

// RetryJob re-arms a permanently failed job after operator review. Attempts
// reset; the phase marker is preserved so a completed burn is not repeated.
func (e *RedemptionEngine) RetryJob(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusFailed {
		return fmt.Errorf("%w: status %s", ErrNotRetryable, job.Status)
	}
	job.Attempts = 0
	job.NextRetryAt = time.Time{}
	job.Err = ""
	if job.Phase.Burned() {
		job.Status = StatusWithdrawing
	} else {
		job.Status = StatusPending
	}
	job.UpdatedAt = time.Now()
	return nil
}

// CleanupOldJobs drops terminal jobs whose last update is older than maxAge.
func (e *RedemptionEngine) CleanupOldJobs(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, job := range e.jobs {
		if !job.Status.Terminal() || job.UpdatedAt.After(cutoff) {
			continue
		}
		delete(e.jobs, id)
		removed++
	}
	if removed > 0 {
		e.logger.Infow("Old redemption jobs purged", "count", removed)
	}
	return removed
}

// Stats summarizes the job map. Burning and withdrawing count as processing.
func (e *RedemptionEngine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := EngineStats{TotalAmount: e.redeemed}
	for _, job := range e.jobs {
		switch job.Status {
		case StatusPending:
			stats.Pending++
		case StatusBurning, StatusWithdrawing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	if terminal := stats.Completed + stats.Failed; terminal > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(terminal)
	}
	if e.latCnt > 0 {
		stats.AvgCompletionLatency = e.latSum / time.Duration(e.latCnt)
	}
	return stats
}
