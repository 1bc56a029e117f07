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
	"github.com/novabridge/novabridge-backend/internal/ledger"
	"github.com/novabridge/novabridge-backend/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MintLedger is the slice of the ledger client the minting engine needs.
// The canister enforces at-most-once minting per deposit txId, which is what
// makes duplicate queuing and crash-retry safe.
type MintLedger interface {
	MintAfterDepositConfirmed(ctx context.Context, txID string) (decimal.Decimal, error)
}

// MintingConfig tunes the minting scheduler.
type MintingConfig struct {
	TickInterval time.Duration
	BatchSize    int
	Concurrency  int
	MaxRetries   int
	BaseDelay    time.Duration
	CapDelay     time.Duration
	CallTimeout  time.Duration
}

func (c *MintingConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.CapDelay <= 0 {
		c.CapDelay = 5 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// MintingEngine turns confirmed deposits into ckNOVA, exactly once per
// deposit txId. It owns its job map exclusively; all mutation happens under
// the engine's mutex from engine methods.
type MintingEngine struct {
	cfg MintingConfig

	mu      sync.Mutex
	jobs    map[string]*MintingJob
	byTxID  map[string]string // deposit txId -> job id
	minted  decimal.Decimal
	latSum  time.Duration
	latCnt  int64

	ledger  MintLedger
	pause   PauseChecker
	alerter alerts.Sink
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewMintingEngine(cfg MintingConfig, l MintLedger, pause PauseChecker, alerter alerts.Sink, logger *zap.SugaredLogger, m *metrics.Metrics) *MintingEngine {
	cfg.applyDefaults()
	return &MintingEngine{
		cfg:     cfg,
		jobs:    make(map[string]*MintingJob),
		byTxID:  make(map[string]string),
		minted:  decimal.Zero,
		ledger:  l,
		pause:   pause,
		alerter: alerter,
		logger:  logger,
		metrics: m,
	}
}

// QueueDeposit enqueues a confirmed deposit for minting. Requeuing the same
// txId returns the existing job id; detectors redeliver after crashes and
// that must be harmless.
func (e *MintingEngine) QueueDeposit(deposit PendingDeposit) (string, error) {
	if strings.TrimSpace(deposit.TxID) == "" {
		return "", fmt.Errorf("%w: missing deposit txId", ErrInvalidRequest)
	}
	if strings.TrimSpace(deposit.UserIdentity) == "" {
		return "", fmt.Errorf("%w: missing user identity", ErrInvalidRequest)
	}
	if !deposit.Amount.GreaterThan(decimal.Zero) {
		return "", fmt.Errorf("%w: deposit amount must be positive", ErrInvalidRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if jobID, ok := e.byTxID[deposit.TxID]; ok {
		e.logger.Debugw("Deposit already queued; returning existing job",
			"txId", deposit.TxID,
			"jobId", jobID,
		)
		return jobID, nil
	}

	now := time.Now()
	job := &MintingJob{
		ID:         uuid.NewString(),
		Deposit:    deposit,
		MaxRetries: e.cfg.MaxRetries,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.jobs[job.ID] = job
	e.byTxID[deposit.TxID] = job.ID

	e.logger.Infow("Deposit queued for minting",
		"jobId", job.ID,
		"txId", deposit.TxID,
		"identity", deposit.UserIdentity,
		"amount", deposit.Amount.String(),
		"confirmations", deposit.Confirmations,
	)
	return job.ID, nil
}

// depositHandlerAdapter exposes the engine behind the detector's
// single-method contract.
type depositHandlerAdapter struct {
	engine *MintingEngine
}

func (a depositHandlerAdapter) OnConfirmedDeposit(_ context.Context, deposit PendingDeposit) error {
	_, err := a.engine.QueueDeposit(deposit)
	return err
}

// DepositHandler returns the handler the deposit detector should invoke.
func (e *MintingEngine) DepositHandler() DepositHandler {
	return depositHandlerAdapter{engine: e}
}

// Start runs the scheduler until the context is cancelled.
func (e *MintingEngine) Start(ctx context.Context) {
	e.logger.Infow("Minting engine starting",
		"tickInterval", e.cfg.TickInterval,
		"batchSize", e.cfg.BatchSize,
		"concurrency", e.cfg.Concurrency,
	)

	go func() {
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()
		defer e.logger.Infow("Minting engine stopped")

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

// ProcessQueueNow runs one scheduler tick synchronously. Exposed for admin
// tooling and tests.
func (e *MintingEngine) ProcessQueueNow(ctx context.Context) {
	if e.pause != nil && e.pause.EmergencyPaused() {
		e.logger.Warnw("Minting paused by emergency flag; skipping tick")
		return
	}

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

// claimDueJobs moves up to BatchSize due pending jobs into processing and
// bumps their attempt counters.
func (e *MintingEngine) claimDueJobs() []*MintingJob {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var batch []*MintingJob
	for _, job := range e.jobs {
		if len(batch) >= e.cfg.BatchSize {
			break
		}
		if job.Status != StatusPending || job.NextRetryAt.After(now) {
			continue
		}
		job.Status = StatusProcessing
		job.Attempts++
		job.UpdatedAt = now
		batch = append(batch, job)
	}
	return batch
}

func (e *MintingEngine) processJob(ctx context.Context, job *MintingJob) {
	e.metrics.JobStarted(ctx)
	defer e.metrics.JobFinished(ctx)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	minted, err := e.ledger.MintAfterDepositConfirmed(callCtx, job.Deposit.TxID)
	cancel()

	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if job.Status == StatusCancelled {
		// Cancelled while the call was in flight; the ledger's own
		// idempotency makes whatever happened on the wire safe.
		return
	}

	if err == nil {
		if minted.IsZero() {
			minted = job.Deposit.Amount
		}
		job.Status = StatusCompleted
		job.AmountMinted = minted
		job.Err = ""
		job.UpdatedAt = now
		e.minted = e.minted.Add(minted)
		latency := now.Sub(job.CreatedAt)
		e.latSum += latency
		e.latCnt++
		f, _ := minted.Float64()
		e.metrics.RecordMintCompleted(ctx, f, latency)

		e.logger.Infow("Deposit minted",
			"jobId", job.ID,
			"txId", job.Deposit.TxID,
			"identity", job.Deposit.UserIdentity,
			"amountMinted", minted.String(),
			"attempts", job.Attempts,
			"latency", latency,
		)
		return
	}

	job.Err = err.Error()
	job.UpdatedAt = now

	var rejection *ledger.Rejection
	deterministic := errors.As(err, &rejection) && rejection.Deterministic()

	if deterministic || job.Attempts >= job.MaxRetries {
		job.Status = StatusFailed
		e.metrics.RecordMintOutcome(ctx, string(StatusFailed))
		e.alerter.Trigger(ctx, alerts.New(
			"mint_failed",
			alerts.SeverityHigh,
			"Minting job exhausted retries; deposit may be stuck pre-mint and requires manual investigation",
			map[string]any{
				"jobId":    job.ID,
				"txId":     job.Deposit.TxID,
				"identity": job.Deposit.UserIdentity,
				"amount":   job.Deposit.Amount.String(),
				"attempts": job.Attempts,
				"error":    err.Error(),
			},
			true,
		))
		e.logger.Errorw("Minting job failed permanently",
			"jobId", job.ID,
			"txId", job.Deposit.TxID,
			"attempts", job.Attempts,
			"deterministic", deterministic,
			"error", err,
		)
		return
	}

	delay := RetryDelay(e.cfg.BaseDelay, e.cfg.CapDelay, job.Attempts)
	job.Status = StatusPending
	job.NextRetryAt = now.Add(delay)

	e.logger.Warnw("Minting attempt failed; re-armed",
		"jobId", job.ID,
		"txId", job.Deposit.TxID,
		"attempt", job.Attempts,
		"nextRetryIn", delay,
		"error", err,
	)
}

// Job returns a copy of the job with the given id.
func (e *MintingEngine) Job(id string) (MintingJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return MintingJob{}, ErrNotFound
	}
	return *job, nil
}

// JobForTxID resolves a job by its deposit txId.
func (e *MintingEngine) JobForTxID(txID string) (MintingJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if jobID, ok := e.byTxID[txID]; ok {
		return *e.jobs[jobID], nil
	}
	return MintingJob{}, ErrNotFound
}

// CancelJob cancels a job that has not started processing.
func (e *MintingEngine) CancelJob(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusPending {
		return fmt.Errorf("%w: status %s", ErrNotCancellable, job.Status)
	}
	job.Status = StatusCancelled
	job.UpdatedAt = time.Now()
	return nil
}

// RetryJob re-arms a permanently failed job after operator intervention.
func (e *MintingEngine) RetryJob(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusFailed {
		return fmt.Errorf("%w: status %s", ErrNotRetryable, job.Status)
	}
	job.Status = StatusPending
	job.Attempts = 0
	job.NextRetryAt = time.Time{}
	job.Err = ""
	job.UpdatedAt = time.Now()
	return nil
}

// CleanupOldJobs drops terminal jobs whose last update is older than maxAge.
func (e *MintingEngine) CleanupOldJobs(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, job := range e.jobs {
		if !job.Status.Terminal() || job.UpdatedAt.After(cutoff) {
			continue
		}
		delete(e.jobs, id)
		delete(e.byTxID, job.Deposit.TxID)
		removed++
	}
	if removed > 0 {
		e.logger.Infow("Old minting jobs purged", "count", removed)
	}
	return removed
}

// Stats summarizes the job map.
func (e *MintingEngine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := EngineStats{TotalAmount: e.minted}
	for _, job := range e.jobs {
		switch job.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
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
