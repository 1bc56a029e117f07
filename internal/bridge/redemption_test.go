package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/novabridge/novabridge-backend/internal/alerts"
	"github.com/novabridge/novabridge-backend/internal/chain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBurnLedger struct {
	mu    sync.Mutex
	calls int
	burn  func() (string, error)
}

func (f *fakeBurnLedger) AdminRedeem(_ context.Context, _ string, _ decimal.Decimal, _ string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.burn != nil {
		return f.burn()
	}
	return "redeem-ref-1", nil
}

func (f *fakeBurnLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTxSigner struct{}

func (fakeTxSigner) Sign(_ context.Context, _ string, _ []byte) ([]byte, error) {
	return []byte("threshold-signature"), nil
}

type fakeChain struct {
	mu      sync.Mutex
	submits int
	submit  func() (chain.SubmitResult, error)
}

func (f *fakeChain) AccountInfo(_ context.Context, address string) (chain.AccountInfo, error) {
	return chain.AccountInfo{Address: address, Balance: decimal.NewFromInt(100), Exists: true}, nil
}

func (f *fakeChain) SuggestedParams(_ context.Context) (chain.SuggestedParams, error) {
	return chain.SuggestedParams{Fee: 1000, FirstValid: 10, LastValid: 1010, GenesisID: "nova-test"}, nil
}

func (f *fakeChain) SubmitTransaction(_ context.Context, _ []byte) (chain.SubmitResult, error) {
	f.mu.Lock()
	f.submits++
	f.mu.Unlock()
	if f.submit != nil {
		return f.submit()
	}
	return chain.SubmitResult{TxID: "NOVA-TX-1", ConfirmedRound: 42}, nil
}

type fakeAddressSource struct{ address string }

func (f fakeAddressSource) CustodyAddressFor(_ context.Context, _ string) (string, error) {
	return f.address, nil
}

func validNovaAddress(b string) string {
	out := "nova1"
	for len(out) < len("nova1")+40 {
		out += b
	}
	return out
}

func newRedeemEngine(t *testing.T, cfg RedemptionConfig, l BurnLedger, ch chain.Client, sink alerts.Sink) *RedemptionEngine {
	t.Helper()
	if cfg.MinAmount.IsZero() {
		cfg.MinAmount = decimal.RequireFromString("0.1")
	}
	if cfg.MaxAmount.IsZero() {
		cfg.MaxAmount = decimal.NewFromInt(10)
	}
	return NewRedemptionEngine(
		cfg,
		l,
		fakeTxSigner{},
		ch,
		fakeAddressSource{address: validNovaAddress("ab")},
		sink,
		zap.NewNop().Sugar(),
		nil,
	)
}

func TestQueueRedemptionBounds(t *testing.T) {
	burnLedger := &fakeBurnLedger{}
	engine := newRedeemEngine(t, RedemptionConfig{}, burnLedger, &fakeChain{}, &fakeSink{})
	dest := validNovaAddress("cd")

	testCases := []struct {
		name   string
		amount string
		dest   string
	}{
		{name: "above max", amount: "15", dest: dest},
		{name: "below min", amount: "0.05", dest: dest},
		{name: "bad destination", amount: "5", dest: "nova1short"},
		{name: "wrong prefix", amount: "5", dest: "algo1" + validNovaAddress("ef")[5:]},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			jobID, err := engine.QueueRedemption("principal-bbb", decimal.RequireFromString(tc.amount), tc.dest)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, jobID)
		})
	}

	engine.ProcessQueueNow(context.Background())
	assert.Equal(t, 0, burnLedger.callCount())
	assert.Equal(t, 0, engine.Stats().Pending)
}

func TestRedemptionHappyPath(t *testing.T) {
	burnLedger := &fakeBurnLedger{}
	novaChain := &fakeChain{}
	engine := newRedeemEngine(t, RedemptionConfig{}, burnLedger, novaChain, &fakeSink{})

	jobID, err := engine.QueueRedemption("principal-bbb", decimal.NewFromInt(5), validNovaAddress("cd"))
	require.NoError(t, err)

	engine.ProcessQueueNow(context.Background())

	job, err := engine.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, PhaseConfirmed, job.Phase)
	assert.Equal(t, "redeem-ref-1", job.RedemptionRef)
	assert.Equal(t, "NOVA-TX-1", job.ExternalTxID)
	assert.Equal(t, uint64(42), job.ConfirmedRound)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, burnLedger.callCount())
	assert.Equal(t, 1, novaChain.submits)
}

func TestWithdrawFailureResumesPastBurn(t *testing.T) {
	burnLedger := &fakeBurnLedger{}
	failOnce := true
	novaChain := &fakeChain{
		submit: func() (chain.SubmitResult, error) {
			if failOnce {
				failOnce = false
				return chain.SubmitResult{}, errors.New("network timeout")
			}
			return chain.SubmitResult{TxID: "NOVA-TX-2", ConfirmedRound: 77}, nil
		},
	}
	engine := newRedeemEngine(t, RedemptionConfig{MaxRetries: 3}, burnLedger, novaChain, &fakeSink{})

	jobID, err := engine.QueueRedemption("principal-bbb", decimal.NewFromInt(5), validNovaAddress("cd"))
	require.NoError(t, err)

	engine.ProcessQueueNow(context.Background())

	job, err := engine.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusWithdrawing, job.Status, "burned job must wait in withdrawing, not pending")
	assert.Equal(t, PhaseBurned, job.Phase)
	assert.Equal(t, 1, burnLedger.callCount())

	engine.mu.Lock()
	engine.jobs[jobID].NextRetryAt = time.Time{}
	engine.mu.Unlock()

	engine.ProcessQueueNow(context.Background())

	job, err = engine.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, PhaseConfirmed, job.Phase)
	assert.Equal(t, "NOVA-TX-2", job.ExternalTxID)
	assert.Equal(t, 2, job.Attempts)

	// The burn never ran a second time.
	assert.Equal(t, 1, burnLedger.callCount())
}

func TestPhaseNeverRegresses(t *testing.T) {
	burnLedger := &fakeBurnLedger{}
	novaChain := &fakeChain{
		submit: func() (chain.SubmitResult, error) {
			return chain.SubmitResult{}, errors.New("always down")
		},
	}
	engine := newRedeemEngine(t, RedemptionConfig{MaxRetries: 4}, burnLedger, novaChain, &fakeSink{})

	jobID, err := engine.QueueRedemption("principal-bbb", decimal.NewFromInt(5), validNovaAddress("cd"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		engine.ProcessQueueNow(context.Background())
		job, err := engine.Job(jobID)
		require.NoError(t, err)
		assert.True(t, job.Phase.Burned(), "pass %d", i)

		engine.mu.Lock()
		engine.jobs[jobID].NextRetryAt = time.Time{}
		engine.mu.Unlock()
	}
	assert.Equal(t, 1, burnLedger.callCount())
}

func TestCancelOnlyBeforeBurn(t *testing.T) {
	burnLedger := &fakeBurnLedger{}
	novaChain := &fakeChain{
		submit: func() (chain.SubmitResult, error) {
			return chain.SubmitResult{}, errors.New("down")
		},
	}
	engine := newRedeemEngine(t, RedemptionConfig{MaxRetries: 5}, burnLedger, novaChain, &fakeSink{})

	jobID, err := engine.QueueRedemption("principal-bbb", decimal.NewFromInt(5), validNovaAddress("cd"))
	require.NoError(t, err)

	// Still pending, never burned: cancellable.
	require.NoError(t, engine.CancelJob(jobID))

	jobID2, err := engine.QueueRedemption("principal-bbb", decimal.NewFromInt(5), validNovaAddress("cd"))
	require.NoError(t, err)
	engine.ProcessQueueNow(context.Background())

	job, err := engine.Job(jobID2)
	require.NoError(t, err)
	require.True(t, job.Phase.Burned())
	assert.ErrorIs(t, engine.CancelJob(jobID2), ErrNotCancellable)
}

func TestExhaustedAfterBurnRaisesCriticalAlert(t *testing.T) {
	burnLedger := &fakeBurnLedger{}
	novaChain := &fakeChain{
		submit: func() (chain.SubmitResult, error) {
			return chain.SubmitResult{}, errors.New("down")
		},
	}
	sink := &fakeSink{}
	engine := newRedeemEngine(t, RedemptionConfig{MaxRetries: 1}, burnLedger, novaChain, sink)

	jobID, err := engine.QueueRedemption("principal-bbb", decimal.NewFromInt(5), validNovaAddress("cd"))
	require.NoError(t, err)

	engine.ProcessQueueNow(context.Background())

	job, err := engine.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, PhaseBurned, job.Phase)

	triggered := sink.all()
	require.Len(t, triggered, 1)
	assert.Equal(t, "redemption_stuck", triggered[0].Type)
	assert.Equal(t, alerts.SeverityCritical, triggered[0].Severity)
	assert.True(t, triggered[0].ActionRequired)
}

func TestExhaustedBeforeBurnRaisesHighAlert(t *testing.T) {
	burnLedger := &fakeBurnLedger{
		burn: func() (string, error) {
			return "", errors.New("ledger unreachable")
		},
	}
	sink := &fakeSink{}
	engine := newRedeemEngine(t, RedemptionConfig{MaxRetries: 1}, burnLedger, &fakeChain{}, sink)

	jobID, err := engine.QueueRedemption("principal-bbb", decimal.NewFromInt(5), validNovaAddress("cd"))
	require.NoError(t, err)

	engine.ProcessQueueNow(context.Background())

	job, err := engine.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, PhaseNotStarted, job.Phase)

	triggered := sink.all()
	require.Len(t, triggered, 1)
	assert.Equal(t, "redemption_failed", triggered[0].Type)
	assert.Equal(t, alerts.SeverityHigh, triggered[0].Severity)
}

func TestRetryFailedRedemptionPreservesPhase(t *testing.T) {
	burnLedger := &fakeBurnLedger{}
	novaChain := &fakeChain{
		submit: func() (chain.SubmitResult, error) {
			return chain.SubmitResult{}, errors.New("down")
		},
	}
	engine := newRedeemEngine(t, RedemptionConfig{MaxRetries: 1}, burnLedger, novaChain, &fakeSink{})

	jobID, err := engine.QueueRedemption("principal-bbb", decimal.NewFromInt(5), validNovaAddress("cd"))
	require.NoError(t, err)

	engine.ProcessQueueNow(context.Background())

	job, err := engine.Job(jobID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, job.Status)

	require.NoError(t, engine.RetryJob(jobID))

	job, err = engine.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusWithdrawing, job.Status)
	assert.Equal(t, PhaseBurned, job.Phase)
	assert.Equal(t, 0, job.Attempts)

	novaChain.submit = nil
	engine.ProcessQueueNow(context.Background())

	job, err = engine.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 1, burnLedger.callCount())
}
