package reserve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/novabridge/novabridge-backend/internal/alerts"
	"github.com/novabridge/novabridge-backend/internal/chain"
	"github.com/novabridge/novabridge-backend/internal/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChain struct {
	balances map[string]decimal.Decimal
	err      error
}

func (f *fakeChain) AccountInfo(_ context.Context, address string) (chain.AccountInfo, error) {
	if f.err != nil {
		return chain.AccountInfo{}, f.err
	}
	bal, ok := f.balances[address]
	if !ok {
		return chain.AccountInfo{Address: address, Exists: false}, nil
	}
	return chain.AccountInfo{Address: address, Balance: bal, Exists: true}, nil
}

func (f *fakeChain) SuggestedParams(_ context.Context) (chain.SuggestedParams, error) {
	return chain.SuggestedParams{}, nil
}

func (f *fakeChain) SubmitTransaction(_ context.Context, _ []byte) (chain.SubmitResult, error) {
	return chain.SubmitResult{}, nil
}

type fakeSupply struct {
	supply   decimal.Decimal
	snapshot ledger.ReserveSnapshot
	snapErr  error
}

func (f *fakeSupply) TotalSupply(_ context.Context) (decimal.Decimal, error) {
	return f.supply, nil
}

func (f *fakeSupply) ReserveSnapshot(_ context.Context) (ledger.ReserveSnapshot, error) {
	if f.snapErr != nil {
		return ledger.ReserveSnapshot{}, f.snapErr
	}
	return f.snapshot, nil
}

type fakeAddresses struct{ addrs []string }

func (f fakeAddresses) AllControlledAddresses() []string { return f.addrs }

type fakeSink struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (f *fakeSink) Trigger(_ context.Context, alert alerts.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

const (
	addrA = "nova1abababababababababababababababababab"
	addrB = "nova1cdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcd"
)

func newTestService(ch *fakeChain, l *fakeSupply, addrs []string, sink *fakeSink) *Service {
	return NewService(time.Minute, ch, l, fakeAddresses{addrs: addrs}, nil, sink, zap.NewNop().Sugar(), nil)
}

func TestVacuousBackingWhenSupplyZero(t *testing.T) {
	ch := &fakeChain{balances: map[string]decimal.Decimal{}}
	l := &fakeSupply{supply: decimal.Zero}
	svc := newTestService(ch, l, nil, &fakeSink{})

	status, err := svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.ReserveRatio.Equal(decimal.NewFromInt(1)))
	assert.True(t, status.IsHealthy)
}

func TestReserveRatioFromChainScan(t *testing.T) {
	ch := &fakeChain{balances: map[string]decimal.Decimal{
		addrA: decimal.NewFromInt(60),
		addrB: decimal.NewFromInt(45),
	}}
	l := &fakeSupply{supply: decimal.NewFromInt(100)}
	svc := newTestService(ch, l, []string{addrA, addrB}, &fakeSink{})

	status, err := svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "105", status.LockedExternalReserves.String())
	assert.Equal(t, "1.05", status.ReserveRatio.String())
	assert.True(t, status.IsHealthy)
	assert.Len(t, status.CustodyAddresses, 2)
}

func TestLedgerAggregateFallback(t *testing.T) {
	ch := &fakeChain{err: errors.New("rpc down")}
	l := &fakeSupply{
		supply: decimal.NewFromInt(100),
		snapshot: ledger.ReserveSnapshot{
			LockedReserves: decimal.NewFromInt(120),
			TotalSupply:    decimal.NewFromInt(100),
		},
	}
	svc := newTestService(ch, l, []string{addrA}, &fakeSink{})

	status, err := svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "120", status.LockedExternalReserves.String())
	assert.True(t, status.IsHealthy)
}

func TestBothSourcesFailing(t *testing.T) {
	ch := &fakeChain{err: errors.New("rpc down")}
	l := &fakeSupply{supply: decimal.NewFromInt(100), snapErr: errors.New("canister down")}
	svc := newTestService(ch, l, []string{addrA}, &fakeSink{})

	_, err := svc.GetStatus(context.Background())
	assert.Error(t, err)
}

func TestUnhealthyTransitionAlertsOnce(t *testing.T) {
	ch := &fakeChain{balances: map[string]decimal.Decimal{addrA: decimal.NewFromInt(80)}}
	l := &fakeSupply{supply: decimal.NewFromInt(100)}
	sink := &fakeSink{}
	svc := newTestService(ch, l, []string{addrA}, sink)

	status, err := svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.IsHealthy)
	assert.Equal(t, 1, sink.count())

	// Still unhealthy: no second alert.
	_, err = svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count())

	// Recovered, then degrades again: a fresh alert fires.
	ch.balances[addrA] = decimal.NewFromInt(150)
	_, err = svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count())

	ch.balances[addrA] = decimal.NewFromInt(80)
	_, err = svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sink.count())
}

func TestEmergencyPauseFlag(t *testing.T) {
	ch := &fakeChain{balances: map[string]decimal.Decimal{}}
	l := &fakeSupply{supply: decimal.Zero}
	svc := newTestService(ch, l, nil, &fakeSink{})

	assert.False(t, svc.EmergencyPaused())
	svc.SetEmergencyPaused(true)
	assert.True(t, svc.EmergencyPaused())

	status, err := svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.EmergencyPaused)

	svc.SetEmergencyPaused(false)
	assert.False(t, svc.EmergencyPaused())
}
