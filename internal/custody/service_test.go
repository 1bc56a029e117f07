package custody

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/novabridge/novabridge-backend/internal/chain"
	"github.com/novabridge/novabridge-backend/internal/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSigner struct {
	deriveErr error
	derived   map[string]signer.DerivedKey
}

func (f *fakeSigner) DeriveAddress(_ context.Context, identity string) (signer.DerivedKey, error) {
	if f.deriveErr != nil {
		return signer.DerivedKey{}, f.deriveErr
	}
	if key, ok := f.derived[identity]; ok {
		return key, nil
	}
	pub := []byte("pubkey-for-" + identity)
	addr, _ := chain.AddressFromPublicKey(pub)
	key := signer.DerivedKey{Address: addr, PublicKey: pub}
	if f.derived == nil {
		f.derived = make(map[string]signer.DerivedKey)
	}
	f.derived[identity] = key
	return key, nil
}

func (f *fakeSigner) Sign(_ context.Context, _ string, _ []byte) ([]byte, error) {
	return []byte("sig"), nil
}

type fakeRegistrar struct {
	calls int
	err   error
}

func (f *fakeRegistrar) GenerateDepositAddress(_ context.Context, identity string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "registered-" + identity, nil
}

func newTestService(sig signer.Signer, reg Registrar) *Service {
	return NewService(sig, reg, zap.NewNop().Sugar())
}

func TestGenerateAddressDeterministic(t *testing.T) {
	svc := newTestService(&fakeSigner{}, &fakeRegistrar{})

	first, err := svc.GenerateAddress(context.Background(), "principal-aaa", PurposeDeposit, nil)
	require.NoError(t, err)
	assert.True(t, first.ControlledByThresholdSignatures)
	assert.True(t, first.LedgerRegistered)
	assert.Equal(t, "user:principal-aaa", first.DerivationTag)
	assert.True(t, chain.IsValidAddress(first.Address))

	second, err := svc.GenerateAddress(context.Background(), "principal-aaa", PurposeDeposit, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Address, second.Address)

	// One on-chain address per identity, however many times it is requested.
	assert.Len(t, svc.AllControlledAddresses(), 1)
}

func TestGenerateAddressSignerFailure(t *testing.T) {
	svc := newTestService(&fakeSigner{deriveErr: errors.New("signer down")}, &fakeRegistrar{})

	_, err := svc.GenerateAddress(context.Background(), "principal-aaa", PurposeDeposit, nil)
	require.Error(t, err)
	assert.Empty(t, svc.AllControlledAddresses())
}

func TestGenerateAddressRegistrationDegrades(t *testing.T) {
	reg := &fakeRegistrar{err: errors.New("ledger busy")}
	svc := newTestService(&fakeSigner{}, reg)

	record, err := svc.GenerateAddress(context.Background(), "principal-aaa", PurposeDeposit, nil)
	require.NoError(t, err)
	assert.False(t, record.LedgerRegistered)
	assert.True(t, chain.IsValidAddress(record.Address))
}

func TestVerifyControl(t *testing.T) {
	sig := &fakeSigner{}
	svc := newTestService(sig, &fakeRegistrar{})

	record, err := svc.GenerateAddress(context.Background(), "principal-aaa", PurposeDeposit, nil)
	require.NoError(t, err)

	ok, err := svc.VerifyControl(context.Background(), record.Address)
	require.NoError(t, err)
	assert.True(t, ok)

	// Signer derivation drifted: the record can no longer be trusted.
	drifted, _ := chain.AddressFromPublicKey([]byte("different-key"))
	sig.derived["principal-aaa"] = signer.DerivedKey{Address: drifted, PublicKey: []byte("different-key")}

	ok, err = svc.VerifyControl(context.Background(), record.Address)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.VerifyControl(context.Background(), "nova1"+record.Address[5:10])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCustodyAddressFor(t *testing.T) {
	svc := newTestService(&fakeSigner{}, &fakeRegistrar{})

	addr, err := svc.CustodyAddressFor(context.Background(), "principal-aaa")
	require.NoError(t, err)
	assert.True(t, chain.IsValidAddress(addr))

	again, err := svc.CustodyAddressFor(context.Background(), "principal-aaa")
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestCleanupExpired(t *testing.T) {
	svc := newTestService(&fakeSigner{}, &fakeRegistrar{})

	deposit, err := svc.GenerateAddress(context.Background(), "keeper", PurposeDeposit, nil)
	require.NoError(t, err)
	temp, err := svc.GenerateAddress(context.Background(), "drifter", PurposeTemporary, nil)
	require.NoError(t, err)

	svc.mu.Lock()
	svc.byAddress[deposit.Address].CreatedAt = time.Now().Add(-48 * time.Hour)
	svc.byAddress[temp.Address].CreatedAt = time.Now().Add(-48 * time.Hour)
	svc.mu.Unlock()

	removed := svc.CleanupExpired(24 * time.Hour)
	assert.Equal(t, 1, removed)

	_, err = svc.RecordForAddress(deposit.Address)
	assert.NoError(t, err)
	_, err = svc.RecordForAddress(temp.Address)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, svc.ListAddressesForUser("drifter"))
}
