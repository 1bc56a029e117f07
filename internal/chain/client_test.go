package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, srv *httptest.Server) *HTTPClient {
	t.Helper()
	return NewHTTPClient(srv.URL, 2*time.Second, 1000, zap.NewNop().Sugar())
}

func TestAccountInfo(t *testing.T) {
	addr := testAddress(0xa)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/"+addr, r.URL.Path)
		json.NewEncoder(w).Encode(accountResponse{
			Address:      addr,
			BalanceMicro: 2_500_000,
			Round:        99,
		})
	}))
	defer srv.Close()

	info, err := newTestClient(t, srv).AccountInfo(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, "2.5", info.Balance.String())
	assert.Equal(t, uint64(99), info.Round)
}

func TestAccountInfoNotFoundIsZeroBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	info, err := newTestClient(t, srv).AccountInfo(context.Background(), testAddress(0xa))
	require.NoError(t, err)
	assert.False(t, info.Exists)
	assert.True(t, info.Balance.IsZero())
}

func TestAccountInfoRejectsMalformedAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for an invalid address")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).AccountInfo(context.Background(), "bogus")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestSubmitTransactionRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(SubmitResult{TxID: "NOVA-TX-9", ConfirmedRound: 123})
	}))
	defer srv.Close()

	result, err := newTestClient(t, srv).SubmitTransaction(context.Background(), []byte("signed"))
	require.NoError(t, err)
	assert.Equal(t, "NOVA-TX-9", result.TxID)
	assert.Equal(t, uint64(123), result.ConfirmedRound)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestSubmitTransactionClientErrorIsTerminal(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "malformed transaction", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).SubmitTransaction(context.Background(), []byte("signed"))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "4xx must not be retried")
}

func TestSuggestedParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions/params", r.URL.Path)
		json.NewEncoder(w).Encode(SuggestedParams{Fee: 1000, FirstValid: 10, LastValid: 1010, GenesisID: "nova-testnet"})
	}))
	defer srv.Close()

	params, err := newTestClient(t, srv).SuggestedParams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), params.Fee)
	assert.Equal(t, "nova-testnet", params.GenesisID)
}
