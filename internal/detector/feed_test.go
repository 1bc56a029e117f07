package detector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/novabridge/novabridge-backend/internal/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collectingHandler struct {
	deposits chan bridge.PendingDeposit
}

func (h *collectingHandler) OnConfirmedDeposit(_ context.Context, deposit bridge.PendingDeposit) error {
	h.deposits <- deposit
	return nil
}

func TestFeedDeliversConfirmedDeposits(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// Garbage first; the feed must skip it and keep reading.
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		require.NoError(t, conn.WriteJSON(depositEvent{
			TxID:           "tx-ws-1",
			UserIdentity:   "principal-aaa",
			Amount:         "2.5",
			CustodyAddress: "nova1abababababababababababababababababab",
			Confirmations:  6,
		}))
		// Missing fields; dropped.
		require.NoError(t, conn.WriteJSON(depositEvent{TxID: "tx-ws-2"}))

		<-r.Context().Done()
	}))
	defer srv.Close()

	handler := &collectingHandler{deposits: make(chan bridge.PendingDeposit, 4)}
	feed, err := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), handler, zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed.Start(ctx)

	select {
	case deposit := <-handler.deposits:
		assert.Equal(t, "tx-ws-1", deposit.TxID)
		assert.Equal(t, "principal-aaa", deposit.UserIdentity)
		assert.Equal(t, "2.5", deposit.Amount.String())
		assert.Equal(t, uint64(6), deposit.Confirmations)
	case <-time.After(5 * time.Second):
		t.Fatal("deposit never delivered")
	}

	select {
	case deposit := <-handler.deposits:
		t.Fatalf("malformed event delivered: %+v", deposit)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewFeedValidation(t *testing.T) {
	_, err := NewFeed("", &collectingHandler{}, zap.NewNop().Sugar())
	assert.Error(t, err)

	_, err = NewFeed("ws://localhost:1", nil, zap.NewNop().Sugar())
	assert.Error(t, err)
}
