package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/novabridge/novabridge-backend/internal/bridge"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// depositEvent is the wire shape the detector gateway pushes once a transfer
// into a custody address has reached the confirmation depth.
type depositEvent struct {
	TxID           string `json:"txId"`
	UserIdentity   string `json:"userIdentity"`
	Amount         string `json:"amount"`
	CustodyAddress string `json:"custodyAddress"`
	Confirmations  uint64 `json:"confirmations"`
}

// Feed subscribes to the detector gateway over websocket and forwards
// confirmed deposits to the handler. The gateway may redeliver events after a
// reconnect; the handler dedupes by TxID.
type Feed struct {
	url     string
	handler bridge.DepositHandler
	logger  *zap.SugaredLogger

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

func NewFeed(url string, handler bridge.DepositHandler, logger *zap.SugaredLogger) (*Feed, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("detector feed enabled but missing websocket URL")
	}
	if handler == nil {
		return nil, fmt.Errorf("detector feed requires a deposit handler")
	}
	return &Feed{
		url:     url,
		handler: handler,
		logger:  logger,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}, nil
}

// Start runs the subscription loop until the context is cancelled. Connection
// loss triggers a reconnect with capped backoff; events arriving in between
// are redelivered by the gateway.
func (f *Feed) Start(ctx context.Context) {
	f.logger.Infow("Deposit detector feed starting", "url", f.url)

	go func() {
		defer f.logger.Infow("Deposit detector feed stopped")

		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}

			conn, err := f.dial(ctx, f.url)
			if err != nil {
				f.logger.Warnw("Detector connect failed; retrying",
					"url", f.url,
					"retryIn", backoff,
					"error", err,
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff *= 2; backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				continue
			}

			backoff = time.Second
			f.logger.Infow("Detector connected", "url", f.url)
			f.consume(ctx, conn)
		}
	}()
}

func (f *Feed) consume(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	// Unblock ReadMessage when the context goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warnw("Detector connection lost", "error", err)
			}
			return
		}
		f.processMessage(ctx, raw)
	}
}

func (f *Feed) processMessage(ctx context.Context, raw []byte) {
	var evt depositEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		f.logger.Warnw("Failed to decode deposit event", "error", err)
		return
	}
	if evt.TxID == "" || evt.UserIdentity == "" || evt.CustodyAddress == "" {
		f.logger.Warnw("Deposit event missing required fields", "txId", evt.TxID)
		return
	}

	amount, err := decimal.NewFromString(evt.Amount)
	if err != nil {
		f.logger.Warnw("Failed to parse deposit amount", "txId", evt.TxID, "amount", evt.Amount, "error", err)
		return
	}

	deposit := bridge.PendingDeposit{
		TxID:           evt.TxID,
		UserIdentity:   evt.UserIdentity,
		Amount:         amount,
		CustodyAddress: evt.CustodyAddress,
		Confirmations:  evt.Confirmations,
	}
	if err := f.handler.OnConfirmedDeposit(ctx, deposit); err != nil {
		f.logger.Warnw("Deposit handler rejected event",
			"txId", evt.TxID,
			"identity", evt.UserIdentity,
			"error", err,
		)
	}
}
