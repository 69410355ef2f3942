package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrFeedUnavailable = errors.New("confirmation feed unavailable")

const (
	txStatusPending   = "pending"
	txStatusConfirmed = "confirmed"
	txStatusFailed    = "failed"
)

// TxUpdate is a settlement notice for one submitted transaction.
type TxUpdate struct {
	Type        string          `json:"type"`
	TxRef       string          `json:"tx_ref"`
	Status      string          `json:"status"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	PositionRef string          `json:"position_ref,omitempty"`
	Error       *apiError       `json:"error,omitempty"`
}

type subscribeMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// ConfirmationFeed listens on the venue websocket for transaction settlement
// and wakes callers waiting on a tx ref.
type ConfirmationFeed struct {
	url            string
	reconnectDelay time.Duration
	maxReconnects  int
	logger         *logrus.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	lost      chan struct{}
	closed    bool
	waiters   map[string][]chan TxUpdate
	// settled holds updates that arrived before anyone waited on them.
	settled      map[string]TxUpdate
	settledOrder []string
	maxSettled   int
}

func NewConfirmationFeed(url string, reconnectDelay time.Duration, maxReconnects int, logger *logrus.Logger) *ConfirmationFeed {
	return &ConfirmationFeed{
		url:            url,
		reconnectDelay: reconnectDelay,
		maxReconnects:  maxReconnects,
		logger:         logger,
		waiters:        make(map[string][]chan TxUpdate),
		settled:        make(map[string]TxUpdate),
		maxSettled:     4096,
	}
}

func (f *ConfirmationFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connected {
		return nil
	}
	if f.closed {
		return ErrFeedUnavailable
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to confirmation feed: %w", err)
	}

	if err := conn.WriteJSON(subscribeMessage{Type: "subscribe", Channels: []string{"tx_updates"}}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to tx updates: %w", err)
	}

	f.conn = conn
	f.connected = true
	f.lost = make(chan struct{})

	go f.readLoop(ctx, conn)
	go f.keepAlive(ctx, conn)

	f.logger.WithField("url", f.url).Info("Connected to confirmation feed")
	return nil
}

func (f *ConfirmationFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Wait blocks until txRef settles, ctx ends or the feed drops.
func (f *ConfirmationFeed) Wait(ctx context.Context, txRef string) (*TxUpdate, error) {
	f.mu.Lock()
	if u, ok := f.settled[txRef]; ok {
		delete(f.settled, txRef)
		f.mu.Unlock()
		return &u, nil
	}
	if !f.connected {
		f.mu.Unlock()
		return nil, ErrFeedUnavailable
	}
	ch := make(chan TxUpdate, 1)
	f.waiters[txRef] = append(f.waiters[txRef], ch)
	lost := f.lost
	f.mu.Unlock()

	select {
	case u := <-ch:
		return &u, nil
	case <-lost:
		f.removeWaiter(txRef, ch)
		return nil, ErrFeedUnavailable
	case <-ctx.Done():
		f.removeWaiter(txRef, ch)
		return nil, ctx.Err()
	}
}

func (f *ConfirmationFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		f.disconnect(conn)
	}
	return nil
}

func (f *ConfirmationFeed) removeWaiter(txRef string, ch chan TxUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := f.waiters[txRef]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(f.waiters, txRef)
	} else {
		f.waiters[txRef] = list
	}
}

func (f *ConfirmationFeed) deliver(u TxUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if list, ok := f.waiters[u.TxRef]; ok {
		for _, ch := range list {
			ch <- u
		}
		delete(f.waiters, u.TxRef)
		return
	}

	if _, ok := f.settled[u.TxRef]; !ok {
		f.settledOrder = append(f.settledOrder, u.TxRef)
	}
	f.settled[u.TxRef] = u
	for len(f.settledOrder) > f.maxSettled {
		delete(f.settled, f.settledOrder[0])
		f.settledOrder = f.settledOrder[1:]
	}
}

func (f *ConfirmationFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.WithError(err).Error("Failed to read confirmation feed message")
			}
			f.handleDisconnect(ctx, conn)
			return
		}

		var u TxUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			f.logger.WithError(err).Warn("Skipping malformed confirmation feed message")
			continue
		}
		if u.Type != "tx_update" || u.TxRef == "" || u.Status == txStatusPending {
			continue
		}
		f.deliver(u)
	}
}

func (f *ConfirmationFeed) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.disconnect(conn)
			return
		case <-ticker.C:
			f.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			f.writeMu.Unlock()
			if err != nil {
				f.logger.WithError(err).Error("Failed to send ping")
				f.handleDisconnect(ctx, conn)
				return
			}
		}
	}
}

// disconnect tears down conn if it is still the live connection. Reports
// whether it did.
func (f *ConfirmationFeed) disconnect(conn *websocket.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != conn || !f.connected {
		return false
	}
	f.connected = false
	conn.Close()
	close(f.lost)
	return true
}

func (f *ConfirmationFeed) handleDisconnect(ctx context.Context, conn *websocket.Conn) {
	if !f.disconnect(conn) {
		return
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed || ctx.Err() != nil {
		return
	}
	go f.reconnect(ctx)
}

func (f *ConfirmationFeed) reconnect(ctx context.Context) {
	for attempt := 1; attempt <= f.maxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.reconnectDelay):
		}

		if err := f.Connect(ctx); err != nil {
			f.logger.WithError(err).WithField("attempt", attempt).Warn("Confirmation feed reconnect failed")
			continue
		}
		return
	}
	f.logger.WithField("max_reconnects", f.maxReconnects).Error("Giving up on confirmation feed, falling back to polling")
}
