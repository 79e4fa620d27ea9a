package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"confluence-trading-bot/internal/logging"
)

// TickerStream maintains a websocket subscription to the ticker and
// heartbeats channels. Reconnects with exponential backoff capped at 60s;
// after maxReconnects consecutive failures it gives up and reports fatal.
type TickerStream struct {
	wsURL         string
	productID     string
	minter        *TokenMinter
	maxReconnects int
	heartbeatGap  time.Duration

	onTicker func(Ticker)
	onFatal  func(error)

	mu       sync.Mutex
	conn     *websocket.Conn
	lastBeat time.Time
	running  bool

	log *logging.Logger
}

// NewTickerStream creates a stream for one product
func NewTickerStream(wsURL, productID string, minter *TokenMinter, heartbeatSecs, maxReconnects int) *TickerStream {
	return &TickerStream{
		wsURL:         wsURL,
		productID:     productID,
		minter:        minter,
		maxReconnects: maxReconnects,
		heartbeatGap:  time.Duration(heartbeatSecs) * time.Second,
		log:           logging.WithComponent("ticker_stream"),
	}
}

// OnTicker registers the tick callback. Must be set before Start.
func (s *TickerStream) OnTicker(fn func(Ticker)) {
	s.onTicker = fn
}

// OnFatal registers the callback invoked when reconnection is abandoned
func (s *TickerStream) OnFatal(fn func(error)) {
	s.onFatal = fn
}

// Start runs the stream until the context is cancelled
func (s *TickerStream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *TickerStream) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		failures++
		if failures > s.maxReconnects {
			s.log.Error("websocket reconnect limit reached", "failures", failures)
			if s.onFatal != nil {
				s.onFatal(fmt.Errorf("websocket gave up after %d reconnects: %w", failures, err))
			}
			return
		}

		backoff := time.Duration(1<<uint(failures-1)) * time.Second
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
		s.log.Warn("websocket disconnected, reconnecting",
			"attempt", failures, "backoff", backoff.String(), "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
	JWT        string   `json:"jwt,omitempty"`
}

type streamMessage struct {
	Channel string `json:"channel"`
	Events  []struct {
		Type    string `json:"type"`
		Tickers []struct {
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
			BestBid   string `json:"best_bid"`
			BestAsk   string `json:"best_ask"`
		} `json:"tickers"`
	} `json:"events"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *TickerStream) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.lastBeat = time.Now()
	s.mu.Unlock()

	// Token refreshed before every subscribe, never reused across sessions
	token, err := s.minter.MintWebsocket()
	if err != nil {
		return fmt.Errorf("mint websocket token: %w", err)
	}

	for _, channel := range []string{"heartbeats", "ticker"} {
		sub := subscribeMessage{
			Type:       "subscribe",
			ProductIDs: []string{s.productID},
			Channel:    channel,
			JWT:        token,
		}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	s.log.Info("websocket connected", "product", s.productID)

	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()
	go s.watchdog(watchdogCtx, conn)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn.SetReadDeadline(time.Now().Add(s.heartbeatGap + 10*time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		s.mu.Lock()
		s.lastBeat = time.Now()
		s.mu.Unlock()

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Warn("unparseable websocket message", "error", err)
			continue
		}
		if msg.Channel != "ticker" {
			continue
		}

		for _, event := range msg.Events {
			for _, raw := range event.Tickers {
				if raw.ProductID != s.productID {
					continue
				}
				ticker := Ticker{
					ProductID: raw.ProductID,
					Price:     parseFloat(raw.Price),
					BestBid:   parseFloat(raw.BestBid),
					BestAsk:   parseFloat(raw.BestAsk),
					Time:      msg.Timestamp,
				}
				if ticker.Price <= 0 {
					continue
				}
				if s.onTicker != nil {
					s.onTicker(ticker)
				}
			}
		}
	}
}

// watchdog force-closes the connection if no message arrives within the
// heartbeat window, which unblocks ReadMessage and triggers a reconnect
func (s *TickerStream) watchdog(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			silent := time.Since(s.lastBeat)
			s.mu.Unlock()

			if silent > s.heartbeatGap {
				s.log.Warn("heartbeat missed, forcing reconnect", "silent", silent.String())
				conn.Close()
				return
			}
		}
	}
}
