// stream.go implements the broker's trade-update WebSocket feed.
//
// The stream authenticates with the account keys, subscribes to the
// trade_updates channel, and forwards order lifecycle events (fills, partial
// fills, cancellations, rejections) as typed TradeUpdates. The engine treats
// the stream as an accelerator only: fill verification never depends on it,
// because the reconciler and the fill poller both read order state over REST.
//
// The connection auto-reconnects with exponential backoff (1s → 30s max) and
// re-authenticates + re-subscribes on each reconnect. A read deadline (90s)
// detects silent server failures within ~2 missed pings.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"daytrader/internal/config"
	"daytrader/pkg/types"
)

const (
	streamPingInterval = 50 * time.Second
	streamReadTimeout  = 90 * time.Second
	streamMaxBackoff   = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
	updateBufferSize   = 128
)

// TradeStream maintains the trade_updates WebSocket connection.
type TradeStream struct {
	url       string
	apiKey    string
	apiSecret string

	connMu sync.Mutex
	conn   *websocket.Conn

	updates chan types.TradeUpdate
	logger  *slog.Logger
}

// NewTradeStream creates a trade-update feed. Call Run to connect.
func NewTradeStream(cfg config.BrokerConfig, logger *slog.Logger) *TradeStream {
	return &TradeStream{
		url:       cfg.StreamURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		updates:   make(chan types.TradeUpdate, updateBufferSize),
		logger:    logger.With("component", "trade_stream"),
	}
}

// Updates returns the read-only channel of order lifecycle events.
func (s *TradeStream) Updates() <-chan types.TradeUpdate { return s.updates }

// Run connects and maintains the stream with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *TradeStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("trade stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > streamMaxBackoff {
			backoff = streamMaxBackoff
		}
	}
}

// Close gracefully closes the connection.
func (s *TradeStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *TradeStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.writeJSON(map[string]any{
		"action": "auth",
		"key":    s.apiKey,
		"secret": s.apiSecret,
	}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := s.writeJSON(map[string]any{
		"action": "listen",
		"data":   map[string]any{"streams": []string{"trade_updates"}},
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("trade stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

func (s *TradeStream) dispatchMessage(data []byte) {
	var envelope struct {
		Stream string `json:"stream"`
		Data   struct {
			Event     string    `json:"event"`
			Timestamp time.Time `json:"timestamp"`
			Order     wireOrder `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}

	switch envelope.Stream {
	case "trade_updates":
		update := types.TradeUpdate{
			Event:     envelope.Data.Event,
			Order:     envelope.Data.Order.toOrder(),
			Timestamp: envelope.Data.Timestamp,
		}
		select {
		case s.updates <- update:
		default:
			// The reconciler re-reads order state over REST, so a dropped
			// update delays, never loses, a fill.
			s.logger.Warn("update channel full, dropping event",
				"event", update.Event, "symbol", update.Order.Symbol)
		}

	case "authorization", "listening":
		s.logger.Debug("stream control message", "stream", envelope.Stream)

	default:
		s.logger.Debug("unknown stream", "stream", envelope.Stream)
	}
}

func (s *TradeStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writePing(); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *TradeStream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *TradeStream) writePing() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}
