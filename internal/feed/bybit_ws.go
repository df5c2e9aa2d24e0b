// Package feed streams public trade ticks from the Bybit v5 WebSocket into
// the engine's tick handler.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bitsimlab/levtrade/internal/domain"
)

const (
	// DefaultWSURL is the Bybit v5 public linear perpetuals stream.
	DefaultWSURL = "wss://stream.bybit.com/v5/public/linear"

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// readWait bounds the silence tolerated on the connection. Bybit answers
	// application-level pings, so a healthy connection always has traffic
	// within this window.
	readWait = 60 * time.Second

	// pingPeriod sends the Bybit application-level ping at this interval.
	// Bybit recommends 20 seconds.
	pingPeriod = 20 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TickHandler is called for each trade tick received from the stream.
type TickHandler func(ctx context.Context, t domain.Tick)

// wsRequest is the Bybit v5 command envelope (subscribe, ping).
type wsRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// tradeMessage is the Bybit v5 publicTrade push frame. Prices and sizes come
// over the wire as strings.
type tradeMessage struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	TS    int64  `json:"ts"`
	Data  []struct {
		TradeTime int64  `json:"T"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Size      string `json:"v"`
	} `json:"data"`
}

// BybitWSFeed connects to the Bybit public trade stream, subscribes to
// publicTrade.{SYMBOL} for the configured symbols, and invokes the handler
// for every trade. It reconnects with exponential backoff on disconnect.
type BybitWSFeed struct {
	wsURL   string
	symbols []string
	handler TickHandler
	logger  *slog.Logger

	// writeMu serializes all writes to the active connection. gorilla allows
	// only one concurrent writer; the ping loop and the shutdown watcher both
	// write.
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// NewBybitWSFeed creates a feed for the given symbols. An empty wsURL falls
// back to DefaultWSURL.
func NewBybitWSFeed(wsURL string, symbols []string, handler TickHandler, logger *slog.Logger) *BybitWSFeed {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &BybitWSFeed{
		wsURL:   wsURL,
		symbols: symbols,
		handler: handler,
		logger:  logger.With(slog.String("component", "bybit_ws_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects and streams until ctx is cancelled or Close is called.
// Each disconnect is retried with exponential backoff; the backoff resets
// after a successful subscribe.
func (f *BybitWSFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-f.done:
			return nil
		default:
		}

		f.logger.Warn("bybit ws disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *BybitWSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// runConnection dials, subscribes, and pumps messages until the connection
// drops or ctx is cancelled. It always returns a non-nil error describing why
// the connection ended.
func (f *BybitWSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	topics := make([]string, 0, len(f.symbols))
	for _, sym := range f.symbols {
		topics = append(topics, "publicTrade."+sym)
	}

	if err := f.send(conn, wsRequest{Op: "subscribe", Args: topics}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("bybit ws subscribed", slog.Int("symbols", len(f.symbols)))

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = f.writeMessage(
				conn,
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			conn.Close()
		case <-f.done:
			conn.Close()
		case <-connDone:
		}
	}()

	go f.pingLoop(conn, connDone)

	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", domain.ErrWSDisconnect)
		}

		for _, tick := range parseTicks(message) {
			f.handler(ctx, tick)
		}
	}
}

// pingLoop sends the Bybit application-level ping until the connection ends.
func (f *BybitWSFeed) pingLoop(conn *websocket.Conn, connDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return
		case <-f.done:
			return
		case <-ticker.C:
			if err := f.send(conn, wsRequest{Op: "ping"}); err != nil {
				return
			}
		}
	}
}

func (f *BybitWSFeed) send(conn *websocket.Conn, req wsRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return f.writeMessage(conn, websocket.TextMessage, data)
}

// writeMessage is the single write path to the connection.
func (f *BybitWSFeed) writeMessage(conn *websocket.Conn, messageType int, data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

// parseTicks extracts trade ticks from a raw frame. Non-trade frames (pongs,
// subscribe acks) and malformed entries yield no ticks.
func parseTicks(raw []byte) []domain.Tick {
	var msg tradeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	if msg.Topic == "" || len(msg.Data) == 0 {
		return nil
	}

	ticks := make([]domain.Tick, 0, len(msg.Data))
	for _, trade := range msg.Data {
		price, err := strconv.ParseFloat(trade.Price, 64)
		if err != nil || price <= 0 || trade.Symbol == "" {
			continue
		}
		ticks = append(ticks, domain.Tick{
			Symbol:    trade.Symbol,
			Price:     price,
			Timestamp: time.UnixMilli(trade.TradeTime),
		})
	}
	return ticks
}
