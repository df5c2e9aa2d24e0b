package feed

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTicksTradeFrame(t *testing.T) {
	raw := []byte(`{
		"topic": "publicTrade.BTCUSDT",
		"type": "snapshot",
		"ts": 1672304486868,
		"data": [
			{"T": 1672304486865, "s": "BTCUSDT", "S": "Buy", "v": "0.001", "p": "16578.50", "L": "PlusTick", "i": "20f43950", "BT": false},
			{"T": 1672304486866, "s": "BTCUSDT", "S": "Sell", "v": "0.010", "p": "16578.00", "L": "MinusTick", "i": "20f43951", "BT": false}
		]
	}`)

	ticks := parseTicks(raw)
	require.Len(t, ticks, 2)

	assert.Equal(t, "BTCUSDT", ticks[0].Symbol)
	assert.Equal(t, 16578.50, ticks[0].Price)
	assert.Equal(t, time.UnixMilli(1672304486865), ticks[0].Timestamp)
	assert.Equal(t, 16578.00, ticks[1].Price)
}

func TestParseTicksIgnoresControlFrames(t *testing.T) {
	frames := [][]byte{
		[]byte(`{"success":true,"ret_msg":"subscribe","conn_id":"abc","op":"subscribe"}`),
		[]byte(`{"success":true,"ret_msg":"pong","conn_id":"abc","op":"ping"}`),
		[]byte(`{"op":"pong"}`),
		[]byte(`not json`),
		[]byte(`{}`),
	}
	for _, raw := range frames {
		assert.Empty(t, parseTicks(raw))
	}
}

func TestParseTicksDropsMalformedEntries(t *testing.T) {
	raw := []byte(`{
		"topic": "publicTrade.ETHUSDT",
		"data": [
			{"T": 1672304486865, "s": "ETHUSDT", "p": "not-a-number", "v": "1"},
			{"T": 1672304486866, "s": "", "p": "1200.5", "v": "1"},
			{"T": 1672304486867, "s": "ETHUSDT", "p": "-5", "v": "1"},
			{"T": 1672304486868, "s": "ETHUSDT", "p": "1201.25", "v": "1"}
		]
	}`)

	ticks := parseTicks(raw)
	require.Len(t, ticks, 1)
	assert.Equal(t, "ETHUSDT", ticks[0].Symbol)
	assert.Equal(t, 1201.25, ticks[0].Price)
}

// The ping loop and the shutdown watcher write to the same connection from
// separate goroutines; gorilla panics on unserialized concurrent writes.
func TestWritesToConnectionAreSerialized(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewBybitWSFeed(wsURL, []string{"BTCUSDT"}, nil, logger)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = f.send(conn, wsRequest{Op: "ping"})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.writeMessage(
			conn,
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()
	wg.Wait()
}
