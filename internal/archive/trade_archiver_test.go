package archive

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitsimlab/levtrade/internal/domain"
)

type fakeBus struct {
	entries []domain.StreamMessage
	reads   []string // lastID values seen, in order
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error { return nil }
func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, nil
}
func (b *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return nil
}

func (b *fakeBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.reads = append(b.reads, lastID)
	var out []domain.StreamMessage
	for _, e := range b.entries {
		if e.ID > lastID && len(out) < count {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeWriter struct {
	objects map[string][]byte
}

func (w *fakeWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[path] = body
	return nil
}

func TestDrainUploadsBatchesAndAdvancesCheckpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := &fakeBus{entries: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"type":"order_filled"}`)},
		{ID: "2-0", Payload: []byte(`{"type":"position_closed"}`)},
		{ID: "3-0", Payload: []byte(`{"type":"liquidation"}`)},
	}}
	writer := &fakeWriter{}

	a := NewTradeArchiver(bus, writer, "events:trades", time.Minute, 2, logger)
	a.now = func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, a.Drain(context.Background()))

	// Batch size 2 splits three entries into two objects.
	require.Len(t, writer.objects, 2)
	first, ok := writer.objects["trades/2026/08/31/1-0_2-0.jsonl"]
	require.True(t, ok)
	assert.Equal(t, "{\"type\":\"order_filled\"}\n{\"type\":\"position_closed\"}\n", string(first))

	second, ok := writer.objects["trades/2026/08/31/3-0_3-0.jsonl"]
	require.True(t, ok)
	assert.Equal(t, "{\"type\":\"liquidation\"}\n", string(second))

	assert.Equal(t, "3-0", a.lastID)

	// A later drain with no new entries uploads nothing.
	require.NoError(t, a.Drain(context.Background()))
	assert.Len(t, writer.objects, 2)
}

func TestDrainEmptyStreamIsNoOp(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := &fakeBus{}
	writer := &fakeWriter{}

	a := NewTradeArchiver(bus, writer, "", 0, 0, logger)
	require.NoError(t, a.Drain(context.Background()))
	assert.Empty(t, writer.objects)
	assert.Equal(t, []string{"0-0"}, bus.reads)
}
