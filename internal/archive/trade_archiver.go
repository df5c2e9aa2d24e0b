// Package archive drains the durable trade event stream into object storage
// for long-term retention.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitsimlab/levtrade/internal/domain"
)

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 1000
)

// TradeArchiver periodically reads trade events from the signal bus stream
// and uploads them as JSONL batches to the blob store, partitioned by day:
//
//	trades/2026/08/31/1693467600000-0_1693467659999-5.jsonl
//
// The object key carries the stream ID range of the batch, so a re-run after
// a restart overwrites the same objects instead of duplicating data.
type TradeArchiver struct {
	bus       domain.SignalBus
	writer    domain.BlobWriter
	stream    string
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	lastID string
}

// NewTradeArchiver creates a TradeArchiver draining the given stream.
// Non-positive interval and batchSize fall back to defaults.
func NewTradeArchiver(bus domain.SignalBus, writer domain.BlobWriter, stream string, interval time.Duration, batchSize int, logger *slog.Logger) *TradeArchiver {
	if stream == "" {
		stream = domain.EventStreamTrades
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &TradeArchiver{
		bus:       bus,
		writer:    writer,
		stream:    stream,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "trade_archiver")),
		now:       time.Now,
		lastID:    "0-0",
	}
}

// Run drains the stream on the configured interval until ctx is cancelled.
// Failed rounds are retried on the next interval.
func (a *TradeArchiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Drain(ctx); err != nil {
				a.logger.Warn("archive round failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Drain reads and uploads all stream entries past the last archived ID, in
// batches. The checkpoint only advances after a successful upload.
func (a *TradeArchiver) Drain(ctx context.Context) error {
	for {
		msgs, err := a.bus.StreamRead(ctx, a.stream, a.lastID, a.batchSize)
		if err != nil {
			return fmt.Errorf("archive: read stream %s: %w", a.stream, err)
		}
		if len(msgs) == 0 {
			return nil
		}

		var buf bytes.Buffer
		for _, msg := range msgs {
			buf.Write(msg.Payload)
			buf.WriteByte('\n')
		}

		firstID := msgs[0].ID
		lastID := msgs[len(msgs)-1].ID
		path := a.objectPath(firstID, lastID)

		if err := a.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
			return fmt.Errorf("archive: upload %s: %w", path, err)
		}

		a.lastID = lastID
		a.logger.Info("trade batch archived",
			slog.String("path", path),
			slog.Int("events", len(msgs)),
		)
	}
}

func (a *TradeArchiver) objectPath(firstID, lastID string) string {
	day := a.now().UTC().Format("2006/01/02")
	return fmt.Sprintf("trades/%s/%s_%s.jsonl", day, firstID, lastID)
}
