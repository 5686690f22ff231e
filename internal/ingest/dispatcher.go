package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/workerpool"
)

// Publisher receives one coalesced batch per window.
type Publisher interface {
	Publish(ctx context.Context, batch models.Batch) error
}

// Dispatcher flushes the buffer on a fixed period. The publish itself runs on
// the bulk pool so a slow broker never delays the next tick.
type Dispatcher struct {
	buf      *Buffer
	pub      Publisher
	pool     *workerpool.Pool
	interval time.Duration
	logger   *slog.Logger
}

func NewDispatcher(buf *Buffer, pub Publisher, pool *workerpool.Pool, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{buf: buf, pub: pub, pool: pool, interval: interval, logger: logger}
}

func (d *Dispatcher) Run(ctx context.Context) {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	d.logger.Info("batch dispatcher started", "interval", d.interval.String())
	for {
		select {
		case <-ctx.Done():
			// last window is published inline; the pool may already be draining
			if batch := d.buf.Swap(); len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), d.interval)
				d.publish(flushCtx, batch)
				cancel()
			}
			return
		case <-t.C:
			d.Flush(ctx)
		}
	}
}

// Flush swaps the window out and schedules its publication. It returns the
// number of trips in the window.
func (d *Dispatcher) Flush(ctx context.Context) int {
	batch := d.buf.Swap()
	if len(batch) == 0 {
		return 0
	}
	job := func(ctx context.Context) {
		pctx, cancel := context.WithTimeout(ctx, d.interval)
		defer cancel()
		d.publish(pctx, batch)
	}
	if d.pool == nil {
		job(ctx)
		return len(batch)
	}
	if err := d.pool.TrySubmit(job); err != nil {
		observability.BatchPublishErrors.Add(float64(len(batch)))
		d.logger.Warn("batch dropped", "trips", len(batch), "error", err)
	}
	return len(batch)
}

func (d *Dispatcher) publish(ctx context.Context, batch models.Batch) {
	start := time.Now()
	if err := d.pub.Publish(ctx, batch); err != nil {
		d.logger.Warn("batch publish failed", "trips", len(batch), "error", err)
	}
	observability.BatchLatency.Observe(time.Since(start).Seconds())
}
