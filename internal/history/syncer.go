package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
)

// Sink persists location envelopes durably. Upserts are keyed by
// (trip id, batch seq) so re-sending an overlapping window is harmless.
type Sink interface {
	Name() string
	UpsertBatches(ctx context.Context, envs []models.BatchEnvelope) (int, error)
}

type SyncerOptions struct {
	Retention   time.Duration
	CallTimeout time.Duration
	PageSize    int
}

// Syncer copies the replay log into every sink and trims the log by age.
type Syncer struct {
	log    ReplayLog
	sinks  []Sink
	opts   SyncerOptions
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	watermark string
	cron      *cron.Cron
}

func NewSyncer(log ReplayLog, sinks []Sink, opts SyncerOptions, logger *slog.Logger) *Syncer {
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	return &Syncer{log: log, sinks: sinks, opts: opts, logger: logger, now: time.Now}
}

func (s *Syncer) Watermark() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Flush pages through everything after the watermark. The watermark moves
// only past pages that every sink accepted.
func (s *Syncer) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for {
		page, err := s.log.Range(ctx, s.watermark, s.opts.PageSize)
		if err != nil {
			return total, fmt.Errorf("read replay log: %w", err)
		}
		if len(page) == 0 {
			return total, nil
		}
		envs := make([]models.BatchEnvelope, 0, len(page))
		for _, e := range page {
			if e.Envelope.Type == models.EnvelopeLocation && e.Envelope.Entry != nil {
				envs = append(envs, e.Envelope)
			}
		}
		if len(envs) > 0 {
			if err := s.writeAll(ctx, envs); err != nil {
				return total, err
			}
		}
		s.watermark = page[len(page)-1].ID
		total += len(envs)
		if len(page) < s.opts.PageSize {
			return total, nil
		}
	}
}

func (s *Syncer) writeAll(ctx context.Context, envs []models.BatchEnvelope) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range s.sinks {
		sink := sink
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, s.opts.CallTimeout)
			defer cancel()
			n, err := sink.UpsertBatches(cctx, envs)
			if err != nil {
				observability.SyncErrors.WithLabelValues(sink.Name()).Inc()
				return fmt.Errorf("sink %s: %w", sink.Name(), err)
			}
			observability.SyncRowsWritten.WithLabelValues(sink.Name()).Add(float64(n))
			return nil
		})
	}
	return g.Wait()
}

// Trim drops log entries older than the retention window.
func (s *Syncer) Trim(ctx context.Context) (int64, error) {
	n, err := s.log.Trim(ctx, s.now().Add(-s.opts.Retention))
	if err != nil {
		return 0, err
	}
	observability.ReplayTrimmed.Add(float64(n))
	return n, nil
}

// Start schedules Flush and Trim. It returns an error for unusable intervals.
func (s *Syncer) Start(flushEvery, trimEvery time.Duration) error {
	if flushEvery <= 0 || trimEvery <= 0 {
		return errors.New("history: sync and trim intervals must be > 0")
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc("@every "+flushEvery.String(), s.flushJob); err != nil {
		return err
	}
	if _, err := c.AddFunc("@every "+trimEvery.String(), s.trimJob); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.logger.Info("history syncer started", "flush_every", flushEvery.String(), "trim_every", trimEvery.String())
	return nil
}

func (s *Syncer) flushJob() {
	n, err := s.Flush(context.Background())
	if err != nil {
		s.logger.Warn("history flush failed", "error", err, "watermark", s.Watermark())
		return
	}
	if n > 0 {
		s.logger.Debug("history flushed", "rows", n)
	}
}

func (s *Syncer) trimJob() {
	n, err := s.Trim(context.Background())
	if err != nil {
		s.logger.Warn("replay trim failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("replay trimmed", "entries", n)
	}
}

// Stop waits for running jobs and performs one last flush.
func (s *Syncer) Stop(ctx context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	_, err := s.Flush(ctx)
	return err
}
