// Package history keeps a short-lived replay log of published envelopes and
// periodically copies it into durable history sinks.
package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

// Entry is one envelope in the log together with its log position.
type Entry struct {
	ID       string
	Envelope models.BatchEnvelope
}

// ReplayLog is an append-only, time-trimmed log of published envelopes.
// IDs have the form "<ms>-<n>" and increase in append order.
type ReplayLog interface {
	Append(ctx context.Context, env models.BatchEnvelope) error
	// Range returns up to limit entries with an ID greater than after. An empty
	// after starts at the head of the log.
	Range(ctx context.Context, after string, limit int) ([]Entry, error)
	// Latest returns the newest location envelope appended for tripID.
	Latest(ctx context.Context, tripID string) (models.BatchEnvelope, bool, error)
	// Trim removes entries appended before the cutoff and reports how many went.
	Trim(ctx context.Context, before time.Time) (int64, error)
}

type logID struct {
	ms  int64
	seq int64
}

func parseID(s string) (logID, error) {
	if s == "" {
		return logID{}, nil
	}
	msPart, seqPart, ok := strings.Cut(s, "-")
	if !ok {
		seqPart = "0"
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return logID{}, fmt.Errorf("bad log id %q: %w", s, err)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return logID{}, fmt.Errorf("bad log id %q: %w", s, err)
	}
	return logID{ms: ms, seq: seq}, nil
}

func (id logID) String() string { return strconv.FormatInt(id.ms, 10) + "-" + strconv.FormatInt(id.seq, 10) }

func (id logID) less(o logID) bool {
	if id.ms != o.ms {
		return id.ms < o.ms
	}
	return id.seq < o.seq
}
