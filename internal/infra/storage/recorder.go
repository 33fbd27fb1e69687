package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
)

const (
	defaultRecorderBuffer = 1024
	defaultBatchSize      = 64
	defaultFlushInterval  = time.Second
)

// Recorder persists outcomes off the slot loops. Record never blocks;
// outcomes are dropped when the buffer is full.
type Recorder struct {
	repo          OutcomeRepository
	queue         chan *domain.TunnelOutcome
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
}

func NewRecorder(repo OutcomeRepository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:          repo,
		queue:         make(chan *domain.TunnelOutcome, defaultRecorderBuffer),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		logger:        logger.With("component", "outcome-recorder"),
	}
}

func (r *Recorder) Record(out domain.TunnelOutcome) {
	select {
	case r.queue <- &out:
	default:
		r.logger.Warn("outcome dropped, buffer full", "slot", out.Slot, "apn", out.APN, "kind", string(out.Kind))
	}
}

// Run saves queued outcomes in batches until ctx is cancelled, then
// flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]*domain.TunnelOutcome, 0, r.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.repo.SaveBatch(ctx, batch); err != nil {
			r.logger.Error("save outcomes failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case out := <-r.queue:
					batch = append(batch, out)
				default:
					// The parent context is done; give the final write its own deadline.
					drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					flush(drainCtx)
					cancel()
					return nil
				}
			}
		case out := <-r.queue:
			batch = append(batch, out)
			if len(batch) >= r.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}
