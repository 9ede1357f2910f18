package reconcile

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"margin/api/internal/domain"
)

// Unpublisher deletes the remote record a StrongRef points at.
type Unpublisher interface {
	Unpublish(ctx context.Context, ref domain.PublishedRecordID) error
}

// Sweeper retries deletion of orphaned records on an interval.
type Sweeper struct {
	queue       *RedisQueue
	unpublisher Unpublisher
	interval    time.Duration
	logger      *log.Logger
}

func NewSweeper(queue *RedisQueue, unpublisher Unpublisher, interval time.Duration, logger *log.Logger) *Sweeper {
	return &Sweeper{
		queue:       queue,
		unpublisher: unpublisher,
		interval:    interval,
		logger:      logger,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("orphan sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce attempts to delete every pending orphan. Records that still
// cannot be deleted stay queued with a bumped attempt count.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	entries, err := s.queue.List(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		ref, err := entry.Ref()
		if err != nil {
			s.logger.Error("dropping malformed orphan entry", "uri", entry.URI, "error", err)
			continue
		}
		if err := s.unpublisher.Unpublish(ctx, ref); err != nil {
			s.logger.Warn("orphan delete failed", "uri", ref.URI, "cid", ref.CID, "attempts", entry.Attempts+1, "error", err)
			if err := s.queue.RecordAttempt(ctx, ref); err != nil {
				return err
			}
			continue
		}
		if err := s.queue.Retire(ctx, ref); err != nil {
			return err
		}
		s.logger.Info("orphan record deleted", "uri", ref.URI, "cid", ref.CID)
	}
	return nil
}
