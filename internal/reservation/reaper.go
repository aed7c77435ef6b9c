package reservation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultReaperInterval  = 60 * time.Second
	DefaultReaperBatchSize = 500
)

// Reaper periodically expires Pending reservations whose hold has lapsed. Stock is
// freed implicitly: expired reservations stop counting toward claimed quantities.
type Reaper struct {
	manager   *Manager
	interval  time.Duration
	batchSize int
	logger    *logrus.Logger
}

func NewReaper(m *Manager, interval time.Duration, batchSize int, logger *logrus.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultReaperBatchSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reaper{manager: m, interval: interval, batchSize: batchSize, logger: logger}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.WithField("interval", r.interval.String()).Info("expiry reaper started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("expiry reaper stopped")
			return
		case <-ticker.C:
			n, err := r.SweepOnce(ctx)
			if err != nil {
				r.logger.WithError(err).Error("expiry sweep failed")
				continue
			}
			if n > 0 {
				r.logger.WithField("expired", n).Info("expiry sweep completed")
			}
		}
	}
}

// SweepOnce expires everything due now, batch by batch, and returns how many
// reservations it moved to Expired.
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		ids, err := r.manager.store.ListExpired(ctx, r.manager.now().UTC(), r.batchSize)
		if err != nil {
			return total, err
		}
		moved := 0
		for _, id := range ids {
			ok, err := r.manager.Expire(ctx, id)
			if err != nil {
				r.logger.WithError(err).WithField("reservation_id", id).Warn("expire reservation")
			}
			if ok {
				moved++
			}
		}
		total += moved
		if len(ids) < r.batchSize || moved == 0 || ctx.Err() != nil {
			return total, nil
		}
	}
}
