package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper periodically re-drives settlements that still need work: fresh
// pending records and processing records whose retry backoff has elapsed.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewSweeper creates a settlement sweep timer.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in settlement sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	due, err := s.service.ListDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		s.logger.Warn("failed to list due settlements", "error", err)
		return
	}

	for _, rec := range due {
		if _, err := s.service.Advance(ctx, rec.PaymentIntentID); err != nil {
			s.logger.Warn("failed to advance settlement",
				"paymentIntentId", rec.PaymentIntentID,
				"status", rec.Status,
				"error", err,
			)
		}
	}
}
