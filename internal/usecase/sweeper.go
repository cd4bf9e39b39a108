package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/domain"
)

// Sweeper periodically scans for sagas that outlived their timeout budget and
// closes them: sagas with completed work go through the compensation chain
// and end COMPENSATED, the rest end TIMED_OUT. It is the safety net for sagas
// whose forward flow stalled (participant never answered, redelivery
// exhausted, async payment never resolved).
type Sweeper struct {
	Repo     domain.SagaRepository
	Engine   *Engine
	Interval time.Duration
}

// NewSweeper wires a sweeper sharing the engine's compensation chain.
func NewSweeper(repo domain.SagaRepository, engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{Repo: repo, Engine: engine, Interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("saga sweeper started", slog.Duration("interval", s.Interval))
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("saga sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				slog.Error("sweep cycle failed", slog.Any("error", err))
			} else if n > 0 {
				slog.Info("sweep cycle timed out sagas", slog.Int("count", n))
			}
		}
	}
}

// SweepOnce times out every expired saga and returns how many it closed. A
// failure on one saga does not stop the rest; the first error is returned
// after the full pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := s.Repo.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=sweeper.sweep: %w", err)
	}
	var swept int
	var firstErr error
	for _, sg := range expired {
		closed, err := s.timeout(ctx, sg)
		if err != nil {
			slog.Error("failed to time out saga",
				slog.String("saga_id", sg.ID),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if closed {
			swept++
		}
	}
	return swept, firstErr
}

// timeout closes one expired saga. With no completed work it ends TIMED_OUT;
// with completed work it announces the timeout and hands the saga to the
// engine's compensation chain, ending COMPENSATED. The SagaTimedOut
// announcement and the state flip commit together; a conflict here means
// someone else advanced the saga first, which is fine.
func (s *Sweeper) timeout(ctx context.Context, sg *domain.Saga) (bool, error) {
	if sg.State.IsTerminal() {
		return false, nil
	}
	hasWork := len(sg.SuccessfulSteps()) > 0
	sg.MarkTimedOut()
	if hasWork {
		// BeginCompensation keeps the timeout message; the chain runs from
		// COMPENSATING and ends COMPENSATED.
		sg.BeginCompensation()
	}
	row := sagaEventRow(sg, domain.EventSagaTimedOut, "", sg.ErrorMessage)
	if err := s.Repo.Update(ctx, sg, []*domain.OutboxRow{row}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.Info("saga advanced concurrently, skipping timeout", slog.String("saga_id", sg.ID))
			return false, nil
		}
		return false, fmt.Errorf("op=sweeper.timeout: %w", err)
	}
	slog.Warn("saga timed out",
		slog.String("saga_id", sg.ID),
		slog.Int("timeout_minutes", sg.TimeoutMinutes))

	if hasWork {
		return true, s.Engine.RunCompensations(ctx, sg)
	}
	observability.SagasEndedTotal.WithLabelValues(string(domain.SagaTimedOut)).Inc()
	return true, nil
}
