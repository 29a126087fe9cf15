// Package jobs runs the periodic billing routines: cycle generation, slip
// registration, bank-side sync and error recovery. Each tick fans work out
// over a bounded worker pool; one failing item logs and the batch moves on.
package jobs

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imobia/cobranca-engine/internal/config"
	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/infra/observability"
	"github.com/imobia/cobranca-engine/internal/infra/resilience"
	"github.com/imobia/cobranca-engine/internal/port"
	"github.com/imobia/cobranca-engine/internal/service"
)

// Scheduler owns the background routines. Start blocks until the context
// is canceled; all in-flight work is drained before it returns.
type Scheduler struct {
	cycles  *service.CycleService
	boletos *service.BoletoService

	slips     port.SlipStore
	cyclesSt  port.CycleStore
	contracts port.ContractSource

	bulkhead *resilience.Bulkhead
	cfg      *config.Config

	metrics *observability.Metrics
	logger  *zap.Logger
}

// New creates the scheduler.
func New(
	cycles *service.CycleService,
	boletos *service.BoletoService,
	slips port.SlipStore,
	cyclesSt port.CycleStore,
	contracts port.ContractSource,
	bulkhead *resilience.Bulkhead,
	cfg *config.Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cycles:    cycles,
		boletos:   boletos,
		slips:     slips,
		cyclesSt:  cyclesSt,
		contracts: contracts,
		bulkhead:  bulkhead,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start runs every routine on its own jittered ticker until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.loop(ctx, "generate_cycles", s.cfg.GenerateInterval, s.GenerateCycles)
	})
	g.Go(func() error {
		return s.loop(ctx, "register_pending", s.cfg.RegisterInterval, s.RegisterPending)
	})
	g.Go(func() error {
		return s.loop(ctx, "sync_registered", s.cfg.SyncInterval, s.SyncRegistered)
	})
	g.Go(func() error {
		return s.loop(ctx, "recover_errored", s.cfg.SyncInterval, s.RecoverErrored)
	})

	return g.Wait()
}

// loop runs job every interval with a random initial delay so restarts do
// not synchronize all routines onto the same tick.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) error {
	jitter := time.Duration(rand.Int63n(int64(interval/10) + 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		if err := job(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("job run failed", zap.String("job", name), zap.Error(err))
		}
		s.metrics.RecordJobRun(name, time.Since(start))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GenerateCycles creates the upcoming competency's cycle for every
// auto-send contract inside its lead-days window.
func (s *Scheduler) GenerateCycles(ctx context.Context) error {
	contracts, err := s.contracts.ListAutoSendContracts(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)

	for i := range contracts {
		contract := &contracts[i]
		g.Go(func() error {
			competency := service.CompetencyFor(contract, now)
			_, _, due, err := service.PeriodFor(contract, competency)
			if err != nil {
				return nil
			}
			// Only generate inside the lead window before the due date.
			if now.Before(due.AddDate(0, 0, -contract.LeadDays)) {
				return nil
			}

			if _, err := s.cycles.Generate(ctx, contract.ID, competency); err != nil {
				if !isDuplicate(err) {
					s.logger.Warn("cycle generation failed",
						zap.String("contract_id", contract.ID),
						zap.String("competency", competency),
						zap.Error(err),
					)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// RegisterPending issues slips for PENDING cycles the automatic routine may
// touch and registers every PENDING slip still below the attempt ceiling.
func (s *Scheduler) RegisterPending(ctx context.Context) error {
	cycles, err := s.cyclesSt.ListCycles(ctx, port.CycleFilter{
		Status:   domain.CycleStatusPending,
		PageSize: s.cfg.SyncBatchSize,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)

	for i := range cycles {
		cycle := &cycles[i]
		if cycle.AutoRoutineBlocked || !cycle.CanIssueSlip() {
			continue
		}
		g.Go(func() error {
			if err := s.bulkhead.Acquire(gctx); err != nil {
				return nil
			}
			defer s.bulkhead.Release()

			if _, err := s.cycles.IssueSlip(gctx, cycle.ID); err != nil {
				s.logger.Warn("automatic slip issuance failed",
					zap.String("cycle_id", cycle.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slips, err := s.slips.ListSlips(ctx, port.SlipFilter{
		Status:      domain.SlipStatusPending,
		MaxAttempts: s.cfg.RegisterAttempts,
		PageSize:    s.cfg.SyncBatchSize,
	})
	if err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)

	for i := range slips {
		slip := &slips[i]
		g.Go(func() error {
			if err := s.bulkhead.Acquire(gctx); err != nil {
				return nil
			}
			defer s.bulkhead.Release()

			if _, err := s.boletos.Register(gctx, slip.ID); err != nil {
				s.logger.Warn("batch registration failed",
					zap.String("slip_id", slip.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// SyncRegistered polls the bank for changes on registered slips.
func (s *Scheduler) SyncRegistered(ctx context.Context) error {
	changed, err := s.boletos.SyncRegistered(ctx, s.cfg.SyncBatchSize)
	if err != nil {
		return err
	}
	if changed > 0 {
		s.logger.Info("registered slips synced", zap.Int("changed", changed))
	}
	return nil
}

// RecoverErrored resolves ERROR slips against the bank before they are
// retried, so an ambiguous registration never produces a second bank
// reference.
func (s *Scheduler) RecoverErrored(ctx context.Context) error {
	slips, err := s.slips.ListSlips(ctx, port.SlipFilter{
		Status:   domain.SlipStatusError,
		PageSize: s.cfg.SyncBatchSize,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)

	for i := range slips {
		slip := &slips[i]
		g.Go(func() error {
			if err := s.bulkhead.Acquire(gctx); err != nil {
				return nil
			}
			defer s.bulkhead.Release()

			if _, err := s.boletos.RecoverFromQuery(gctx, slip.ID); err != nil {
				s.logger.Warn("slip recovery failed",
					zap.String("slip_id", slip.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

func isDuplicate(err error) bool {
	var dup *domain.ErrDuplicateCycle
	return errors.As(err, &dup)
}
