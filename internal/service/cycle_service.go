package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/infra/observability"
	"github.com/imobia/cobranca-engine/internal/port"
)

var cycleTracer = otel.Tracer("service/cycle")

// CycleService manages the monthly billing cycles: generation from contract
// billing items, slip issuance, send tracking and cancellation.
type CycleService struct {
	cycles    port.CycleStore
	contracts port.ContractSource
	boletos   *BoletoService
	slips     port.SlipStore
	notifier  port.Notifier

	contractCache port.Cache[*domain.Contract]

	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewCycleService creates the billing cycle manager. contractCache softens
// the read-heavy contract lookups during batch generation.
func NewCycleService(
	cycles port.CycleStore,
	contracts port.ContractSource,
	boletos *BoletoService,
	slips port.SlipStore,
	notifier port.Notifier,
	contractCache port.Cache[*domain.Contract],
	metrics *observability.Metrics,
	logger *zap.Logger,
) *CycleService {
	return &CycleService{
		cycles:        cycles,
		contracts:     contracts,
		boletos:       boletos,
		slips:         slips,
		notifier:      notifier,
		contractCache: contractCache,
		metrics:       metrics,
		logger:        logger,
	}
}

func (s *CycleService) contract(ctx context.Context, id string) (*domain.Contract, error) {
	if c, ok := s.contractCache.Get(id); ok {
		return c, nil
	}
	c, err := s.contracts.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	s.contractCache.Set(id, c)
	return c, nil
}

// CompetencyFor resolves which month a charge generated at ref belongs to:
// before the contract's due day it is the current month, from the due day
// on it is the next one.
func CompetencyFor(contract *domain.Contract, ref time.Time) string {
	if ref.Day() < contract.DueDay {
		return ref.Format("2006-01")
	}
	return ref.AddDate(0, 1, 0).Format("2006-01")
}

// PeriodFor computes the charge period and due date for a competency.
// The due date is the contract's due day clamped to the competency month's
// last day; the period runs from the previous due date plus one day through
// the due date.
func PeriodFor(contract *domain.Contract, competency string) (start, end, due time.Time, err error) {
	month, err := time.Parse("2006-01", competency)
	if err != nil {
		return start, end, due, &domain.ErrValidation{Field: "competency", Message: "expected YYYY-MM"}
	}

	due = dueDateIn(month, contract.DueDay)
	prevDue := dueDateIn(month.AddDate(0, -1, 0), contract.DueDay)
	start = prevDue.AddDate(0, 0, 1)
	end = due
	return start, end, due, nil
}

func dueDateIn(month time.Time, dueDay int) time.Time {
	lastDay := time.Date(month.Year(), month.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	day := dueDay
	if day > lastDay {
		day = lastDay
	}
	if day < 1 {
		day = 1
	}
	return time.Date(month.Year(), month.Month(), day, 0, 0, 0, 0, time.UTC)
}

// Generate creates the cycle for (contract, competency) from the contract's
// billing items. A non-canceled cycle for the pair already existing is a
// conflict; the store's partial unique index backs the check under
// concurrent generators.
func (s *CycleService) Generate(ctx context.Context, contractID, competency string) (*domain.BillingCycle, error) {
	ctx, span := cycleTracer.Start(ctx, "CycleService.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("contract.id", contractID),
		attribute.String("competency", competency),
	)

	contract, err := s.contract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !contract.Active {
		return nil, &domain.ErrValidation{Field: "contract", Message: "contract is not active"}
	}

	if _, err := s.cycles.FindCycle(ctx, contractID, competency); err == nil {
		return nil, &domain.ErrDuplicateCycle{ContractID: contractID, Competency: competency}
	} else if _, ok := notFound(err); !ok {
		return nil, err
	}

	start, end, due, err := PeriodFor(contract, competency)
	if err != nil {
		return nil, err
	}

	amounts, items := buildCycleItems(contract)

	cycle := &domain.BillingCycle{
		ID:          uuid.New().String(),
		ContractID:  contractID,
		Competency:  competency,
		PeriodStart: start,
		PeriodEnd:   end,
		DueDate:     due,
		Amounts:     amounts,
		Total:       amounts.Sum(),
		Items:       items,
		Status:      domain.CycleStatusPending,
		EmailTo:     contract.EmailTo,
	}

	if err := s.cycles.CreateCycle(ctx, cycle); err != nil {
		return nil, err
	}
	s.metrics.IncrCycleGenerated("manual")
	s.logger.Info("billing cycle generated",
		zap.String("cycle_id", cycle.ID),
		zap.String("contract_id", contractID),
		zap.String("competency", competency),
		zap.Float64("total", cycle.Total),
	)
	return cycle, nil
}

// buildCycleItems itemizes the charge from the contract's active billing
// items. A contract with no configured items is billed rent only.
func buildCycleItems(contract *domain.Contract) (domain.CycleAmounts, []domain.CycleItem) {
	var amounts domain.CycleAmounts
	var items []domain.CycleItem

	active := contract.ActiveItems()
	if len(active) == 0 {
		amounts.Rent = domain.RoundMoney(contract.RentValue)
		items = append(items, domain.CycleItem{
			Kind:        domain.ItemKindRent,
			Description: "Aluguel",
			Amount:      amounts.Rent,
		})
		return amounts, items
	}

	for _, it := range active {
		amount := it.EffectiveAmount(contract.RentValue)
		if amount == 0 {
			continue
		}
		switch it.Kind {
		case domain.ItemKindRent:
			amounts.Rent = domain.RoundMoney(amounts.Rent + amount)
		case domain.ItemKindPropertyTax:
			amounts.PropertyTax = domain.RoundMoney(amounts.PropertyTax + amount)
		case domain.ItemKindCondoFee:
			amounts.CondoFee = domain.RoundMoney(amounts.CondoFee + amount)
		case domain.ItemKindAdminFee:
			amounts.AdminFee = domain.RoundMoney(amounts.AdminFee + amount)
		default:
			amounts.Other = domain.RoundMoney(amounts.Other + amount)
		}
		desc := it.Description
		if desc == "" {
			desc = it.Kind
		}
		items = append(items, domain.CycleItem{Kind: it.Kind, Description: desc, Amount: amount})
	}
	return amounts, items
}

// BatchResult summarizes one batch generation run.
type BatchResult struct {
	Generated int `json:"generated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// GenerateBatch generates the competency's cycles for every auto-send
// contract. Existing cycles are skipped; one contract failing does not stop
// the batch.
func (s *CycleService) GenerateBatch(ctx context.Context, competency string) (BatchResult, error) {
	ctx, span := cycleTracer.Start(ctx, "CycleService.GenerateBatch")
	defer span.End()

	var res BatchResult
	contracts, err := s.contracts.ListAutoSendContracts(ctx)
	if err != nil {
		return res, err
	}

	for i := range contracts {
		contract := &contracts[i]
		comp := competency
		if comp == "" {
			comp = CompetencyFor(contract, time.Now())
		}
		_, err := s.Generate(ctx, contract.ID, comp)
		switch {
		case err == nil:
			res.Generated++
		case isDuplicateCycle(err):
			res.Skipped++
		default:
			res.Failed++
			s.logger.Warn("batch generation failed for contract",
				zap.String("contract_id", contract.ID),
				zap.String("competency", comp),
				zap.Error(err),
			)
		}
	}
	s.metrics.IncrCycleGenerated("batch")
	return res, nil
}

// IssueSlip issues and registers the cycle's slip. The cycle moves to
// SLIP_ISSUED as soon as the slip exists; a registration failure leaves a
// PENDING slip for the batch routine to finish.
func (s *CycleService) IssueSlip(ctx context.Context, cycleID string) (*domain.Slip, error) {
	ctx, span := cycleTracer.Start(ctx, "CycleService.IssueSlip")
	defer span.End()
	span.SetAttributes(attribute.String("cycle.id", cycleID))

	cycle, err := s.cycles.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if !cycle.CanIssueSlip() {
		return nil, &domain.ErrInvalidTransition{Entity: "billing cycle", From: cycle.Status, Action: "issue slip for"}
	}

	slip, err := s.boletos.Issue(ctx, IssueSource{CycleID: cycle.ID})
	if err != nil {
		return nil, err
	}

	cycle.SlipID = slip.ID
	cycle.Status = domain.CycleStatusSlipIssued
	if err := s.cycles.UpdateCycle(ctx, cycle); err != nil {
		return nil, err
	}

	slip, regErr := s.boletos.Register(ctx, slip.ID)
	if regErr != nil {
		// The slip stays linked; RegisterPending retries it.
		s.logger.Warn("cycle slip registration pending",
			zap.String("cycle_id", cycle.ID),
			zap.String("slip_id", cycle.SlipID),
			zap.Error(regErr),
		)
	}
	return slip, regErr
}

// MarkSent records the slip delivery to the tenant. A manual send blocks
// the automatic routine for this cycle from then on.
func (s *CycleService) MarkSent(ctx context.Context, cycleID, sendType string) (*domain.BillingCycle, error) {
	ctx, span := cycleTracer.Start(ctx, "CycleService.MarkSent")
	defer span.End()
	span.SetAttributes(attribute.String("cycle.id", cycleID))

	if sendType != domain.SendTypeAutomatic && sendType != domain.SendTypeManual {
		return nil, &domain.ErrValidation{Field: "sendType", Message: fmt.Sprintf("unknown send type %q", sendType)}
	}

	cycle, err := s.cycles.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if !cycle.CanSendManually() {
		return nil, &domain.ErrInvalidTransition{Entity: "billing cycle", From: cycle.Status, Action: "send"}
	}

	cycle.Status = domain.CycleStatusSent
	cycle.SendType = sendType
	cycle.SentAt = time.Now()
	if sendType == domain.SendTypeManual {
		cycle.AutoRoutineBlocked = true
	}

	if err := s.cycles.UpdateCycle(ctx, cycle); err != nil {
		return nil, err
	}
	s.logger.Info("billing cycle sent",
		zap.String("cycle_id", cycle.ID),
		zap.String("send_type", sendType),
	)

	if cycle.SlipID != "" {
		if slip, err := s.slips.GetSlip(ctx, cycle.SlipID); err == nil {
			if err := s.notifier.SlipIssued(ctx, cycle, slip); err != nil {
				s.logger.Warn("issued notification failed", zap.String("cycle_id", cycle.ID), zap.Error(err))
			}
		}
	}
	return cycle, nil
}

// MarkPaid transitions the cycle to PAID. Idempotent; driven by slip
// reconciliation.
func (s *CycleService) MarkPaid(ctx context.Context, cycleID string) (*domain.BillingCycle, error) {
	ctx, span := cycleTracer.Start(ctx, "CycleService.MarkPaid")
	defer span.End()

	cycle, err := s.cycles.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.Status == domain.CycleStatusPaid {
		return cycle, nil
	}
	if cycle.Status != domain.CycleStatusSlipIssued && cycle.Status != domain.CycleStatusSent {
		return nil, &domain.ErrInvalidTransition{Entity: "billing cycle", From: cycle.Status, Action: "mark paid"}
	}

	cycle.Status = domain.CycleStatusPaid
	if err := s.cycles.UpdateCycle(ctx, cycle); err != nil {
		return nil, err
	}
	return cycle, nil
}

// Cancel cancels the cycle and, when a live registered slip exists, asks
// the bank to write it off. The write-off failing does not block the
// cancellation; the slip is left for the sync routine.
func (s *CycleService) Cancel(ctx context.Context, cycleID string) (*domain.BillingCycle, error) {
	ctx, span := cycleTracer.Start(ctx, "CycleService.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("cycle.id", cycleID))

	cycle, err := s.cycles.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if !cycle.CanCancel() {
		return nil, &domain.ErrInvalidTransition{Entity: "billing cycle", From: cycle.Status, Action: "cancel"}
	}

	if cycle.SlipID != "" {
		if slip, err := s.slips.GetSlip(ctx, cycle.SlipID); err == nil && slip.CanWriteOff() {
			if _, err := s.boletos.WriteOff(ctx, slip.ID, "cancelamento do ciclo"); err != nil {
				s.logger.Warn("write-off on cycle cancel failed",
					zap.String("cycle_id", cycle.ID),
					zap.String("slip_id", slip.ID),
					zap.Error(err),
				)
			}
		}
	}

	cycle.Status = domain.CycleStatusCanceled
	if err := s.cycles.UpdateCycle(ctx, cycle); err != nil {
		return nil, err
	}
	s.logger.Info("billing cycle canceled", zap.String("cycle_id", cycle.ID))
	return cycle, nil
}

// GetCycle loads one cycle.
func (s *CycleService) GetCycle(ctx context.Context, id string) (*domain.BillingCycle, error) {
	ctx, span := cycleTracer.Start(ctx, "CycleService.GetCycle")
	defer span.End()
	return s.cycles.GetCycle(ctx, id)
}

// ListCycles lists cycles matching the filter.
func (s *CycleService) ListCycles(ctx context.Context, f port.CycleFilter) ([]domain.BillingCycle, error) {
	ctx, span := cycleTracer.Start(ctx, "CycleService.ListCycles")
	defer span.End()
	return s.cycles.ListCycles(ctx, f)
}

func notFound(err error) (*domain.ErrNotFound, bool) {
	var nf *domain.ErrNotFound
	ok := errors.As(err, &nf)
	return nf, ok
}

func isDuplicateCycle(err error) bool {
	var dup *domain.ErrDuplicateCycle
	return errors.As(err, &dup)
}
