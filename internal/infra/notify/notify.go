// Package notify dispatches tenant notifications when a billing cycle is
// sent or paid. Delivery is best effort: callers treat every error as
// log-and-continue, so a mailer outage never blocks a slip transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/domain"
)

// Mailer posts notification events to the mailing service webhook.
type Mailer struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

// NewMailer creates a webhook notifier against the mailing service.
func NewMailer(baseURL string, logger *zap.Logger) *Mailer {
	return &Mailer{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		logger:  logger,
	}
}

type slipEvent struct {
	Event         string  `json:"event"`
	CycleID       string  `json:"cycleId"`
	ContractID    string  `json:"contractId"`
	Competency    string  `json:"competency"`
	EmailTo       string  `json:"emailTo"`
	Amount        float64 `json:"amount"`
	DueDate       string  `json:"dueDate"`
	DigitableLine string  `json:"digitableLine,omitempty"`
	Barcode       string  `json:"barcode,omitempty"`
	PixQRCode     string  `json:"pixQrCode,omitempty"`
	PaidAt        string  `json:"paidAt,omitempty"`
	PaidAmount    float64 `json:"paidAmount,omitempty"`
}

// SlipIssued notifies the tenant that a slip is available for payment.
func (m *Mailer) SlipIssued(ctx context.Context, cycle *domain.BillingCycle, slip *domain.Slip) error {
	ev := slipEvent{
		Event:         "slip.issued",
		CycleID:       cycle.ID,
		ContractID:    cycle.ContractID,
		Competency:    cycle.Competency,
		EmailTo:       cycle.EmailTo,
		Amount:        slip.NominalValue,
		DueDate:       slip.DueDate.Format("2006-01-02"),
		DigitableLine: slip.DigitableLine,
		Barcode:       slip.Barcode,
		PixQRCode:     slip.PixQRCode,
	}
	return m.post(ctx, ev)
}

// SlipPaid notifies the tenant that the payment was confirmed.
func (m *Mailer) SlipPaid(ctx context.Context, cycle *domain.BillingCycle, slip *domain.Slip) error {
	ev := slipEvent{
		Event:      "slip.paid",
		CycleID:    cycle.ID,
		ContractID: cycle.ContractID,
		Competency: cycle.Competency,
		EmailTo:    cycle.EmailTo,
		Amount:     slip.NominalValue,
		DueDate:    slip.DueDate.Format("2006-01-02"),
		PaidAt:     slip.PaidAt.Format(time.RFC3339),
		PaidAmount: slip.PaidAmount,
	}
	return m.post(ctx, ev)
}

func (m *Mailer) post(ctx context.Context, ev slipEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification rejected: status %d", resp.StatusCode)
	}

	m.logger.Debug("notification dispatched",
		zap.String("event", ev.Event),
		zap.String("cycle_id", ev.CycleID),
	)
	return nil
}

// NoOp discards notifications. Used when no mailer endpoint is configured.
type NoOp struct {
	logger *zap.Logger
}

// NewNoOp creates a notifier that only logs.
func NewNoOp(logger *zap.Logger) *NoOp {
	return &NoOp{logger: logger}
}

func (n *NoOp) SlipIssued(_ context.Context, cycle *domain.BillingCycle, _ *domain.Slip) error {
	n.logger.Debug("notifications disabled, skipping slip.issued", zap.String("cycle_id", cycle.ID))
	return nil
}

func (n *NoOp) SlipPaid(_ context.Context, cycle *domain.BillingCycle, _ *domain.Slip) error {
	n.logger.Debug("notifications disabled, skipping slip.paid", zap.String("cycle_id", cycle.ID))
	return nil
}
