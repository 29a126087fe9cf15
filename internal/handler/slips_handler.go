package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/port"
	"github.com/imobia/cobranca-engine/internal/service"
)

// SlipReader is the read-only slip view the handlers need: slip lookup and
// the operation log. The Postgres store satisfies it.
type SlipReader interface {
	GetSlip(ctx context.Context, id string) (*domain.Slip, error)
	ListSlips(ctx context.Context, f port.SlipFilter) ([]domain.Slip, error)
	ListOperations(ctx context.Context, slipID string) ([]domain.OperationLogEntry, error)
}

type slipResponse struct {
	ID            string     `json:"id"`
	CycleID       string     `json:"cycleId,omitempty"`
	EntryID       string     `json:"entryId,omitempty"`
	OurNumber     string     `json:"ourNumber"`
	BankReference string     `json:"bankReference,omitempty"`
	PayerName     string     `json:"payerName"`
	PayerDocument string     `json:"payerDocument"`
	NominalValue  float64    `json:"nominalValue"`
	IssueDate     string     `json:"issueDate"`
	DueDate       string     `json:"dueDate"`
	Barcode       string     `json:"barcode,omitempty"`
	DigitableLine string     `json:"digitableLine,omitempty"`
	PixQRCode     string     `json:"pixQrCode,omitempty"`
	Status        string     `json:"status"`
	Overdue       bool       `json:"overdue"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	PaidAmount    float64    `json:"paidAmount,omitempty"`
}

func toSlipResponse(s *domain.Slip) slipResponse {
	resp := slipResponse{
		ID:            s.ID,
		CycleID:       s.CycleID,
		EntryID:       s.EntryID,
		OurNumber:     s.OurNumber,
		BankReference: s.BankReference,
		PayerName:     s.PayerName,
		PayerDocument: s.PayerDocument,
		NominalValue:  s.NominalValue,
		IssueDate:     s.IssueDate.Format("2006-01-02"),
		DueDate:       s.DueDate.Format("2006-01-02"),
		Barcode:       s.Barcode,
		DigitableLine: s.DigitableLine,
		PixQRCode:     s.PixQRCode,
		Status:        s.Status,
		Overdue:       s.IsOverdue(time.Now()),
		Attempts:      s.Attempts,
		LastError:     s.LastError,
		PaidAmount:    s.PaidAmount,
	}
	// Surface the derived view the back office expects without ever
	// storing it.
	if resp.Overdue && s.Status == domain.SlipStatusRegistered {
		resp.Status = domain.SlipStatusOverdue
	}
	if !s.PaidAt.IsZero() {
		t := s.PaidAt
		resp.PaidAt = &t
	}
	return resp
}

type operationLogResponse struct {
	ID              string    `json:"id"`
	Operation       string    `json:"operation"`
	RequestPayload  string    `json:"requestPayload"`
	ResponsePayload string    `json:"responsePayload"`
	HTTPStatus      int       `json:"httpStatus"`
	Success         bool      `json:"success"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// GET /v1/slips
func listSlipsHandler(slips SlipReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := parsePagination(r)
		out, err := slips.ListSlips(r.Context(), port.SlipFilter{
			Status:   r.URL.Query().Get("status"),
			Page:     page,
			PageSize: pageSize,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		resp := make([]slipResponse, 0, len(out))
		for i := range out {
			resp = append(resp, toSlipResponse(&out[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"slips": resp, "page": page})
	}
}

// GET /v1/slips/{slipID}
func getSlipHandler(slips SlipReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slip, err := slips.GetSlip(r.Context(), chi.URLParam(r, "slipID"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toSlipResponse(slip))
	}
}

// GET /v1/slips/{slipID}/log
func slipLogHandler(slips SlipReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slipID := chi.URLParam(r, "slipID")
		if _, err := slips.GetSlip(r.Context(), slipID); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		entries, err := slips.ListOperations(r.Context(), slipID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		out := make([]operationLogResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, operationLogResponse{
				ID:              e.ID,
				Operation:       e.Operation,
				RequestPayload:  e.RequestPayload,
				ResponsePayload: e.ResponsePayload,
				HTTPStatus:      e.HTTPStatus,
				Success:         e.Success,
				ErrorMessage:    e.ErrorMessage,
				CreatedAt:       e.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"operations": out})
	}
}

// POST /v1/slips/{slipID}/register
func registerSlipHandler(svc *service.BoletoService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slipID := chi.URLParam(r, "slipID")

		slip, err := svc.RetryErrored(r.Context(), slipID)
		if err != nil {
			var transition *domain.ErrInvalidTransition
			if !errors.As(err, &transition) {
				handleServiceError(w, err, logger)
				return
			}
			// Not in ERROR: a plain register attempt.
			slip, err = svc.Register(r.Context(), slipID)
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
		}
		writeJSON(w, http.StatusOK, toSlipResponse(slip))
	}
}

// POST /v1/slips/reprocess
func reprocessSlipsHandler(svc *service.BoletoService, slips SlipReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		errored, err := slips.ListSlips(r.Context(), port.SlipFilter{
			Status:   domain.SlipStatusError,
			PageSize: 100,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		retried, failed := 0, 0
		for i := range errored {
			if _, err := svc.RetryErrored(r.Context(), errored[i].ID); err != nil {
				failed++
				continue
			}
			retried++
		}
		writeJSON(w, http.StatusOK, map[string]int{"retried": retried, "failed": failed})
	}
}

// POST /v1/slips/{slipID}/write-off
func writeOffSlipHandler(svc *service.BoletoService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Reason == "" {
			writeError(w, http.StatusBadRequest, "reason is required")
			return
		}

		slip, err := svc.WriteOff(r.Context(), chi.URLParam(r, "slipID"), req.Reason)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toSlipResponse(slip))
	}
}
