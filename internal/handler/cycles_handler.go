package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/port"
	"github.com/imobia/cobranca-engine/internal/service"
)

type cycleResponse struct {
	ID                 string             `json:"id"`
	ContractID         string             `json:"contractId"`
	Competency         string             `json:"competency"`
	PeriodStart        string             `json:"periodStart"`
	PeriodEnd          string             `json:"periodEnd"`
	DueDate            string             `json:"dueDate"`
	Rent               float64            `json:"rent"`
	PropertyTax        float64            `json:"propertyTax"`
	CondoFee           float64            `json:"condoFee"`
	AdminFee           float64            `json:"adminFee"`
	Other              float64            `json:"other"`
	Total              float64            `json:"total"`
	Items              []domain.CycleItem `json:"items"`
	SlipID             string             `json:"slipId,omitempty"`
	Status             string             `json:"status"`
	SendType           string             `json:"sendType,omitempty"`
	AutoRoutineBlocked bool               `json:"autoRoutineBlocked"`
	SentAt             *time.Time         `json:"sentAt,omitempty"`
}

func toCycleResponse(c *domain.BillingCycle) cycleResponse {
	resp := cycleResponse{
		ID:                 c.ID,
		ContractID:         c.ContractID,
		Competency:         c.Competency,
		PeriodStart:        c.PeriodStart.Format("2006-01-02"),
		PeriodEnd:          c.PeriodEnd.Format("2006-01-02"),
		DueDate:            c.DueDate.Format("2006-01-02"),
		Rent:               c.Amounts.Rent,
		PropertyTax:        c.Amounts.PropertyTax,
		CondoFee:           c.Amounts.CondoFee,
		AdminFee:           c.Amounts.AdminFee,
		Other:              c.Amounts.Other,
		Total:              c.Total,
		Items:              c.Items,
		SlipID:             c.SlipID,
		Status:             c.Status,
		SendType:           c.SendType,
		AutoRoutineBlocked: c.AutoRoutineBlocked,
	}
	if !c.SentAt.IsZero() {
		t := c.SentAt
		resp.SentAt = &t
	}
	return resp
}

// POST /v1/cycles/generate
func generateCyclesHandler(svc *service.CycleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ContractID string `json:"contractId"`
			Competency string `json:"competency"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		// A single contract generates one cycle; without one the whole
		// auto-send portfolio is batched.
		if req.ContractID != "" {
			cycle, err := svc.Generate(r.Context(), req.ContractID, req.Competency)
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
			writeJSON(w, http.StatusCreated, toCycleResponse(cycle))
			return
		}

		res, err := svc.GenerateBatch(r.Context(), req.Competency)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// GET /v1/cycles
func listCyclesHandler(svc *service.CycleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := parsePagination(r)
		cycles, err := svc.ListCycles(r.Context(), port.CycleFilter{
			ContractID: r.URL.Query().Get("contract_id"),
			Competency: r.URL.Query().Get("competency"),
			Status:     r.URL.Query().Get("status"),
			Page:       page,
			PageSize:   pageSize,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		out := make([]cycleResponse, 0, len(cycles))
		for i := range cycles {
			out = append(out, toCycleResponse(&cycles[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"cycles": out, "page": page})
	}
}

// GET /v1/cycles/{cycleID}
func getCycleHandler(svc *service.CycleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cycle, err := svc.GetCycle(r.Context(), chi.URLParam(r, "cycleID"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toCycleResponse(cycle))
	}
}

// POST /v1/cycles/{cycleID}/slip
func issueCycleSlipHandler(svc *service.CycleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slip, err := svc.IssueSlip(r.Context(), chi.URLParam(r, "cycleID"))
		if err != nil && slip == nil {
			handleServiceError(w, err, logger)
			return
		}
		// A transient registration failure still returns the linked slip;
		// the batch routine finishes the registration.
		status := http.StatusCreated
		if err != nil {
			status = http.StatusAccepted
		}
		writeJSON(w, status, toSlipResponse(slip))
	}
}

// POST /v1/cycles/{cycleID}/send
func sendCycleHandler(svc *service.CycleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SendType string `json:"sendType"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.SendType == "" {
			req.SendType = domain.SendTypeManual
		}

		cycle, err := svc.MarkSent(r.Context(), chi.URLParam(r, "cycleID"), req.SendType)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toCycleResponse(cycle))
	}
}

// POST /v1/cycles/{cycleID}/cancel
func cancelCycleHandler(svc *service.CycleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cycle, err := svc.Cancel(r.Context(), chi.URLParam(r, "cycleID"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toCycleResponse(cycle))
	}
}
