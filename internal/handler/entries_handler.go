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

type entryRequest struct {
	Direction   string  `json:"direction"`
	ContractID  string  `json:"contractId"`
	TenantID    string  `json:"tenantId"`
	Competency  string  `json:"competency"`
	Description string  `json:"description"`
	DueDate     string  `json:"dueDate"`

	Principal     float64 `json:"principal"`
	CondoAmount   float64 `json:"condoAmount"`
	TaxAmount     float64 `json:"taxAmount"`
	UtilityAmount float64 `json:"utilityAmount"`

	Penalty  float64 `json:"penalty"`
	Interest float64 `json:"interest"`
	Discount float64 `json:"discount"`
	Bonus    float64 `json:"bonus"`

	WithholdINSSPct float64 `json:"withholdInssPct"`
	WithholdISSPct  float64 `json:"withholdIssPct"`
}

type entryResponse struct {
	ID           string  `json:"id"`
	Direction    string  `json:"direction"`
	ContractID   string  `json:"contractId,omitempty"`
	TenantID     string  `json:"tenantId,omitempty"`
	Competency   string  `json:"competency,omitempty"`
	Description  string  `json:"description"`
	DueDate      string  `json:"dueDate"`
	Principal    float64 `json:"principal"`
	Penalty      float64 `json:"penalty"`
	Interest     float64 `json:"interest"`
	Discount     float64 `json:"discount"`
	Bonus        float64 `json:"bonus"`
	WithheldINSS float64 `json:"withheldInss"`
	WithheldISS  float64 `json:"withheldIss"`
	Total        float64 `json:"total"`
	Paid         float64 `json:"paid"`
	Balance      float64 `json:"balance"`
	Status       string  `json:"status"`
	StatusReason string  `json:"statusReason,omitempty"`
	Overdue      bool    `json:"overdue"`
	DaysOverdue  int     `json:"daysOverdue"`
	SlipID       string  `json:"slipId,omitempty"`
}

func toEntryResponse(e *domain.LedgerEntry) entryResponse {
	now := time.Now()
	return entryResponse{
		ID:           e.ID,
		Direction:    e.Direction,
		ContractID:   e.ContractID,
		TenantID:     e.TenantID,
		Competency:   e.Competency,
		Description:  e.Description,
		DueDate:      e.DueDate.Format("2006-01-02"),
		Principal:    e.Principal,
		Penalty:      e.Penalty,
		Interest:     e.Interest,
		Discount:     e.Discount,
		Bonus:        e.Bonus,
		WithheldINSS: e.WithheldINSS,
		WithheldISS:  e.WithheldISS,
		Total:        e.Total,
		Paid:         e.Paid,
		Balance:      e.Balance,
		Status:       e.Status,
		StatusReason: e.StatusReason,
		Overdue:      e.IsOverdue(now),
		DaysOverdue:  e.DaysOverdue(now),
		SlipID:       e.SlipID,
	}
}

type settlementResponse struct {
	ID             string     `json:"id"`
	EntryID        string     `json:"entryId"`
	PaidAt         time.Time  `json:"paidAt"`
	AmountPaid     float64    `json:"amountPaid"`
	PenaltyPaid    float64    `json:"penaltyPaid"`
	InterestPaid   float64    `json:"interestPaid"`
	DiscountGiven  float64    `json:"discountGiven"`
	TotalPaid      float64    `json:"totalPaid"`
	Method         string     `json:"method"`
	BankReference  string     `json:"bankReference,omitempty"`
	DocumentNumber string     `json:"documentNumber,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	Reversed       bool       `json:"reversed"`
	ReversalReason string     `json:"reversalReason,omitempty"`
	ReversedAt     *time.Time `json:"reversedAt,omitempty"`
}

func toSettlementResponse(s *domain.Settlement) settlementResponse {
	resp := settlementResponse{
		ID:             s.ID,
		EntryID:        s.EntryID,
		PaidAt:         s.PaidAt,
		AmountPaid:     s.AmountPaid,
		PenaltyPaid:    s.PenaltyPaid,
		InterestPaid:   s.InterestPaid,
		DiscountGiven:  s.DiscountGiven,
		TotalPaid:      s.TotalPaid(),
		Method:         s.Method,
		BankReference:  s.BankReference,
		DocumentNumber: s.DocumentNumber,
		Notes:          s.Notes,
		Reversed:       s.Reversed,
		ReversalReason: s.ReversalReason,
	}
	if !s.ReversedAt.IsZero() {
		t := s.ReversedAt
		resp.ReversedAt = &t
	}
	return resp
}

// POST /v1/entries
func createEntryHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entryRequest
		if !decodeBody(w, r, &req) {
			return
		}

		dueDate, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dueDate must be YYYY-MM-DD")
			return
		}

		entry := &domain.LedgerEntry{
			Direction:       req.Direction,
			ContractID:      req.ContractID,
			TenantID:        req.TenantID,
			Competency:      req.Competency,
			Description:     req.Description,
			DueDate:         dueDate,
			Principal:       req.Principal,
			CondoAmount:     req.CondoAmount,
			TaxAmount:       req.TaxAmount,
			UtilityAmount:   req.UtilityAmount,
			Penalty:         req.Penalty,
			Interest:        req.Interest,
			Discount:        req.Discount,
			Bonus:           req.Bonus,
			WithholdINSSPct: req.WithholdINSSPct,
			WithholdISSPct:  req.WithholdISSPct,
		}

		created, err := svc.CreateEntry(r.Context(), entry)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, toEntryResponse(created))
	}
}

// PUT /v1/entries/{entryID}
func updateEntryHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entryRequest
		if !decodeBody(w, r, &req) {
			return
		}

		dueDate, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dueDate must be YYYY-MM-DD")
			return
		}

		entry := &domain.LedgerEntry{
			ID:              chi.URLParam(r, "entryID"),
			Direction:       req.Direction,
			ContractID:      req.ContractID,
			TenantID:        req.TenantID,
			Competency:      req.Competency,
			Description:     req.Description,
			DueDate:         dueDate,
			Principal:       req.Principal,
			CondoAmount:     req.CondoAmount,
			TaxAmount:       req.TaxAmount,
			UtilityAmount:   req.UtilityAmount,
			Penalty:         req.Penalty,
			Interest:        req.Interest,
			Discount:        req.Discount,
			Bonus:           req.Bonus,
			WithholdINSSPct: req.WithholdINSSPct,
			WithholdISSPct:  req.WithholdISSPct,
		}

		updated, err := svc.UpdateEntry(r.Context(), entry)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toEntryResponse(updated))
	}
}

// GET /v1/entries
func listEntriesHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := parsePagination(r)
		entries, err := svc.ListEntries(r.Context(), port.EntryFilter{
			Direction:  r.URL.Query().Get("direction"),
			Status:     r.URL.Query().Get("status"),
			Competency: r.URL.Query().Get("competency"),
			ContractID: r.URL.Query().Get("contract_id"),
			TenantID:   r.URL.Query().Get("tenant_id"),
			Page:       page,
			PageSize:   pageSize,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		out := make([]entryResponse, 0, len(entries))
		for i := range entries {
			out = append(out, toEntryResponse(&entries[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": out, "page": page})
	}
}

// GET /v1/entries/{entryID}
func getEntryHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := svc.GetEntry(r.Context(), chi.URLParam(r, "entryID"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toEntryResponse(entry))
	}
}

// GET /v1/entries/{entryID}/settlements
func listSettlementsHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settlements, err := svc.ListSettlements(r.Context(), chi.URLParam(r, "entryID"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		out := make([]settlementResponse, 0, len(settlements))
		for i := range settlements {
			out = append(out, toSettlementResponse(&settlements[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"settlements": out})
	}
}

// POST /v1/entries/{entryID}/settlements
func recordSettlementHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PaidAt         string  `json:"paidAt"`
			AmountPaid     float64 `json:"amountPaid"`
			PenaltyPaid    float64 `json:"penaltyPaid"`
			InterestPaid   float64 `json:"interestPaid"`
			DiscountGiven  float64 `json:"discountGiven"`
			Method         string  `json:"method"`
			BankReference  string  `json:"bankReference"`
			DocumentNumber string  `json:"documentNumber"`
			Notes          string  `json:"notes"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		in := service.SettlementInput{
			AmountPaid:     req.AmountPaid,
			PenaltyPaid:    req.PenaltyPaid,
			InterestPaid:   req.InterestPaid,
			DiscountGiven:  req.DiscountGiven,
			Method:         req.Method,
			BankReference:  req.BankReference,
			DocumentNumber: req.DocumentNumber,
			Notes:          req.Notes,
		}
		if req.PaidAt != "" {
			t, err := time.Parse("2006-01-02", req.PaidAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, "paidAt must be YYYY-MM-DD")
				return
			}
			in.PaidAt = t
		}

		st, err := svc.RecordSettlement(r.Context(), chi.URLParam(r, "entryID"), in)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, toSettlementResponse(st))
	}
}

// POST /v1/settlements/{settlementID}/reverse
func reverseSettlementHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
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

		st, err := svc.ReverseSettlement(r.Context(), chi.URLParam(r, "settlementID"), req.Reason)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toSettlementResponse(st))
	}
}

// POST /v1/entries/{entryID}/cancel|suspend|reactivate
func entryStatusHandler(svc *service.LedgerService, action string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if action != "reactivate" && !decodeBody(w, r, &req) {
			return
		}

		entryID := chi.URLParam(r, "entryID")
		var entry *domain.LedgerEntry
		var err error
		switch action {
		case "cancel":
			entry, err = svc.Cancel(r.Context(), entryID, req.Reason)
		case "suspend":
			entry, err = svc.Suspend(r.Context(), entryID, req.Reason)
		default:
			entry, err = svc.Reactivate(r.Context(), entryID)
		}
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toEntryResponse(entry))
	}
}
