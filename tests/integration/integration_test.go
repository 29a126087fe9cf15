package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/handler"
	"github.com/imobia/cobranca-engine/internal/infra/bank"
	"github.com/imobia/cobranca-engine/internal/infra/cache"
	"github.com/imobia/cobranca-engine/internal/infra/notify"
	"github.com/imobia/cobranca-engine/internal/infra/observability"
	"github.com/imobia/cobranca-engine/internal/infra/resilience"
	"github.com/imobia/cobranca-engine/internal/port"
	"github.com/imobia/cobranca-engine/internal/service"
)

const apiSecret = "integration-secret"

// memStore is a single in-memory implementation of all store ports, enough
// to run the full issuance flow without Postgres.
type memStore struct {
	mu      sync.Mutex
	slips   map[string]*domain.Slip
	log     map[string][]domain.OperationLogEntry
	seq     map[string]int64
	cycles  map[string]*domain.BillingCycle
	entries map[string]*domain.LedgerEntry
	setts   map[string]*domain.Settlement
	cred    *domain.BankCredential
	ctrs    map[string]*domain.Contract
}

func newMemStore() *memStore {
	return &memStore{
		slips:   make(map[string]*domain.Slip),
		log:     make(map[string][]domain.OperationLogEntry),
		seq:     make(map[string]int64),
		cycles:  make(map[string]*domain.BillingCycle),
		entries: make(map[string]*domain.LedgerEntry),
		setts:   make(map[string]*domain.Settlement),
		ctrs:    make(map[string]*domain.Contract),
	}
}

func (m *memStore) Ping(_ context.Context) error { return nil }

func (m *memStore) CreateSlip(_ context.Context, s *domain.Slip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.slips[s.ID] = &cp
	return nil
}

func (m *memStore) GetSlip(_ context.Context, id string) (*domain.Slip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slips[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "slip", ID: id}
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) UpdateSlipTx(_ context.Context, s *domain.Slip, entry *domain.OperationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.slips[s.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "slip", ID: s.ID}
	}
	if current.Version != s.Version {
		return &domain.ErrConflict{Resource: "slip", ID: s.ID}
	}
	cp := *s
	cp.Version++
	m.slips[s.ID] = &cp
	s.Version++
	if entry != nil {
		entry.CreatedAt = time.Now()
		m.log[s.ID] = append(m.log[s.ID], *entry)
	}
	return nil
}

func (m *memStore) ListSlips(_ context.Context, f port.SlipFilter) ([]domain.Slip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Slip
	for _, s := range m.slips {
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func (m *memStore) NextOurNumber(_ context.Context, credID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[credID]++
	return m.seq[credID], nil
}

func (m *memStore) ListOperations(_ context.Context, slipID string) ([]domain.OperationLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OperationLogEntry(nil), m.log[slipID]...), nil
}

func (m *memStore) CreateCycle(_ context.Context, c *domain.BillingCycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.cycles {
		if existing.ContractID == c.ContractID && existing.Competency == c.Competency &&
			existing.Status != domain.CycleStatusCanceled {
			return &domain.ErrDuplicateCycle{ContractID: c.ContractID, Competency: c.Competency}
		}
	}
	cp := *c
	m.cycles[c.ID] = &cp
	return nil
}

func (m *memStore) GetCycle(_ context.Context, id string) (*domain.BillingCycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "billing cycle", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) FindCycle(_ context.Context, contractID, competency string) (*domain.BillingCycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cycles {
		if c.ContractID == contractID && c.Competency == competency && c.Status != domain.CycleStatusCanceled {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "billing cycle", ID: contractID + "/" + competency}
}

func (m *memStore) UpdateCycle(_ context.Context, c *domain.BillingCycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.cycles[c.ID] = &cp
	return nil
}

func (m *memStore) ListCycles(_ context.Context, _ port.CycleFilter) ([]domain.BillingCycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BillingCycle
	for _, c := range m.cycles {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) CreateEntry(_ context.Context, e *domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *memStore) GetEntry(_ context.Context, id string) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "ledger entry", ID: id}
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) UpdateEntry(_ context.Context, e *domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *memStore) ListEntries(_ context.Context, _ port.EntryFilter) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (m *memStore) CreateSettlementTx(_ context.Context, s *domain.Settlement, e *domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc := *s
	m.setts[s.ID] = &sc
	ec := *e
	m.entries[e.ID] = &ec
	return nil
}

func (m *memStore) GetSettlement(_ context.Context, id string) (*domain.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.setts[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "settlement", ID: id}
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) UpdateSettlementTx(_ context.Context, s *domain.Settlement, e *domain.LedgerEntry) error {
	return m.CreateSettlementTx(context.Background(), s, e)
}

func (m *memStore) ListSettlements(_ context.Context, entryID string) ([]domain.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Settlement
	for _, s := range m.setts {
		if s.EntryID == entryID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) GetCredential(_ context.Context, id string) (*domain.BankCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil || m.cred.ID != id {
		return nil, &domain.ErrNotFound{Resource: "bank credential", ID: id}
	}
	cp := *m.cred
	return &cp, nil
}

func (m *memStore) ActiveCredential(_ context.Context) (*domain.BankCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil, &domain.ErrNotFound{Resource: "bank credential", ID: "active"}
	}
	cp := *m.cred
	return &cp, nil
}

func (m *memStore) UpdateCredentialToken(_ context.Context, _, token string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred.AccessToken = token
	m.cred.TokenExpires = expires
	return nil
}

func (m *memStore) GetContract(_ context.Context, id string) (*domain.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.ctrs[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "contract", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListAutoSendContracts(_ context.Context) ([]domain.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Contract
	for _, c := range m.ctrs {
		if c.Active && c.AutoSend {
			out = append(out, *c)
		}
	}
	return out, nil
}

// TestIntegration_CycleToRegisteredSlip spins up a mock bank API and runs
// generate -> issue -> send over the real HTTP surface.
func TestIntegration_CycleToRegisteredSlip(t *testing.T) {
	// --- Mock bank API ---
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-int", "expires_in": 900})
	})
	mux.HandleFunc("/workspaces/default/bank_slips", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "bank-int-1",
			"status":        "REGISTRADO",
			"barCode":       "03391234500000150000000000000000000000000000",
			"digitableLine": "03399.87654 32100.000000",
		})
	})
	bankServer := httptest.NewServer(mux)
	defer bankServer.Close()

	// --- Stores and credential ---
	store := newMemStore()
	store.cred = &domain.BankCredential{
		ID:           "cred-int",
		Bank:         "033",
		Environment:  domain.EnvironmentSandbox,
		ClientID:     "id",
		ClientSecret: "secret",
		Convenio:     "7654321",
		CertExpires:  time.Now().Add(24 * time.Hour),
		AuthURL:      bankServer.URL + "/oauth/token",
		APIURL:       bankServer.URL,
		Active:       true,
	}
	store.ctrs["ctr-int"] = &domain.Contract{
		ID:         "ctr-int",
		TenantID:   "tenant-int",
		TenantName: "Joao Pereira",
		TenantDoc:  "98765432100",
		RentValue:  2100,
		DueDay:     15,
		LeadDays:   5,
		Active:     true,
	}

	// --- Build services ---
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	cfg := resilience.Config{MaxRetries: 1, InitialBackoff: 10 * time.Millisecond, MaxConcurrency: 10}
	gateway := bank.New(
		&http.Client{Timeout: 5 * time.Second},
		store,
		resilience.NewCircuitBreaker("bank-integration"),
		cfg,
		time.Minute,
		metrics,
		logger,
	)
	notifier := notify.NewNoOp(logger)
	boletoSvc := service.NewBoletoService(store, store, store, store, store, gateway, notifier, 3, metrics, logger)
	ledgerSvc := service.NewLedgerService(store, metrics, logger)
	cycleSvc := service.NewCycleService(store, store, boletoSvc, store, notifier,
		cache.New[*domain.Contract](time.Minute), metrics, logger)

	router := handler.NewRouter(cycleSvc, boletoSvc, ledgerSvc, store, store, apiSecret, metrics, logger)

	claims := jwt.RegisteredClaims{Subject: "ops", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(apiSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	call := func(method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
		t.Helper()
		var reader *bytes.Reader
		if body != nil {
			b, _ := json.Marshal(body)
			reader = bytes.NewReader(b)
		} else {
			reader = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		decoded := map[string]any{}
		json.Unmarshal(rec.Body.Bytes(), &decoded)
		return rec, decoded
	}

	// 1. Generate the cycle.
	rec, cycle := call(http.MethodPost, "/v1/cycles/generate",
		map[string]string{"contractId": "ctr-int", "competency": "2026-10"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if cycle["total"] != 2100.0 {
		t.Errorf("cycle total = %v, want 2100", cycle["total"])
	}
	if cycle["dueDate"] != "2026-10-15" {
		t.Errorf("due date = %v, want 2026-10-15", cycle["dueDate"])
	}
	cycleID := cycle["id"].(string)

	// 2. Issue and register the slip against the mock bank.
	rec, slip := call(http.MethodPost, fmt.Sprintf("/v1/cycles/%s/slip", cycleID), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue slip: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if slip["status"] != domain.SlipStatusRegistered {
		t.Errorf("slip status = %v, want %s", slip["status"], domain.SlipStatusRegistered)
	}
	if slip["bankReference"] != "bank-int-1" {
		t.Errorf("bank reference = %v", slip["bankReference"])
	}
	slipID := slip["id"].(string)

	// 3. The operation log captured the exchange verbatim.
	rec, _ = call(http.MethodGet, fmt.Sprintf("/v1/slips/%s/log", slipID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("slip log: expected 200, got %d", rec.Code)
	}
	var logBody struct {
		Operations []map[string]any `json:"operations"`
	}
	json.Unmarshal(rec.Body.Bytes(), &logBody)
	if len(logBody.Operations) != 1 {
		t.Fatalf("expected 1 operation log row, got %d", len(logBody.Operations))
	}
	if logBody.Operations[0]["success"] != true {
		t.Errorf("operation log row not marked success: %v", logBody.Operations[0])
	}

	// 4. Send the slip to the tenant.
	rec, sent := call(http.MethodPost, fmt.Sprintf("/v1/cycles/%s/send", cycleID),
		map[string]string{"sendType": domain.SendTypeManual})
	if rec.Code != http.StatusOK {
		t.Fatalf("send: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if sent["status"] != domain.CycleStatusSent {
		t.Errorf("cycle status = %v, want %s", sent["status"], domain.CycleStatusSent)
	}
	if sent["autoRoutineBlocked"] != true {
		t.Error("manual send should block the automatic routine")
	}
}

// TestIntegration_RegisterFailureSurfaces drives the force-register endpoint
// against a bank in outage and checks the failure is not swallowed.
func TestIntegration_RegisterFailureSurfaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-int", "expires_in": 900})
	})
	mux.HandleFunc("/workspaces/default/bank_slips", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"message":"scheduled maintenance"}`)
	})
	bankServer := httptest.NewServer(mux)
	defer bankServer.Close()

	store := newMemStore()
	store.cred = &domain.BankCredential{
		ID:           "cred-int",
		Bank:         "033",
		Environment:  domain.EnvironmentSandbox,
		ClientID:     "id",
		ClientSecret: "secret",
		Convenio:     "7654321",
		AuthURL:      bankServer.URL + "/oauth/token",
		APIURL:       bankServer.URL,
		Active:       true,
	}
	store.slips["slip-down"] = &domain.Slip{
		ID:            "slip-down",
		CredentialID:  "cred-int",
		CycleID:       "cyc-down",
		OurNumber:     "76543210000000000001",
		PayerName:     "Joao Pereira",
		PayerDocument: "98765432100",
		NominalValue:  2100,
		IssueDate:     time.Now(),
		DueDate:       time.Now().AddDate(0, 0, 10),
		Status:        domain.SlipStatusPending,
		Version:       1,
	}

	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	cfg := resilience.Config{MaxRetries: 1, InitialBackoff: 10 * time.Millisecond, MaxConcurrency: 10}
	gateway := bank.New(
		&http.Client{Timeout: 5 * time.Second},
		store,
		resilience.NewCircuitBreaker("bank-integration-down"),
		cfg,
		time.Minute,
		metrics,
		logger,
	)
	notifier := notify.NewNoOp(logger)
	boletoSvc := service.NewBoletoService(store, store, store, store, store, gateway, notifier, 3, metrics, logger)
	ledgerSvc := service.NewLedgerService(store, metrics, logger)
	cycleSvc := service.NewCycleService(store, store, boletoSvc, store, notifier,
		cache.New[*domain.Contract](time.Minute), metrics, logger)

	router := handler.NewRouter(cycleSvc, boletoSvc, ledgerSvc, store, store, apiSecret, metrics, logger)

	claims := jwt.RegisteredClaims{Subject: "ops", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(apiSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/slips/slip-down/register", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("register during outage: expected 503, got %d: %s", rec.Code, rec.Body.String())
	}

	// The attempt was still recorded on the slip and in the operation log.
	got, err := store.GetSlip(context.Background(), "slip-down")
	if err != nil {
		t.Fatalf("loading slip: %v", err)
	}
	if got.Status != domain.SlipStatusPending {
		t.Errorf("slip status = %s, want %s", got.Status, domain.SlipStatusPending)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if rows := store.log["slip-down"]; len(rows) != 1 || rows[0].Success {
		t.Errorf("expected one failed operation log row, got %+v", rows)
	}
}
