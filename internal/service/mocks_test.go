package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/port"
)

// In-memory fakes for the store and gateway ports. The slip store enforces
// the same optimistic version check as the Postgres implementation so the
// concurrency behavior under test is the real one.

type fakeSlipStore struct {
	mu    sync.Mutex
	slips map[string]*domain.Slip
	log   map[string][]domain.OperationLogEntry
	seq   map[string]int64
}

func newFakeSlipStore() *fakeSlipStore {
	return &fakeSlipStore{
		slips: make(map[string]*domain.Slip),
		log:   make(map[string][]domain.OperationLogEntry),
		seq:   make(map[string]int64),
	}
}

func (f *fakeSlipStore) CreateSlip(_ context.Context, slip *domain.Slip) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *slip
	f.slips[slip.ID] = &cp
	return nil
}

func (f *fakeSlipStore) GetSlip(_ context.Context, id string) (*domain.Slip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slips[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "slip", ID: id}
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSlipStore) UpdateSlipTx(_ context.Context, slip *domain.Slip, logEntry *domain.OperationLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.slips[slip.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "slip", ID: slip.ID}
	}
	if current.Version != slip.Version {
		return &domain.ErrConflict{Resource: "slip", ID: slip.ID}
	}
	cp := *slip
	cp.Version++
	f.slips[slip.ID] = &cp
	slip.Version++
	if logEntry != nil {
		logEntry.CreatedAt = time.Now()
		f.log[slip.ID] = append(f.log[slip.ID], *logEntry)
	}
	return nil
}

func (f *fakeSlipStore) ListSlips(_ context.Context, fl port.SlipFilter) ([]domain.Slip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Slip
	for _, s := range f.slips {
		if fl.Status != "" && s.Status != fl.Status {
			continue
		}
		if fl.MaxAttempts > 0 && s.Attempts >= fl.MaxAttempts {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSlipStore) NextOurNumber(_ context.Context, credentialID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq[credentialID]++
	return f.seq[credentialID], nil
}

func (f *fakeSlipStore) operations(slipID string) []domain.OperationLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OperationLogEntry(nil), f.log[slipID]...)
}

type fakeCycleStore struct {
	mu     sync.Mutex
	cycles map[string]*domain.BillingCycle
}

func newFakeCycleStore() *fakeCycleStore {
	return &fakeCycleStore{cycles: make(map[string]*domain.BillingCycle)}
}

func (f *fakeCycleStore) CreateCycle(_ context.Context, c *domain.BillingCycle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.cycles {
		if existing.ContractID == c.ContractID && existing.Competency == c.Competency &&
			existing.Status != domain.CycleStatusCanceled {
			return &domain.ErrDuplicateCycle{ContractID: c.ContractID, Competency: c.Competency}
		}
	}
	cp := *c
	f.cycles[c.ID] = &cp
	return nil
}

func (f *fakeCycleStore) GetCycle(_ context.Context, id string) (*domain.BillingCycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cycles[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "billing cycle", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCycleStore) FindCycle(_ context.Context, contractID, competency string) (*domain.BillingCycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cycles {
		if c.ContractID == contractID && c.Competency == competency && c.Status != domain.CycleStatusCanceled {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "billing cycle", ID: contractID + "/" + competency}
}

func (f *fakeCycleStore) UpdateCycle(_ context.Context, c *domain.BillingCycle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cycles[c.ID]; !ok {
		return &domain.ErrNotFound{Resource: "billing cycle", ID: c.ID}
	}
	cp := *c
	f.cycles[c.ID] = &cp
	return nil
}

func (f *fakeCycleStore) ListCycles(_ context.Context, fl port.CycleFilter) ([]domain.BillingCycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.BillingCycle
	for _, c := range f.cycles {
		if fl.Status != "" && c.Status != fl.Status {
			continue
		}
		if fl.ContractID != "" && c.ContractID != fl.ContractID {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

type fakeLedgerStore struct {
	mu          sync.Mutex
	entries     map[string]*domain.LedgerEntry
	settlements map[string]*domain.Settlement
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{
		entries:     make(map[string]*domain.LedgerEntry),
		settlements: make(map[string]*domain.Settlement),
	}
}

func (f *fakeLedgerStore) CreateEntry(_ context.Context, e *domain.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.entries[e.ID] = &cp
	return nil
}

func (f *fakeLedgerStore) GetEntry(_ context.Context, id string) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "ledger entry", ID: id}
	}
	cp := *e
	return &cp, nil
}

func (f *fakeLedgerStore) UpdateEntry(_ context.Context, e *domain.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[e.ID]; !ok {
		return &domain.ErrNotFound{Resource: "ledger entry", ID: e.ID}
	}
	cp := *e
	f.entries[e.ID] = &cp
	return nil
}

func (f *fakeLedgerStore) ListEntries(_ context.Context, _ port.EntryFilter) ([]domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeLedgerStore) CreateSettlementTx(_ context.Context, s *domain.Settlement, e *domain.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc := *s
	f.settlements[s.ID] = &sc
	ec := *e
	f.entries[e.ID] = &ec
	return nil
}

func (f *fakeLedgerStore) GetSettlement(_ context.Context, id string) (*domain.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.settlements[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "settlement", ID: id}
	}
	cp := *s
	return &cp, nil
}

func (f *fakeLedgerStore) UpdateSettlementTx(_ context.Context, s *domain.Settlement, e *domain.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc := *s
	f.settlements[s.ID] = &sc
	ec := *e
	f.entries[e.ID] = &ec
	return nil
}

func (f *fakeLedgerStore) ListSettlements(_ context.Context, entryID string) ([]domain.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Settlement
	for _, s := range f.settlements {
		if s.EntryID == entryID {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakeCredentialStore struct {
	cred *domain.BankCredential
}

func (f *fakeCredentialStore) GetCredential(_ context.Context, id string) (*domain.BankCredential, error) {
	if f.cred == nil || f.cred.ID != id {
		return nil, &domain.ErrNotFound{Resource: "bank credential", ID: id}
	}
	cp := *f.cred
	return &cp, nil
}

func (f *fakeCredentialStore) ActiveCredential(_ context.Context) (*domain.BankCredential, error) {
	if f.cred == nil {
		return nil, &domain.ErrNotFound{Resource: "bank credential", ID: "active"}
	}
	cp := *f.cred
	return &cp, nil
}

func (f *fakeCredentialStore) UpdateCredentialToken(_ context.Context, _, token string, expires time.Time) error {
	f.cred.AccessToken = token
	f.cred.TokenExpires = expires
	return nil
}

type fakeContractSource struct {
	contracts map[string]*domain.Contract
}

func (f *fakeContractSource) GetContract(_ context.Context, id string) (*domain.Contract, error) {
	c, ok := f.contracts[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "contract", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (f *fakeContractSource) ListAutoSendContracts(_ context.Context) ([]domain.Contract, error) {
	var out []domain.Contract
	for _, c := range f.contracts {
		if c.Active && c.AutoSend {
			out = append(out, *c)
		}
	}
	return out, nil
}

// fakeGateway scripts the bank's answers: errs are consumed in order, then
// result is returned. Calls are counted.
type fakeGateway struct {
	mu             sync.Mutex
	registerErrs   []error
	registerResult *port.RegistrationResult
	registerCalls  int
	registerHook   func() // runs at the top of RegisterSlip when set

	queryErr    error
	queryResult *port.QueryResult
	queryCalls  int

	writeOffErr error
}

func (g *fakeGateway) RegisterSlip(_ context.Context, _ *domain.BankCredential, _ *domain.Slip) (*port.RegistrationResult, error) {
	if g.registerHook != nil {
		g.registerHook()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registerCalls++
	if len(g.registerErrs) > 0 {
		err := g.registerErrs[0]
		g.registerErrs = g.registerErrs[1:]
		return &port.RegistrationResult{
			CallRecord: port.CallRecord{RequestPayload: `{"nsuCode":"x"}`, ResponsePayload: `{"error":"scripted"}`, HTTPStatus: 500},
		}, err
	}
	res := g.registerResult
	if res == nil {
		res = &port.RegistrationResult{
			CallRecord:    port.CallRecord{RequestPayload: `{"nsuCode":"x"}`, ResponsePayload: `{"id":"bank-1"}`, HTTPStatus: 201},
			BankReference: "bank-1",
			Barcode:       "03391234500000162000000000000000000000000000",
			DigitableLine: "03399.87654 32100.000000 00000.000000 1 00000000162000",
		}
	}
	return res, nil
}

func (g *fakeGateway) QuerySlip(_ context.Context, _ *domain.BankCredential, _ string) (*port.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	if g.queryErr != nil {
		return &port.QueryResult{}, g.queryErr
	}
	return g.queryResult, nil
}

func (g *fakeGateway) WriteOffSlip(_ context.Context, _ *domain.BankCredential, _, _ string) (*port.CallRecord, error) {
	if g.writeOffErr != nil {
		return &port.CallRecord{HTTPStatus: 500}, g.writeOffErr
	}
	return &port.CallRecord{RequestPayload: `{"status":"BAIXADO"}`, ResponsePayload: `{}`, HTTPStatus: 200}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	issued int
	paid   int
}

func (n *fakeNotifier) SlipIssued(_ context.Context, _ *domain.BillingCycle, _ *domain.Slip) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.issued++
	return nil
}

func (n *fakeNotifier) SlipPaid(_ context.Context, _ *domain.BillingCycle, _ *domain.Slip) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paid++
	return nil
}
