package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/infra/observability"
	"github.com/imobia/cobranca-engine/internal/port"
	"github.com/imobia/cobranca-engine/internal/service"
)

type boletoFixture struct {
	slips     *fakeSlipStore
	cycles    *fakeCycleStore
	ledger    *fakeLedgerStore
	creds     *fakeCredentialStore
	contracts *fakeContractSource
	gateway   *fakeGateway
	notifier  *fakeNotifier
	svc       *service.BoletoService
}

func newBoletoFixture(t *testing.T) *boletoFixture {
	t.Helper()

	f := &boletoFixture{
		slips:  newFakeSlipStore(),
		cycles: newFakeCycleStore(),
		ledger: newFakeLedgerStore(),
		creds: &fakeCredentialStore{cred: &domain.BankCredential{
			ID:          "cred-1",
			Bank:        "033",
			Environment: domain.EnvironmentSandbox,
			Convenio:    "1234567",
			CertExpires: time.Now().Add(365 * 24 * time.Hour),
			Active:      true,
		}},
		contracts: &fakeContractSource{contracts: map[string]*domain.Contract{
			"ctr-1": {
				ID:         "ctr-1",
				TenantID:   "tenant-1",
				TenantName: "Maria Souza",
				TenantDoc:  "12345678901",
				RentValue:  1500,
				DueDay:     10,
				LeadDays:   5,
				Active:     true,
			},
		}},
		gateway:  &fakeGateway{},
		notifier: &fakeNotifier{},
	}
	f.svc = service.NewBoletoService(
		f.slips, f.cycles, f.ledger, f.creds, f.contracts,
		f.gateway, f.notifier, 3,
		observability.NewMetrics(), zap.NewNop(),
	)
	return f
}

func (f *boletoFixture) seedCycle(t *testing.T) *domain.BillingCycle {
	t.Helper()
	cycle := &domain.BillingCycle{
		ID:         "cyc-1",
		ContractID: "ctr-1",
		Competency: "2026-09",
		DueDate:    time.Now().AddDate(0, 0, 10),
		Amounts:    domain.CycleAmounts{Rent: 1500, PropertyTax: 120},
		Total:      1620,
		Status:     domain.CycleStatusPending,
	}
	require.NoError(t, f.cycles.CreateCycle(context.Background(), cycle))
	return cycle
}

func TestIssue_FromCycle(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)

	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)

	assert.Equal(t, domain.SlipStatusPending, slip.Status)
	assert.Equal(t, 1620.0, slip.NominalValue)
	assert.Equal(t, "Maria Souza", slip.PayerName)
	assert.Len(t, slip.OurNumber, 20)
	assert.Equal(t, "1234567", slip.OurNumber[:7])
}

func TestIssue_OurNumberMonotonic(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)

	first, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)

	entry := &domain.LedgerEntry{
		ID:        "ent-1",
		Direction: domain.DirectionReceivable,
		DueDate:   time.Now().AddDate(0, 0, 15),
		Principal: 300,
	}
	entry.ComputeTotal()
	entry.DeriveStatus()
	require.NoError(t, f.ledger.CreateEntry(context.Background(), entry))

	second, err := f.svc.Issue(context.Background(), service.IssueSource{EntryID: "ent-1"})
	require.NoError(t, err)

	assert.Less(t, first.OurNumber, second.OurNumber)
}

func TestIssue_XorSourceRequired(t *testing.T) {
	f := newBoletoFixture(t)

	_, err := f.svc.Issue(context.Background(), service.IssueSource{})
	var validation *domain.ErrValidation
	require.ErrorAs(t, err, &validation)

	_, err = f.svc.Issue(context.Background(), service.IssueSource{CycleID: "a", EntryID: "b"})
	require.ErrorAs(t, err, &validation)
}

func TestRegister_Success(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)
	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)

	registered, err := f.svc.Register(context.Background(), slip.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.SlipStatusRegistered, registered.Status)
	assert.Equal(t, "bank-1", registered.BankReference)
	assert.NotEmpty(t, registered.DigitableLine)
	assert.Zero(t, registered.Attempts)

	ops := f.slips.operations(slip.ID)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OperationRegister, ops[0].Operation)
	assert.True(t, ops[0].Success)
	assert.NotEmpty(t, ops[0].RequestPayload)

	cycle, err := f.cycles.GetCycle(context.Background(), "cyc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusSlipIssued, cycle.Status)
	assert.Equal(t, slip.ID, cycle.SlipID)
}

func TestRegister_TransientFailuresReachCeiling(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)
	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)

	f.gateway.registerErrs = []error{
		&domain.ErrTransient{Operation: "register", Err: errors.New("timeout")},
		&domain.ErrTransient{Operation: "register", Err: errors.New("timeout")},
		&domain.ErrTransient{Operation: "register", Err: errors.New("timeout")},
	}

	for i := 1; i <= 3; i++ {
		got, err := f.svc.Register(context.Background(), slip.ID)
		require.Error(t, err)
		assert.Equal(t, i, got.Attempts)
		if i < 3 {
			assert.Equal(t, domain.SlipStatusPending, got.Status)
		} else {
			assert.Equal(t, domain.SlipStatusError, got.Status)
		}
	}

	// One log row per bank call, and the ceiling stops further calls.
	assert.Len(t, f.slips.operations(slip.ID), 3)

	got, err := f.svc.Register(context.Background(), slip.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SlipStatusError, got.Status)
	assert.Equal(t, 3, f.gateway.registerCalls)
}

func TestRegister_ValidationErrorFailsImmediately(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)
	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)

	f.gateway.registerErrs = []error{
		&domain.ErrValidation{Field: "payerDocument", Message: "invalid document"},
	}

	got, regErr := f.svc.Register(context.Background(), slip.ID)
	require.Error(t, regErr)
	assert.Equal(t, domain.SlipStatusError, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// ERROR below the ceiling is still eligible; the bank is called again.
	got, err = f.svc.Register(context.Background(), slip.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SlipStatusRegistered, got.Status)
}

func TestRegister_NoopWhenAlreadyRegistered(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)
	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)

	_, err = f.svc.Register(context.Background(), slip.ID)
	require.NoError(t, err)

	got, err := f.svc.Register(context.Background(), slip.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SlipStatusRegistered, got.Status)
	assert.Equal(t, 1, f.gateway.registerCalls)
	assert.Len(t, f.slips.operations(slip.ID), 1)
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)
	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)
	_, err = f.svc.Register(context.Background(), slip.ID)
	require.NoError(t, err)

	paidAt := time.Now()
	got, err := f.svc.Reconcile(context.Background(), slip.ID, service.PaymentNotice{
		PaidAt:     paidAt,
		PaidAmount: 1620,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SlipStatusPaid, got.Status)
	assert.Equal(t, 1620.0, got.PaidAmount)

	cycle, err := f.cycles.GetCycle(context.Background(), "cyc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusPaid, cycle.Status)
	assert.Equal(t, 1, f.notifier.paid)

	// Second notice changes nothing.
	again, err := f.svc.Reconcile(context.Background(), slip.ID, service.PaymentNotice{PaidAmount: 1620})
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
	assert.Equal(t, 1, f.notifier.paid)
}

func TestReconcile_SettlesLedgerEntry(t *testing.T) {
	f := newBoletoFixture(t)

	entry := &domain.LedgerEntry{
		ID:        "ent-1",
		Direction: domain.DirectionReceivable,
		DueDate:   time.Now().AddDate(0, 0, 15),
		Principal: 300,
	}
	entry.ComputeTotal()
	entry.DeriveStatus()
	require.NoError(t, f.ledger.CreateEntry(context.Background(), entry))

	slip, err := f.svc.Issue(context.Background(), service.IssueSource{EntryID: "ent-1"})
	require.NoError(t, err)
	_, err = f.svc.Register(context.Background(), slip.ID)
	require.NoError(t, err)

	_, err = f.svc.Reconcile(context.Background(), slip.ID, service.PaymentNotice{PaidAmount: 300})
	require.NoError(t, err)

	settled, err := f.ledger.GetEntry(context.Background(), "ent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusPaid, settled.Status)
	assert.Equal(t, 300.0, settled.Paid)
	assert.Equal(t, 0.0, settled.Balance)

	sts, err := f.ledger.ListSettlements(context.Background(), "ent-1")
	require.NoError(t, err)
	require.Len(t, sts, 1)
	assert.Equal(t, "boleto", sts[0].Method)
}

func TestRecoverFromQuery_BankKnowsSlip(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)
	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)

	// Local timeout: the bank actually registered it.
	f.gateway.registerErrs = []error{
		&domain.ErrTransient{Operation: "register", Err: errors.New("timeout")},
	}
	_, _ = f.svc.Register(context.Background(), slip.ID)

	f.gateway.queryResult = &port.QueryResult{
		CallRecord:    port.CallRecord{ResponsePayload: `{"id":"bank-9"}`, HTTPStatus: 200},
		Status:        "REGISTRADO",
		BankReference: "bank-9",
		Barcode:       "033912345",
		DigitableLine: "03399...",
	}

	got, err := f.svc.RecoverFromQuery(context.Background(), slip.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SlipStatusRegistered, got.Status)
	assert.Equal(t, "bank-9", got.BankReference)
	assert.Zero(t, got.Attempts)

	// No second registration attempt happened.
	assert.Equal(t, 1, f.gateway.registerCalls)
}

func TestRecoverFromQuery_BankNeverSawIt(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)
	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)

	f.gateway.queryErr = &domain.ErrNotFound{Resource: "bank slip", ID: slip.OurNumber}

	got, err := f.svc.RecoverFromQuery(context.Background(), slip.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SlipStatusPending, got.Status)

	ops := f.slips.operations(slip.ID)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OperationQuery, ops[0].Operation)
	assert.False(t, ops[0].Success)
}

func TestWriteOff_GuardsStatus(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)
	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)

	_, err = f.svc.WriteOff(context.Background(), slip.ID, "acordo")
	var transition *domain.ErrInvalidTransition
	require.ErrorAs(t, err, &transition)

	_, err = f.svc.Register(context.Background(), slip.ID)
	require.NoError(t, err)

	got, err := f.svc.WriteOff(context.Background(), slip.ID, "acordo")
	require.NoError(t, err)
	assert.Equal(t, domain.SlipStatusWrittenOff, got.Status)
	assert.Equal(t, "acordo", got.WriteOffReason)
	assert.False(t, got.WriteOffAt.IsZero())
}

func TestRetryErrored_ResetsAndRegisters(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)
	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)

	f.gateway.registerErrs = []error{
		&domain.ErrTransient{Operation: "register", Err: errors.New("timeout")},
		&domain.ErrTransient{Operation: "register", Err: errors.New("timeout")},
		&domain.ErrTransient{Operation: "register", Err: errors.New("timeout")},
	}
	for i := 0; i < 3; i++ {
		_, _ = f.svc.Register(context.Background(), slip.ID)
	}

	got, err := f.svc.RetryErrored(context.Background(), slip.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SlipStatusRegistered, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.LastError)
}

func TestSyncRegistered_AppliesBankState(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)
	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)
	_, err = f.svc.Register(context.Background(), slip.ID)
	require.NoError(t, err)

	f.gateway.queryResult = &port.QueryResult{
		CallRecord: port.CallRecord{ResponsePayload: `{"status":"PAGO"}`, HTTPStatus: 200},
		Status:     "PAGO",
		PaidAt:     time.Now(),
		PaidAmount: 1620,
	}

	changed, err := f.svc.SyncRegistered(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got, err := f.slips.GetSlip(context.Background(), slip.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SlipStatusPaid, got.Status)
}

func TestRegister_ConcurrentCallersShareOneBankCall(t *testing.T) {
	f := newBoletoFixture(t)
	f.seedCycle(t)
	slip, err := f.svc.Issue(context.Background(), service.IssueSource{CycleID: "cyc-1"})
	require.NoError(t, err)

	// Hold the first caller inside the bank call so the race between both
	// workers is decided while a registration is in flight.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.gateway.registerHook = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	type outcome struct {
		slip *domain.Slip
		err  error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			got, err := f.svc.Register(context.Background(), slip.ID)
			results <- outcome{got, err}
		}()
	}

	<-entered
	// Let the second worker reach the registration path before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		assert.Equal(t, domain.SlipStatusRegistered, out.slip.Status)
	}
	assert.Equal(t, 1, f.gateway.registerCalls)

	// Exactly the winner's outcome is logged.
	log := f.slips.log[slip.ID]
	require.Len(t, log, 1)
	assert.True(t, log[0].Success)

	// A stale write is still rejected outright by the store.
	stale := *slip
	stale.Status = domain.SlipStatusRegistered
	err = f.slips.UpdateSlipTx(context.Background(), &stale, nil)
	var conflict *domain.ErrConflict
	require.ErrorAs(t, err, &conflict)
}
