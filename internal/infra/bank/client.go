// Package bank wraps the bank's boleto registration/query REST API.
// The client is stateless apart from the per-credential OAuth token cache;
// it never writes slip or ledger state. Callers persist the verbatim
// request/response payloads into the slip operation log.
package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/infra/observability"
	"github.com/imobia/cobranca-engine/internal/infra/resilience"
	"github.com/imobia/cobranca-engine/internal/port"
)

var tracer = otel.Tracer("bank")

// Client talks to one bank's registration/query API per credential.
type Client struct {
	cb          *gobreaker.CircuitBreaker
	cfg         resilience.Config
	logger      *zap.Logger
	metrics     *observability.Metrics
	credStore   port.CredentialStore
	tokenMargin time.Duration

	tokens      *tokenCache
	mtlsClients *mtlsClientCache
}

// New creates a bank API client. Requests go out through per-credential
// clients from the mTLS cache, which inherit httpClient's timeout; credStore
// is used only to persist refreshed tokens back to the credential row.
func New(httpClient *http.Client, credStore port.CredentialStore, cb *gobreaker.CircuitBreaker, cfg resilience.Config, tokenMargin time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Client {
	return &Client{
		cb:          cb,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		credStore:   credStore,
		tokenMargin: tokenMargin,
		tokens:      newTokenCache(),
		mtlsClients: newMTLSClientCache(httpClient.Timeout),
	}
}

// registrationPayload is the bank's registration request body.
type registrationPayload struct {
	Environment   envBlock     `json:"environment"`
	CovenantCode  string       `json:"covenantCode"`
	BankNumber    string       `json:"bankNumber"`
	ClientNumber  string       `json:"clientNumber"`
	NsuCode       string       `json:"nsuCode"`
	NsuDate       string       `json:"nsuDate"`
	DocumentKind  string       `json:"documentKind"`
	IssueDate     string       `json:"issueDate"`
	DueDate       string       `json:"dueDate"`
	LimitDate     string       `json:"paymentLimitDate,omitempty"`
	NominalValue  float64      `json:"nominalValue"`
	Payer         payerBlock   `json:"payer"`
	DiscountType  string       `json:"discountType"`
	DiscountValue float64      `json:"discountValue,omitempty"`
	DiscountLimit string       `json:"discountLimitDate,omitempty"`
	FineType      string       `json:"fineType"`
	FineValue     float64      `json:"fineValue,omitempty"`
	FineDate      string       `json:"fineDate,omitempty"`
	InterestType  string       `json:"interestType"`
	InterestValue float64      `json:"interestValue,omitempty"`
	Messages      []string     `json:"messages,omitempty"`
	DocumentNum   string       `json:"documentNumber,omitempty"`
}

type envBlock struct {
	Type string `json:"type"`
}

type payerBlock struct {
	Name           string `json:"name"`
	DocumentType   string `json:"documentType"`
	DocumentNumber string `json:"documentNumber"`
}

// registrationResponse is the bank's registration/query response body.
type registrationResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Barcode       string `json:"barCode"`
	DigitableLine string `json:"digitableLine"`
	PaymentDate   string `json:"paymentDate"`
	PaidValue     float64 `json:"paidValue"`
	QRCode        *struct {
		TxID string `json:"txId"`
		EMV  string `json:"emv"`
	} `json:"qrCode"`
}

// RegisterSlip registers a slip with the bank. Registration is not
// idempotent on the wire, so the call is made exactly once per invocation:
// retry policy lives in the registration engine's attempt counter, backed
// by the bank-side check in RecoverFromQuery.
func (c *Client) RegisterSlip(ctx context.Context, cred *domain.BankCredential, slip *domain.Slip) (*port.RegistrationResult, error) {
	ctx, span := tracer.Start(ctx, "Bank.RegisterSlip")
	defer span.End()
	span.SetAttributes(
		attribute.String("slip.our_number", slip.OurNumber),
		attribute.String("credential.id", cred.ID),
	)

	payload := c.buildRegistrationPayload(cred, slip)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &domain.ErrValidation{Field: "slip", Message: err.Error()}
	}

	result := &port.RegistrationResult{}
	result.RequestPayload = string(body)

	endpoint := fmt.Sprintf("/workspaces/%s/bank_slips", workspaceOrDefault(cred))

	_, err = c.cb.Execute(func() (any, error) {
		status, respBody, callErr := c.do(ctx, cred, http.MethodPost, endpoint, body)
		result.HTTPStatus = status
		result.ResponsePayload = string(respBody)
		if callErr != nil {
			return nil, callErr
		}

		if status != http.StatusCreated && status != http.StatusOK {
			return nil, c.mapStatusError(cred, "register", status, respBody)
		}

		var resp registrationResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, &domain.ErrTransient{Operation: "register", Err: fmt.Errorf("decoding bank response: %w", err)}
		}

		result.BankReference = resp.ID
		result.Barcode = resp.Barcode
		result.DigitableLine = resp.DigitableLine
		if resp.QRCode != nil {
			result.PixTxID = resp.QRCode.TxID
			result.PixQRCode = resp.QRCode.EMV
		}
		return nil, nil
	})

	c.countOutcome("register", err)
	if err != nil {
		// The raw exchange still matters for the operation log.
		return result, err
	}
	return result, nil
}

// QuerySlip fetches the bank's view of a registered slip. Reads are
// idempotent, so transient failures are retried in place.
func (c *Client) QuerySlip(ctx context.Context, cred *domain.BankCredential, bankRef string) (*port.QueryResult, error) {
	ctx, span := tracer.Start(ctx, "Bank.QuerySlip")
	defer span.End()
	span.SetAttributes(attribute.String("slip.bank_reference", bankRef))

	result := &port.QueryResult{}
	endpoint := fmt.Sprintf("/workspaces/%s/bank_slips/%s", workspaceOrDefault(cred), bankRef)

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			status, respBody, callErr := c.do(ctx, cred, http.MethodGet, endpoint, nil)
			result.HTTPStatus = status
			result.ResponsePayload = string(respBody)
			if callErr != nil {
				return callErr
			}
			if status == http.StatusNotFound {
				return &domain.ErrNotFound{Resource: "bank slip", ID: bankRef}
			}
			if status != http.StatusOK {
				return c.mapStatusError(cred, "query", status, respBody)
			}

			var resp registrationResponse
			if err := json.Unmarshal(respBody, &resp); err != nil {
				return &domain.ErrTransient{Operation: "query", Err: fmt.Errorf("decoding bank response: %w", err)}
			}

			result.Status = strings.ToUpper(resp.Status)
			result.BankReference = resp.ID
			result.Barcode = resp.Barcode
			result.DigitableLine = resp.DigitableLine
			result.PaidAmount = resp.PaidValue
			if resp.PaymentDate != "" {
				if t, err := time.Parse("2006-01-02", resp.PaymentDate); err == nil {
					result.PaidAt = t
				}
			}
			return nil
		})
	})

	c.countOutcome("query", err)
	if err != nil {
		return result, err
	}
	return result, nil
}

// WriteOffSlip asks the bank to administratively close the slip.
func (c *Client) WriteOffSlip(ctx context.Context, cred *domain.BankCredential, bankRef, reason string) (*port.CallRecord, error) {
	ctx, span := tracer.Start(ctx, "Bank.WriteOffSlip")
	defer span.End()

	payload := map[string]string{
		"status": "BAIXADO",
		"reason": reason,
	}
	body, _ := json.Marshal(payload)

	record := &port.CallRecord{RequestPayload: string(body)}
	endpoint := fmt.Sprintf("/workspaces/%s/bank_slips/%s", workspaceOrDefault(cred), bankRef)

	_, err := c.cb.Execute(func() (any, error) {
		status, respBody, callErr := c.do(ctx, cred, http.MethodPatch, endpoint, body)
		record.HTTPStatus = status
		record.ResponsePayload = string(respBody)
		if callErr != nil {
			return nil, callErr
		}
		if status != http.StatusOK && status != http.StatusNoContent {
			return nil, c.mapStatusError(cred, "write_off", status, respBody)
		}
		return nil, nil
	})

	c.countOutcome("write_off", err)
	if err != nil {
		return record, err
	}
	return record, nil
}

// do executes one authenticated request against the bank API, refreshing the
// cached token first when needed.
func (c *Client) do(ctx context.Context, cred *domain.BankCredential, method, endpoint string, body []byte) (int, []byte, error) {
	token, err := c.token(ctx, cred)
	if err != nil {
		return 0, nil, err
	}

	url := strings.TrimRight(cred.APIURL, "/") + endpoint

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, &domain.ErrValidation{Field: "request", Message: err.Error()}
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Application-Key", cred.ClientID)

	httpClient, err := c.mtlsClients.clientFor(cred)
	if err != nil {
		return 0, nil, &domain.ErrAuth{Credential: cred.ID, Message: err.Error()}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		c.logger.Warn("bank: request failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return 0, nil, &domain.ErrTransient{Operation: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &domain.ErrTransient{Operation: endpoint, Err: err}
	}

	c.logger.Debug("bank: request done",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
	)

	return resp.StatusCode, respBody, nil
}

// mapStatusError translates a non-2xx bank response into the error taxonomy.
func (c *Client) mapStatusError(cred *domain.BankCredential, op string, status int, body []byte) error {
	msg := extractErrorMessage(body)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.metrics.IncrBankError("auth")
		return &domain.ErrAuth{Credential: cred.ID, Message: msg}
	case status == http.StatusTooManyRequests:
		c.metrics.IncrBankError("rate_limit")
		return &domain.ErrRateLimit{Operation: op}
	case status >= 500:
		c.metrics.IncrBankError("transient")
		return &domain.ErrTransient{Operation: op, Err: fmt.Errorf("bank returned %d: %s", status, msg)}
	default:
		c.metrics.IncrBankError("validation")
		return &domain.ErrValidation{Field: op, Message: msg}
	}
}

func (c *Client) countOutcome(op string, err error) {
	if err != nil {
		c.metrics.IncrBankCall(op, "error")
		return
	}
	c.metrics.IncrBankCall(op, "success")
}

// buildRegistrationPayload maps the slip to the bank's wire format.
func (c *Client) buildRegistrationPayload(cred *domain.BankCredential, slip *domain.Slip) registrationPayload {
	envType := "SANDBOX"
	if cred.Environment == domain.EnvironmentProduction {
		envType = "PRODUCAO"
	}

	doc := digitsOnly(slip.PayerDocument)
	docType := "CNPJ"
	if len(doc) == 11 {
		docType = "CPF"
	}

	p := registrationPayload{
		Environment:  envBlock{Type: envType},
		CovenantCode: cred.Convenio,
		BankNumber:   cred.Bank,
		ClientNumber: cred.BankAccountID,
		NsuCode:      slip.OurNumber,
		NsuDate:      time.Now().Format("2006-01-02"),
		DocumentKind: "DUPLICATA_MERCANTIL",
		IssueDate:    slip.IssueDate.Format("2006-01-02"),
		DueDate:      slip.DueDate.Format("2006-01-02"),
		NominalValue: slip.NominalValue,
		Payer: payerBlock{
			Name:           truncate(slip.PayerName, 40),
			DocumentType:   docType,
			DocumentNumber: doc,
		},
		DiscountType: domain.PolicyExempt,
		FineType:     domain.PolicyExempt,
		InterestType: domain.PolicyExempt,
		DocumentNum:  slip.YourNumber,
	}

	if !slip.LimitDate.IsZero() {
		p.LimitDate = slip.LimitDate.Format("2006-01-02")
	}
	if !slip.Discount.IsExempt() {
		p.DiscountType = slip.Discount.Type
		p.DiscountValue = slip.Discount.Value
		if !slip.Discount.Date.IsZero() {
			p.DiscountLimit = slip.Discount.Date.Format("2006-01-02")
		}
	}
	if !slip.Fine.IsExempt() {
		p.FineType = slip.Fine.Type
		p.FineValue = slip.Fine.Value
		if !slip.Fine.Date.IsZero() {
			p.FineDate = slip.Fine.Date.Format("2006-01-02")
		}
	}
	if !slip.Interest.IsExempt() {
		p.InterestType = slip.Interest.Type
		p.InterestValue = slip.Interest.Value
	}
	if slip.PayerMessage != "" {
		p.Messages = wrapMessages(slip.PayerMessage)
	}

	return p
}

// extractErrorMessage digs through the bank's assorted error body shapes.
func extractErrorMessage(body []byte) string {
	var e struct {
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Errors           []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return strings.TrimSpace(string(body))
	}
	switch {
	case e.Message != "":
		return e.Message
	case e.ErrorDescription != "":
		return e.ErrorDescription
	case e.Error != "":
		return e.Error
	case len(e.Errors) > 0 && e.Errors[0].Message != "":
		return e.Errors[0].Message
	}
	return "unknown bank error"
}

// wrapMessages splits a payer message into the bank's limit of 4 lines of
// 40 characters.
func wrapMessages(msg string) []string {
	var lines []string
	current := ""
	for _, word := range strings.Fields(msg) {
		if len(current)+len(word)+1 <= 40 {
			if current == "" {
				current = word
			} else {
				current += " " + word
			}
			continue
		}
		if current != "" {
			lines = append(lines, current)
		}
		current = truncate(word, 40)
		if len(lines) >= 4 {
			break
		}
	}
	if current != "" && len(lines) < 4 {
		lines = append(lines, current)
	}
	if len(lines) > 4 {
		lines = lines[:4]
	}
	return lines
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func workspaceOrDefault(cred *domain.BankCredential) string {
	if cred.WorkspaceID != "" {
		return cred.WorkspaceID
	}
	return "default"
}
