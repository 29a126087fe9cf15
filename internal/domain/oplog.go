package domain

import "time"

// Bank API operations recorded in the slip operation log.
const (
	OperationRegister = "REGISTRO"
	OperationQuery    = "CONSULTA"
	OperationAmend    = "ALTERACAO"
	OperationWriteOff = "BAIXA"
	OperationProtest  = "PROTESTO"
)

// OperationLogEntry is the immutable record of one bank API call for one
// slip: the verbatim request and response, the HTTP status and the outcome.
// Append-only; the engine never mutates or deletes rows.
type OperationLogEntry struct {
	ID     string
	SlipID string

	Operation       string
	RequestPayload  string
	ResponsePayload string
	HTTPStatus      int
	Success         bool
	ErrorMessage    string

	CreatedAt time.Time
}
