package engine

import "fmt"

// Business error codes surfaced to API clients.
const (
	CodeDuplicateOrder      = "duplicate_order"
	CodeNoActiveStages      = "no_active_stages"
	CodeChecklistIncomplete = "checklist_incomplete"
	CodeDuplicateTaxID      = "duplicate_tax_id"
	CodeInvalidStatus       = "invalid_status"
)

// BusinessError is a domain rule violation, distinct from not-found and
// infrastructure failures.
type BusinessError struct {
	Code    string
	Message string
}

func (e BusinessError) Error() string {
	return e.Message
}

func businessErrf(code, format string, args ...any) BusinessError {
	return BusinessError{Code: code, Message: fmt.Sprintf(format, args...)}
}
