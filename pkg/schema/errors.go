package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStructure         = "STRUCTURE_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeLoopMaxExceeded   = "LOOP_MAX_EXCEEDED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeAIProvider        = "AI_PROVIDER_ERROR"
	ErrCodeExtractionMiss    = "EXTRACTION_MISS"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// FlowError is the structured error type for all inkflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the causing node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code describes a condition worth
// retrying. Structural and validation problems never are; provider and
// store hiccups may be transient.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeAIProvider, ErrCodeStore, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
