package fault

import (
	"errors"
	"fmt"
)

// Caller-facing sentinels. Every *IntegrationError matches exactly one of them.
var (
	ErrValidation               = errors.New("validation failed")
	ErrReauthenticationRequired = errors.New("reauthentication required")
	ErrServiceUnavailable       = errors.New("service temporarily unavailable")
)

// ProviderError is a structured fault returned by a vendor API.
type ProviderError struct {
	Provider   string
	ErrorType  string
	ErrorCode  string
	Message    string
	StatusCode int
	RequestID  string
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "provider error"
	}
	if e.ErrorCode != "" {
		return fmt.Sprintf("%s: %s (type=%s code=%s status=%d)",
			e.Provider, msg, e.ErrorType, e.ErrorCode, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, msg, e.StatusCode)
}

// HTTPError is a non-2xx response that carried no structured vendor body.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Kind is the shape of a fault as seen by API handlers.
type Kind string

const (
	KindValidation       Kind = "validation_failure"
	KindReauthentication Kind = "reauthentication_required"
	KindUnavailable      Kind = "service_unavailable"
)

// IntegrationError is the single normalized fault surfaced above the banking core.
type IntegrationError struct {
	Kind      Kind
	Category  Category
	Severity  Severity
	Provider  string
	Operation string
	Message   string
	Err       error
}

func (e *IntegrationError) Error() string {
	return e.Message
}

func (e *IntegrationError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error's Kind.
func (e *IntegrationError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrReauthenticationRequired:
		return e.Kind == KindReauthentication
	case ErrServiceUnavailable:
		return e.Kind == KindUnavailable
	}
	return false
}

// NewValidationError reports malformed caller input. It is never retried.
func NewValidationError(provider, operation, format string, args ...any) *IntegrationError {
	return &IntegrationError{
		Kind:      KindValidation,
		Category:  CategoryValidation,
		Severity:  SeverityLow,
		Provider:  provider,
		Operation: operation,
		Message:   "invalid request: " + fmt.Sprintf(format, args...),
	}
}

// NewReauthenticationError tells the caller the user must relink the institution.
func NewReauthenticationError(provider, operation string, category Category, cause error) *IntegrationError {
	return &IntegrationError{
		Kind:      KindReauthentication,
		Category:  category,
		Severity:  SeverityCritical,
		Provider:  provider,
		Operation: operation,
		Message:   fmt.Sprintf("reauthentication required: relink your %s connection", provider),
		Err:       cause,
	}
}

// NewCircuitOpenError reports a systemic outage for a provider.
func NewCircuitOpenError(provider, operation string, category Category, severity Severity, cause error) *IntegrationError {
	return &IntegrationError{
		Kind:      KindUnavailable,
		Category:  category,
		Severity:  severity,
		Provider:  provider,
		Operation: operation,
		Message:   fmt.Sprintf("service temporarily unavailable for %s", provider),
		Err:       cause,
	}
}

// NewUnavailableError is the generic bucket for every other terminal failure.
func NewUnavailableError(provider, operation string, category Category, severity Severity, cause error) *IntegrationError {
	return &IntegrationError{
		Kind:      KindUnavailable,
		Category:  category,
		Severity:  severity,
		Provider:  provider,
		Operation: operation,
		Message:   fmt.Sprintf("%s %s failed, please try again later", provider, operation),
		Err:       cause,
	}
}

// KindOf returns the caller-facing kind of err. Unknown errors map to KindUnavailable.
func KindOf(err error) Kind {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindUnavailable
}
