package fault

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
)

// providerCodes maps vendor error codes to categories. Codes are checked
// before error types because they are more specific.
var providerCodes = map[string]Category{
	// Plaid
	"INVALID_CREDENTIALS": CategoryAuthentication,
	"ITEM_LOGIN_REQUIRED": CategoryAuthentication,
	"INVALID_MFA":         CategoryAuthentication,
	"USER_SETUP_REQUIRED": CategoryAuthentication,

	"INVALID_ACCESS_TOKEN": CategoryAuthorization,
	"INVALID_API_KEYS":     CategoryAuthorization,
	"UNAUTHORIZED_ACCESS":  CategoryAuthorization,
	"ACCESS_NOT_GRANTED":   CategoryAuthorization,

	"RATE_LIMIT_EXCEEDED": CategoryRateLimit,
	"RATE_LIMIT":          CategoryRateLimit,

	"INVALID_REQUEST": CategoryValidation,
	"INVALID_INPUT":   CategoryValidation,
	"MISSING_FIELDS":  CategoryValidation,
	"INVALID_FIELD":   CategoryValidation,

	"INSTITUTION_DOWN":           CategoryAPIError,
	"INSTITUTION_NOT_RESPONDING": CategoryAPIError,
	"API_ERROR":                  CategoryAPIError,
	"INTERNAL_SERVER_ERROR":      CategoryAPIError,
	"PLANNED_MAINTENANCE":        CategoryAPIError,

	"PRODUCT_NOT_READY": CategoryDataError,
	"ITEM_NOT_FOUND":    CategoryDataError,
	"TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION": CategoryDataError,

	// Yodlee
	"Y001": CategoryAuthentication,
	"Y002": CategoryAuthentication,
	"Y003": CategoryAuthentication,
	"Y007": CategoryAuthentication,
	"Y008": CategoryAuthentication,
	"Y020": CategoryAuthentication,
	"Y010": CategoryAuthorization,
	"Y011": CategoryAuthorization,
	"Y016": CategoryAuthorization,
	"Y004": CategoryRateLimit,
	"Y901": CategoryAPIError,
	"Y902": CategoryAPIError,
	"Y906": CategoryAPIError,
}

// providerTypes is consulted when the code is unknown.
var providerTypes = map[string]Category{
	"INVALID_REQUEST":     CategoryValidation,
	"INVALID_INPUT":       CategoryValidation,
	"RATE_LIMIT_EXCEEDED": CategoryRateLimit,
	"API_ERROR":           CategoryAPIError,
	"INSTITUTION_ERROR":   CategoryAPIError,
}

// Classify maps a fault to a Category. It is total: unrecognized input,
// including a nil error, yields CategorySystemError.
func Classify(err error) (category Category) {
	defer func() {
		if r := recover(); r != nil {
			category = CategorySystemError
		}
	}()

	if err == nil {
		return CategorySystemError
	}

	var ie *IntegrationError
	if errors.As(err, &ie) && ie.Category != "" {
		return ie.Category
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if c, ok := classifyProviderError(pe); ok {
			return c
		}
		if c, ok := classifyStatus(pe.StatusCode); ok {
			return c
		}
	}

	var he *HTTPError
	if errors.As(err, &he) {
		if c, ok := classifyStatus(he.StatusCode); ok {
			return c
		}
	}

	if c, ok := classifyTransport(err); ok {
		return c
	}

	if c, ok := classifyMessage(err.Error()); ok {
		return c
	}

	return CategorySystemError
}

func classifyProviderError(pe *ProviderError) (Category, bool) {
	code := strings.ToUpper(strings.TrimSpace(pe.ErrorCode))
	if c, ok := providerCodes[code]; ok {
		return c, true
	}
	if isYodleeValidationCode(code) {
		return CategoryValidation, true
	}
	if c, ok := providerTypes[strings.ToUpper(pe.ErrorType)]; ok {
		return c, true
	}
	return "", false
}

// Yodlee reserves Y800-Y899 for request validation failures.
func isYodleeValidationCode(code string) bool {
	if len(code) != 4 || code[0] != 'Y' {
		return false
	}
	n, err := strconv.Atoi(code[1:])
	if err != nil {
		return false
	}
	return n >= 800 && n <= 899
}

func classifyStatus(status int) (Category, bool) {
	switch {
	case status == http.StatusUnauthorized:
		return CategoryAuthentication, true
	case status == http.StatusForbidden:
		return CategoryAuthorization, true
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit, true
	case status >= 400 && status < 500:
		return CategoryValidation, true
	case status >= 500:
		return CategoryAPIError, true
	}
	return "", false
}

func classifyTransport(err error) (Category, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout, true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryNetwork, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryNetwork, true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryNetwork, true
	}

	return "", false
}

// classifyMessage is the last-resort text heuristic.
func classifyMessage(msg string) (Category, bool) {
	m := strings.ToLower(msg)

	switch {
	case strings.Contains(m, "timeout") || strings.Contains(m, "timed out"):
		return CategoryTimeout, true
	case strings.Contains(m, "rate limit") || strings.Contains(m, "too many requests"):
		return CategoryRateLimit, true
	case strings.Contains(m, "connection refused") ||
		strings.Contains(m, "connection reset") ||
		strings.Contains(m, "no such host"):
		return CategoryNetwork, true
	case strings.Contains(m, "unauthorized"):
		return CategoryAuthentication, true
	case strings.Contains(m, "forbidden"):
		return CategoryAuthorization, true
	case strings.Contains(m, "invalid"):
		return CategoryValidation, true
	}
	return "", false
}
