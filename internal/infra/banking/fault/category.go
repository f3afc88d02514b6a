// Package fault defines the banking error taxonomy and the pure functions that
// classify provider faults, grade their severity and decide retryability.
package fault

// Category is the closed set of error categories. Anything unrecognized
// collapses to CategorySystemError.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryRateLimit      Category = "rate_limit"
	CategoryNetwork        Category = "network"
	CategoryAPIError       Category = "api_error"
	CategoryDataError      Category = "data_error"
	CategorySystemError    Category = "system_error"
	CategoryTimeout        Category = "timeout"
	CategoryValidation     Category = "validation"
)

// Categories lists every category in declaration order.
var Categories = []Category{
	CategoryAuthentication,
	CategoryAuthorization,
	CategoryRateLimit,
	CategoryNetwork,
	CategoryAPIError,
	CategoryDataError,
	CategorySystemError,
	CategoryTimeout,
	CategoryValidation,
}

// IsCredentialFailure reports whether the user has to relink to recover.
func (c Category) IsCredentialFailure() bool {
	return c == CategoryAuthentication || c == CategoryAuthorization
}

// IsPermanent reports whether the category is never worth retrying.
func (c Category) IsPermanent() bool {
	return c.IsCredentialFailure() || c == CategoryValidation
}

// IsTransient reports whether the category is always worth retrying within budget.
func (c Category) IsTransient() bool {
	return c == CategoryNetwork || c == CategoryTimeout || c == CategoryRateLimit
}
