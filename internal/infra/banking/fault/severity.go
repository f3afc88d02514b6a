package fault

// Severity is a totally ordered escalation scale.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

var baseSeverity = map[Category]Severity{
	CategoryAuthentication: SeverityCritical,
	CategoryAuthorization:  SeverityCritical,
	CategorySystemError:    SeverityHigh,
	CategoryAPIError:       SeverityHigh,
	CategoryRateLimit:      SeverityMedium,
	CategoryTimeout:        SeverityMedium,
	CategoryDataError:      SeverityMedium,
	CategoryNetwork:        SeverityLow,
	CategoryValidation:     SeverityLow,
}

// AssessSeverity grades a category for the given 1-based attempt.
// Credential failures are always critical. Once the attempt budget is spent,
// network escalates to medium and everything else to at least high.
func AssessSeverity(category Category, attempt, maxAttempts int) Severity {
	severity, ok := baseSeverity[category]
	if !ok {
		severity = SeverityHigh
	}
	if category.IsCredentialFailure() {
		return SeverityCritical
	}

	if maxAttempts > 0 && attempt >= maxAttempts {
		escalated := SeverityHigh
		if category == CategoryNetwork {
			escalated = SeverityMedium
		}
		if escalated > severity {
			severity = escalated
		}
	}
	return severity
}

// IsRetryable reports whether another attempt may help.
func IsRetryable(category Category, attempt, maxAttempts int) bool {
	switch {
	case category.IsPermanent():
		return false
	case category.IsTransient():
		return true
	case category == CategoryAPIError:
		return attempt < maxAttempts
	default:
		return true
	}
}

// MarshalText renders the severity by name in JSON and logs.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
