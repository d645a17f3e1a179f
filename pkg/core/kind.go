package core

// Kind is the classification of a failure. The set is closed.
type Kind string

const (
	KindRetryable    Kind = "retryable"
	KindNonRetryable Kind = "non_retryable"
	KindCancellation Kind = "cancellation"
	KindFatal        Kind = "fatal"
)

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRetryable, KindNonRetryable, KindCancellation, KindFatal:
		return true
	default:
		return false
	}
}

// Category is a structural failure category. Each category maps to exactly one Kind.
type Category string

const (
	CategoryTransient         Category = "transient"
	CategoryNetwork           Category = "network"
	CategoryTimeout           Category = "timeout"
	CategoryRateLimited       Category = "rate_limited"
	CategoryValidation        Category = "validation"
	CategoryUnauthorized      Category = "unauthorized"
	CategoryQuotaExceeded     Category = "quota_exceeded"
	CategoryCancelled         Category = "cancelled"
	CategoryIntegrity         Category = "integrity"
	CategoryResourceExhausted Category = "resource_exhausted"
	CategoryUnrecoverable     Category = "unrecoverable"
	CategoryUnknown           Category = "unknown"
)
