package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/jdziat/job-reliability/pkg/core"
)

// Metadata describes a classified failure for logging.
type Metadata struct {
	Kind       core.Kind
	Category   core.Category
	RetryAfter time.Duration
	Message    string
}

// categoryKinds is the closed category table.
var categoryKinds = map[core.Category]core.Kind{
	core.CategoryTransient:         core.KindRetryable,
	core.CategoryNetwork:           core.KindRetryable,
	core.CategoryTimeout:           core.KindRetryable,
	core.CategoryRateLimited:       core.KindRetryable,
	core.CategoryValidation:        core.KindNonRetryable,
	core.CategoryUnauthorized:      core.KindNonRetryable,
	core.CategoryQuotaExceeded:     core.KindNonRetryable,
	core.CategoryCancelled:         core.KindCancellation,
	core.CategoryIntegrity:         core.KindFatal,
	core.CategoryResourceExhausted: core.KindFatal,
	core.CategoryUnrecoverable:     core.KindFatal,
	core.CategoryUnknown:           core.KindNonRetryable,
}

// KindOf returns the kind for a category. Unknown categories are non_retryable.
func KindOf(c core.Category) core.Kind {
	if k, ok := categoryKinds[c]; ok {
		return k
	}
	return core.KindNonRetryable
}

// Classify returns the kind of err.
func Classify(err error) core.Kind {
	return Describe(err).Kind
}

// Describe classifies err and extracts the retry-after hint and message.
// A nil error is reported as non_retryable with an empty category.
func Describe(err error) Metadata {
	if err == nil {
		return Metadata{Kind: core.KindNonRetryable}
	}
	c, hint := category(err)
	return Metadata{
		Kind:       KindOf(c),
		Category:   c,
		RetryAfter: hint,
		Message:    err.Error(),
	}
}

// category walks the error chain outermost first and returns the first
// recognised shape. Network errors are a fallback so that a more specific
// cause inside a *net.OpError still wins.
func category(err error) (core.Category, time.Duration) {
	if c, hint, ok := walk(err); ok {
		return c, hint
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if _, isErrno := netErr.(syscall.Errno); !isErrno {
			if netErr.Timeout() {
				return core.CategoryTimeout, 0
			}
			return core.CategoryNetwork, 0
		}
	}
	return core.CategoryUnknown, 0
}

func walk(err error) (core.Category, time.Duration, bool) {
	for err != nil {
		if c, hint, ok := shape(err); ok {
			return c, hint, true
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if c, hint, ok := walk(inner); ok {
					return c, hint, true
				}
			}
			return "", 0, false
		default:
			return "", 0, false
		}
	}
	return "", 0, false
}

// shape recognises a single link of the chain without unwrapping it.
func shape(err error) (core.Category, time.Duration, bool) {
	switch e := err.(type) {
	case *core.Error:
		return e.Category, e.RetryAfter, true
	case *core.NoRetryError:
		return core.CategoryValidation, 0, true
	case *core.RetryAfterError:
		return core.CategoryRateLimited, e.Delay, true
	case *core.PanicError:
		return core.CategoryUnrecoverable, 0, true
	case *core.ChainVerificationError:
		return core.CategoryIntegrity, 0, true
	case *pgconn.PgError:
		return postgresCategory(e.Code), 0, true
	case sqlite3.Error:
		return sqliteCategory(e.Code), 0, true
	case *sqlite3.Error:
		return sqliteCategory(e.Code), 0, true
	case syscall.Errno:
		return errnoCategory(e)
	}

	switch err {
	case core.ErrCancelled, context.Canceled:
		return core.CategoryCancelled, 0, true
	case context.DeadlineExceeded:
		return core.CategoryTimeout, 0, true
	case core.ErrKeyReuseConflict, core.ErrUnauthorized:
		return core.CategoryValidation, 0, true
	case io.ErrUnexpectedEOF, net.ErrClosed:
		return core.CategoryNetwork, 0, true
	}
	if c, ok := gormCategory(err); ok {
		return c, 0, true
	}
	return "", 0, false
}

func gormCategory(err error) (core.Category, bool) {
	switch err {
	case gorm.ErrDuplicatedKey, gorm.ErrForeignKeyViolated, gorm.ErrCheckConstraintViolated:
		return core.CategoryIntegrity, true
	case gorm.ErrRecordNotFound, gorm.ErrInvalidData, gorm.ErrInvalidValue, gorm.ErrInvalidField,
		gorm.ErrMissingWhereClause, gorm.ErrPrimaryKeyRequired:
		return core.CategoryValidation, true
	case gorm.ErrInvalidTransaction:
		return core.CategoryUnrecoverable, true
	}
	return "", false
}

// postgresCategory maps a SQLSTATE code by class.
func postgresCategory(code string) core.Category {
	switch code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return core.CategoryTransient
	case "57P01", "57P02", "57P03": // admin/crash shutdown, cannot connect now
		return core.CategoryNetwork
	case "57014": // query_canceled, raised by statement_timeout
		return core.CategoryTimeout
	}
	if len(code) < 2 {
		return core.CategoryUnknown
	}
	switch code[:2] {
	case "08":
		return core.CategoryNetwork
	case "23":
		return core.CategoryIntegrity
	case "53":
		return core.CategoryResourceExhausted
	case "XX":
		return core.CategoryUnrecoverable
	case "22", "42":
		return core.CategoryValidation
	case "28":
		return core.CategoryUnauthorized
	}
	return core.CategoryUnknown
}

func sqliteCategory(code sqlite3.ErrNo) core.Category {
	switch code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrProtocol:
		return core.CategoryTransient
	case sqlite3.ErrConstraint, sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrMismatch:
		return core.CategoryIntegrity
	case sqlite3.ErrFull, sqlite3.ErrNomem:
		return core.CategoryResourceExhausted
	case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrReadonly:
		return core.CategoryUnauthorized
	case sqlite3.ErrTooBig, sqlite3.ErrRange:
		return core.CategoryValidation
	}
	return core.CategoryUnknown
}

func errnoCategory(errno syscall.Errno) (core.Category, time.Duration, bool) {
	switch errno {
	case syscall.ENOSPC, syscall.ENOMEM, syscall.EMFILE:
		return core.CategoryResourceExhausted, 0, true
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE,
		syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return core.CategoryNetwork, 0, true
	case syscall.ETIMEDOUT:
		return core.CategoryTimeout, 0, true
	}
	return "", 0, false
}

// String renders metadata for log lines.
func (m Metadata) String() string {
	var b strings.Builder
	b.WriteString(string(m.Kind))
	if m.Category != "" {
		b.WriteString("/")
		b.WriteString(string(m.Category))
	}
	if m.RetryAfter > 0 {
		b.WriteString(" retry_after=")
		b.WriteString(m.RetryAfter.String())
	}
	return b.String()
}

// LogAttrs returns slog-style key/value pairs.
func (m Metadata) LogAttrs() []any {
	attrs := []any{"error_kind", string(m.Kind), "error_category", string(m.Category)}
	if m.RetryAfter > 0 {
		attrs = append(attrs, "retry_after", m.RetryAfter)
	}
	return attrs
}
