// Package errs classifies pipeline errors and provides retry support.
// Every error surfaced to the scheduler carries a Kind so follow-up is
// mechanical: transient errors retry, business errors drop the setup,
// fatal errors halt the scanners.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind buckets an error by required follow-up
type Kind int

const (
	// KindTransient - network, rate limit, timeout; retried with backoff
	KindTransient Kind = iota
	// KindValidation - bad inputs or invariant violation; rejected, never retried
	KindValidation
	// KindBusiness - risk gate block, stop rejection, AI rejection; setup dropped
	KindBusiness
	// KindExchangeConflict - order rejected by market state; subkind decides
	KindExchangeConflict
	// KindFatal - invalid credentials, schema mismatch; halt and alert
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "TRANSIENT"
	case KindValidation:
		return "VALIDATION"
	case KindBusiness:
		return "BUSINESS"
	case KindExchangeConflict:
		return "EXCHANGE_CONFLICT"
	case KindFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a cause with a kind and the pipeline stage it occurred in
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and stage
func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Newf wraps a formatted message
func Newf(kind Kind, stage, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, classifying unwrapped errors by message
func KindOf(err error) Kind {
	if err == nil {
		return KindValidation
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

// IsRetryable reports whether the scheduler should retry the operation
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Classify buckets a raw error by message patterns. Used for errors that
// cross the exchange/database boundary without a kind attached.
func Classify(err error) Kind {
	if err == nil {
		return KindValidation
	}

	msg := strings.ToLower(err.Error())

	fatalPatterns := []string{
		"unauthorized",
		"invalid api key",
		"invalid signature",
		"permission denied",
		"schema",
		"401",
		"403",
	}
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return KindFatal
		}
	}

	transientPatterns := []string{
		"rate limit",
		"too many requests",
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"temporary failure",
		"service unavailable",
		"gateway timeout",
		"deadlock",
		"serialization failure",
		"429",
		"502",
		"503",
		"504",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return KindTransient
		}
	}

	conflictPatterns := []string{
		"insufficient funds",
		"insufficient balance",
		"stale price",
		"post only",
		"order would trigger immediately",
	}
	for _, p := range conflictPatterns {
		if strings.Contains(msg, p) {
			return KindExchangeConflict
		}
	}

	return KindValidation
}

// IsInsufficientFunds reports the fatal-for-this-trade conflict subkind
func IsInsufficientFunds(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient balance")
}
