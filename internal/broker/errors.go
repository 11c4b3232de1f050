// errors.go classifies broker API failures so callers can route retries.
//
// Every error surfaced by the gateway is one of four classes:
//
//   - Transient:      network failures, 5xx, timeouts — retry with backoff.
//   - RateLimited:    429 / credit exhaustion — switch keys or slow down.
//   - Permanent:      4xx validation, insufficient funds, unknown symbol — abort.
//   - AlreadyTerminal: the cancel-race outcome. The broker rejected a cancel
//     because the order already filled. Callers MUST treat this as a
//     successful fill and extract the price from a follow-up order read.
//
// The already-filled detection strings and the 42210000 code are part of the
// external broker contract, not an implementation detail: the fill verifier
// depends on recognizing them verbatim.
package broker

import (
	"errors"
	"fmt"
	"regexp"
)

// Class partitions broker failures by retry policy.
type Class int

const (
	ClassTransient Class = iota
	ClassRateLimited
	ClassPermanent
	ClassAlreadyTerminal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassPermanent:
		return "permanent"
	case ClassAlreadyTerminal:
		return "already_terminal"
	}
	return "unknown"
}

// codeAlreadyFilled is the broker's dedicated error code for a cancel that
// raced a fill (HTTP 422).
const codeAlreadyFilled = 42210000

// alreadyFilledRe matches the broker's known message forms for the
// cancel-race outcome.
var alreadyFilledRe = regexp.MustCompile(`(?i)already in .?filled.? state|already filled|cannot cancel filled order`)

// APIError is a classified broker failure.
type APIError struct {
	Class      Class
	StatusCode int
	Code       int    // broker-specific error code, 0 if absent
	Message    string // broker message, surfaced verbatim
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker %s: %s (status=%d code=%d msg=%q)",
		e.Endpoint, e.Class, e.StatusCode, e.Code, e.Message)
}

// Classify maps an HTTP outcome to a typed APIError. A nil transport error
// with a 2xx status returns nil.
func Classify(endpoint string, statusCode int, code int, message string, transportErr error) error {
	if transportErr != nil {
		return &APIError{Class: ClassTransient, Message: transportErr.Error(), Endpoint: endpoint}
	}
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	e := &APIError{StatusCode: statusCode, Code: code, Message: message, Endpoint: endpoint}
	switch {
	case code == codeAlreadyFilled || alreadyFilledRe.MatchString(message):
		e.Class = ClassAlreadyTerminal
	case statusCode == 429:
		e.Class = ClassRateLimited
	case statusCode >= 500:
		e.Class = ClassTransient
	default:
		e.Class = ClassPermanent
	}
	return e
}

// IsTransient reports whether err is retryable with backoff.
func IsTransient(err error) bool { return hasClass(err, ClassTransient) }

// IsRateLimited reports whether err is a rate-limit / credit-exhaustion response.
func IsRateLimited(err error) bool { return hasClass(err, ClassRateLimited) }

// IsPermanent reports whether err is a non-retryable rejection.
func IsPermanent(err error) bool { return hasClass(err, ClassPermanent) }

// IsAlreadyTerminal reports whether err is the cancel-race outcome — the
// order reached a filled state before the cancel arrived.
func IsAlreadyTerminal(err error) bool { return hasClass(err, ClassAlreadyTerminal) }

func hasClass(err error, c Class) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class == c
	}
	return false
}
