package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Class is the gateway's failure taxonomy for ledger operations. Every error
// leaving the executor carries exactly one Class.
type Class string

const (
	ClassIdentityNotFound    Class = "IDENTITY_NOT_FOUND"
	ClassConcurrencyConflict Class = "CONCURRENCY_CONFLICT"
	ClassEndorsementFailure  Class = "ENDORSEMENT_FAILURE"
	ClassTimeout             Class = "TIMEOUT"
	ClassPeerUnavailable     Class = "PEER_UNAVAILABLE"
	ClassChaincodeError      Class = "CHAINCODE_ERROR"
	ClassUnauthorized        Class = "UNAUTHORIZED"
	ClassUnknown             Class = "UNKNOWN"
)

// Transient reports whether a failure of this class is expected to succeed on
// retry. Unknown counts as transient: an unclassifiable failure is given the
// benefit of the doubt rather than failing a job permanently.
func (c Class) Transient() bool {
	switch c {
	case ClassTimeout, ClassPeerUnavailable, ClassUnknown:
		return true
	}
	return false
}

// HTTPStatus maps a classification to the status code the HTTP layer returns.
func (c Class) HTTPStatus() int {
	switch c {
	case ClassIdentityNotFound:
		return http.StatusNotFound
	case ClassConcurrencyConflict:
		return http.StatusConflict
	case ClassEndorsementFailure, ClassChaincodeError:
		return http.StatusBadRequest
	case ClassTimeout:
		return http.StatusGatewayTimeout
	case ClassPeerUnavailable:
		return http.StatusServiceUnavailable
	case ClassUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is a ledger failure tagged with its classification. It wraps the raw
// SDK error so callers can still unwrap the original cause.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf extracts the classification from any error. Errors that never went
// through Classify report ClassUnknown.
func ClassOf(err error) Class {
	var le *Error
	if errors.As(err, &le) {
		return le.Class
	}
	return ClassUnknown
}

// The SDK reports most failures as free-text messages, so classification is a
// prioritized substring match: first matching rule wins. Rule order follows
// the taxonomy's priority and must not be reordered; wording here tracks
// fabric-sdk-go and peer/orderer messages and may need updating when the SDK
// is upgraded.
var classifiers = []struct {
	class    Class
	patterns []string
}{
	{ClassIdentityNotFound, []string{
		"identity not found",
		"does not exist in the wallet",
		"not found in wallet",
		"user not found",
	}},
	{ClassConcurrencyConflict, []string{
		"mvcc_read_conflict",
		"phantom_read_conflict",
		"version mismatch",
		"concurrency conflict",
	}},
	{ClassEndorsementFailure, []string{
		"endorsement policy failure",
		"endorsement_policy_failure",
		"endorsement mismatch",
		"proposalresponsepayloads do not match",
		"failed to collect enough",
	}},
	{ClassTimeout, []string{
		"timed out",
		"timeout",
		"deadline exceeded",
	}},
	{ClassPeerUnavailable, []string{
		"connection refused",
		"unavailable",
		"no such host",
		"could not connect",
		"connection closed",
		"queued channel event client",
	}},
	{ClassChaincodeError, []string{
		"chaincode",
		"transaction returned with failure",
	}},
	{ClassUnauthorized, []string{
		"access denied",
		"unauthorized",
		"forbidden",
		"authentication",
		"creator certificate",
	}},
}

// Classify tags err with a Class. Already-classified errors pass through
// unchanged, so wrapping layers never reclassify.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: ClassTimeout, Err: err}
	}

	msg := strings.ToLower(err.Error())
	for _, c := range classifiers {
		for _, p := range c.patterns {
			if strings.Contains(msg, p) {
				return &Error{Class: c.class, Err: err}
			}
		}
	}
	return &Error{Class: ClassUnknown, Err: err}
}
