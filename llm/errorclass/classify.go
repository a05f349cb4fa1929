// Package errorclass classifies provider errors into the categories the
// Failover Manager and Routing Engine use to decide whether to retry, back
// off, or fail immediately. It is a standalone, independently testable
// status-code and substring-matching classifier shared across packages.
package errorclass

import (
	"errors"
	"net/http"
	"strings"

	"github.com/airelay/router/types"
)

// Category is the outcome of classifying an error.
type Category string

const (
	// Retryable indicates a transient failure worth retrying immediately
	// (e.g. network blips, 5xx upstream errors).
	Retryable Category = "RETRYABLE"
	// Temporary indicates the provider is overloaded or rate-limiting;
	// worth retrying after backoff, typically against a different provider.
	Temporary Category = "TEMPORARY"
	// ClientError indicates the request itself is invalid or unauthorized;
	// retrying without changing the request will not help.
	ClientError Category = "CLIENT_ERROR"
	// Permanent indicates a non-recoverable failure for this request.
	Permanent Category = "PERMANENT"
	// Unknown is assigned when no rule matches. Treated as retryable.
	Unknown Category = "UNKNOWN"
)

// IsRetryable reports whether the failover manager should attempt another
// provider for this category. UNKNOWN is treated as retryable: an
// unclassifiable error is more often transient than not.
func (c Category) IsRetryable() bool {
	switch c {
	case Retryable, Temporary, Unknown:
		return true
	default:
		return false
	}
}

var retryableSubstrings = []string{
	"timeout", "network", "connection", "econnreset", "enotfound",
}

var temporarySubstrings = []string{
	"rate limit", "too many requests", "quota exceeded",
	"service unavailable", "maintenance", "outage",
}

var clientErrorSubstrings = []string{
	"unauthorized", "forbidden", "invalid api key", "authentication",
}

// Classify maps an error into a Category per the fixed status-code and
// message-substring rules. HTTP status, when known, is checked first;
// message substrings provide a fallback for errors that don't carry one.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}

	status, hasStatus := httpStatus(err)
	msg := strings.ToLower(err.Error())

	if hasStatus {
		switch {
		case status >= 500:
			return Retryable
		case status == http.StatusTooManyRequests:
			return Temporary
		case status >= 400:
			return ClientError
		}
	}

	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return Retryable
		}
	}
	for _, s := range temporarySubstrings {
		if strings.Contains(msg, s) {
			return Temporary
		}
	}
	for _, s := range clientErrorSubstrings {
		if strings.Contains(msg, s) {
			return ClientError
		}
	}

	return Unknown
}

// httpStatus extracts an HTTP status code from a *types.Error in the error
// chain, if present.
func httpStatus(err error) (int, bool) {
	var te *types.Error
	if errors.As(err, &te) && te.HTTPStatus != 0 {
		return te.HTTPStatus, true
	}
	return 0, false
}
