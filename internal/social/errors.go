package social

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind is the closed set of failure categories reported by the
// platform client.
type ErrorKind int

const (
	KindTransient    ErrorKind = iota // network failure, timeout, 5xx
	KindRateLimited                   // 429; RetryAfter is set when known
	KindAuthRejected                  // 401/403; credentials revoked or insufficient
	KindNotFound                      // 404
	KindRejected                      // other 4xx; the request itself is unacceptable
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthRejected:
		return "auth_rejected"
	case KindNotFound:
		return "not_found"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// PlatformError is returned by every Client call that fails.
type PlatformError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *PlatformError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %v)", e.RetryAfter)
	}
	return b.String()
}

func (e *PlatformError) Unwrap() error { return e.Err }

// KindOf returns the kind of a PlatformError anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var perr *PlatformError
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is a PlatformError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

type apiErrorBody struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Error  string `json:"error"`
	// oauth2 token endpoint
	ErrorDescription string `json:"error_description"`
	Errors           []struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"errors"`
}

func (b apiErrorBody) message() string {
	switch {
	case len(b.Errors) > 0 && b.Errors[0].Message != "":
		return b.Errors[0].Message
	case len(b.Errors) > 0 && b.Errors[0].Detail != "":
		return b.Errors[0].Detail
	case b.Detail != "":
		return b.Detail
	case b.ErrorDescription != "":
		return b.ErrorDescription
	case b.Title != "":
		return b.Title
	default:
		return b.Error
	}
}

// classifyResponse builds a PlatformError from a non-success response.
func classifyResponse(op string, resp *http.Response, body []byte, now time.Time) *PlatformError {
	perr := &PlatformError{Op: op, StatusCode: resp.StatusCode}

	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil {
		perr.Message = parsed.message()
	}
	if perr.Message == "" && len(body) > 0 && len(body) <= 512 {
		perr.Message = strings.TrimSpace(string(body))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		perr.Kind = KindRateLimited
		perr.RetryAfter = retryAfter(resp.Header, now)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		perr.Kind = KindAuthRejected
	case resp.StatusCode == http.StatusNotFound:
		perr.Kind = KindNotFound
	case resp.StatusCode >= 500:
		perr.Kind = KindTransient
	default:
		perr.Kind = KindRejected
	}
	return perr
}

// transportError wraps a failure that happened before a response arrived.
func transportError(op string, err error) *PlatformError {
	return &PlatformError{Kind: KindTransient, Op: op, Err: err}
}

// retryAfter reads x-rate-limit-reset (unix seconds) or Retry-After
// (delta seconds).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("x-rate-limit-reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
