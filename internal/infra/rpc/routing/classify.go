package routing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
)

// transientPatterns are messages that indicate a dropped or stalled connection.
var transientPatterns = []string{
	"read timed out",
	"connection reset",
	"connection aborted",
	"connection broken",
	"connection refused",
	"broken pipe",
	"econnreset",
	"i/o timeout",
	"unexpected eof",
}

// Classify maps any failure to exactly one kind. It never fails: causes that
// match no rule are UNKNOWN. A nil error yields nil.
func Classify(err error) *fault.Error {
	if err == nil {
		return nil
	}

	if fe, ok := fault.As(err); ok {
		return fe
	}

	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Canceled, err, "request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// Attempt-level timeout; the executor turns this into CANCELED when the
		// caller's own deadline is the one that passed.
		return fault.Wrap(fault.TransientNetwork, err, "request timed out")
	}

	var se *provider.StatusError
	if errors.As(err, &se) {
		return classifyStatus(se)
	}

	if isTLSError(err) {
		return fault.Wrap(fault.Unknown, err, "tls failure")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fault.Wrap(fault.TransientNetwork, err, "network timeout")
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return fault.Wrap(fault.TransientNetwork, err, "connection failed")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fault.Wrap(fault.TransientNetwork, err, "network error")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fault.Wrap(fault.TransientNetwork, err, "dns lookup failed")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fault.Wrap(fault.TransientNetwork, err, "connection closed mid-response")
	}

	msg := strings.ToLower(err.Error())
	if provider.IsThrottleMessage(msg) {
		return fault.Wrap(fault.RateLimited, err, "broker throttled")
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return fault.Wrap(fault.TransientNetwork, err, "connection failed")
		}
	}

	return fault.Wrap(fault.Unknown, err, "unclassified failure")
}

func classifyStatus(se *provider.StatusError) *fault.Error {
	code := se.StatusCode

	if code == http.StatusTooManyRequests || provider.IsThrottleMessage(string(se.Body)) {
		return fault.Wrap(fault.RateLimited, se, "broker throttled").
			WithRetryAfter(ParseRetryAfter(se.RetryAfter, time.Now()))
	}

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fault.Wrap(fault.AuthFailed, se, "broker rejected credentials")
	case code == http.StatusNotFound:
		return fault.Wrap(fault.NotFound, se, "broker has no such resource")
	case code == http.StatusRequestTimeout:
		return fault.Wrap(fault.TransientNetwork, se, "broker request timeout")
	case code >= 500 && code <= 599:
		return fault.Wrap(fault.ServerError, se, "broker server error")
	case code >= 400 && code <= 499:
		return fault.Wrap(fault.BadRequest, se, "broker rejected request")
	}
	return fault.Wrap(fault.Unknown, se, "unexpected http status "+strconv.Itoa(code))
}

// ParseRetryAfter parses a Retry-After header given as delta seconds or an
// HTTP date. Invalid or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	var recErr tls.RecordHeaderError
	var alertErr tls.AlertError
	var authErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &certErr) || errors.As(err, &recErr) || errors.As(err, &alertErr) ||
		errors.As(err, &authErr) || errors.As(err, &hostErr) || errors.As(err, &invalidErr)
}
