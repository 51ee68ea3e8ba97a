package chain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrRateLimited is returned once rate-limit retries are exhausted.
	ErrRateLimited = errors.New("rpc rate limited")
	// ErrNullResult marks a null result for a block that should exist.
	ErrNullResult = errors.New("rpc returned null result")
)

// RequestError is the fatal outcome of a request after retries.
type RequestError struct {
	Method      string
	Fingerprint string
	Attempts    int
	Err         error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("rpc %s (fingerprint %s) failed after %d attempts: %v", e.Method, e.Fingerprint, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// permanentError stops the retry loop.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return permanentError{err: err} }

// rate-limit codes seen from Starknet providers
const (
	codeTooManyRequests = 429
	codeLimitExceeded   = -32005
)

// request errors that fail identically on every attempt
const (
	codeParseError          = -32700
	codeInvalidRequest      = -32600
	codeMethodNotFound      = -32601
	codeInvalidParams       = -32602
	codePageSizeTooBig      = 31
	codeInvalidContinuation = 33
	codeTooManyKeys         = 34
)

// isPermanent reports whether retrying err cannot succeed.
func isPermanent(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.ErrorCode() {
	case codeParseError, codeInvalidRequest, codeMethodNotFound, codeInvalidParams,
		codePageSizeTooBig, codeInvalidContinuation, codeTooManyKeys:
		return true
	}
	return false
}

func isRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeTooManyRequests, codeLimitExceeded:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
}

func retryReason(err error) string {
	switch {
	case isRateLimit(err):
		return "rate_limit"
	case errors.Is(err, ErrNullResult):
		return "null_block"
	default:
		return "error"
	}
}
