package eth

import (
	"errors"
	"fmt"
)

// TransportError is a network failure, timeout or non-2xx response.
// Retryable is set for network errors, 429, 5xx and explorer rate limiting.
type TransportError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError is a response that could not be decoded into the
// expected shape. It is never retried.
type MalformedResponseError struct {
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response: %s: %v", e.Reason, e.Err)
	}
	return "malformed response: " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// APIError is an explorer-level rejection (status "0") such as an invalid
// key or address.
type APIError struct {
	Message string
	Result  string
}

func (e *APIError) Error() string {
	if e.Result != "" {
		return fmt.Sprintf("explorer: %s: %s", e.Message, e.Result)
	}
	return "explorer: " + e.Message
}

// IsRetryable reports whether err is a retryable TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}
