package dispatch

import (
	"errors"
	"net/http"
)

var (
	// ErrGatewayUnreachable means the instance session is not live
	ErrGatewayUnreachable = errors.New("instance not connected")

	// ErrSendTransient marks a failed attempt that may succeed if retried
	ErrSendTransient = errors.New("transient send failure")

	// ErrSendRejected marks a send the gateway refused; retrying will not help
	ErrSendRejected = errors.New("send rejected")

	// errNotRunning skips a write when the job left the running status
	errNotRunning = errors.New("job is not running")

	// errInterrupted stops the loop before a target used up its attempts
	errInterrupted = errors.New("dispatch interrupted")
)

// nonRetryable reports gateway answers that must not be retried
func nonRetryable(code int) bool {
	return code == http.StatusBadRequest || code == http.StatusNotFound
}
