package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrUpstreamUnavailable is returned when the inference engine cannot be reached.
// Its message is stable and safe to show to end users.
var ErrUpstreamUnavailable = errors.New("inference engine not responding")

// ErrIncompleteStream is returned when a streamed reply ends before the
// upstream sends its done fragment. The partial reply must not be kept.
var ErrIncompleteStream = errors.New("ollama: stream ended before done")

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("ollama: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// UpstreamError is an error reported in-band by the inference engine,
// e.g. an unknown model or insufficient memory to load one.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return "ollama: " + e.Message
}

// classifyTransportErr wraps connection-level failures with ErrUpstreamUnavailable
// and returns every other error unchanged.
func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isConnectionErr(err) {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return err
}

func isConnectionErr(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) // connection dropped before a response; never passed for a normal stream end
}
