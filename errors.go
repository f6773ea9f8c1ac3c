package main

import (
	"errors"
	"fmt"
	"time"
)

var (
	errDuplicateCorrelation = errors.New("correlation id already in flight for this session")
	errSessionClosed        = errors.New("session is closed")
	errTooManySessions      = errors.New("session limit reached")
)

// HandshakeError is fatal to a session: the client's initial capability
// negotiation was malformed or incompatible.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	return "handshake failed: " + e.Reason
}

// NoHealthyUpstreamError reports that no configured binding satisfies the
// method's capability requirement. Per-request and recoverable.
type NoHealthyUpstreamError struct {
	Method     string
	Capability string
}

func (e *NoHealthyUpstreamError) Error() string {
	if e.Capability == "" {
		return fmt.Sprintf("no healthy upstream for method %q", e.Method)
	}
	return fmt.Sprintf("no healthy upstream with capability %q for method %q", e.Capability, e.Method)
}

// UpstreamTimeoutError reports that an upstream did not respond within the
// configured deadline.
type UpstreamTimeoutError struct {
	Upstream string
	Method   string
	Deadline time.Duration
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream %q did not answer %q within %s", e.Upstream, e.Method, e.Deadline)
}

// UpstreamUnavailableError surfaces to the client once the retry budget is
// exhausted. Last keeps the final cause for errors.Is / errors.As.
type UpstreamUnavailableError struct {
	Method   string
	Attempts int
	Last     error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable for %q after %d attempts: %v", e.Method, e.Attempts, e.Last)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Last
}
