package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ===== dispatch =====

// Dispatcher routes parsed client calls to upstream bindings and relays the
// correlated responses back, with one retry against the next healthy
// binding on transient failure.
type Dispatcher struct {
	registry *UpstreamRegistry
	timeout  time.Duration
	logger   zerolog.Logger
}

func newDispatcher(registry *UpstreamRegistry, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		timeout:  timeout,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// transientStatusError marks upstream HTTP statuses worth retrying.
type transientStatusError struct {
	Upstream string
	Status   int
}

func (e *transientStatusError) Error() string {
	return fmt.Sprintf("upstream %q returned status %d", e.Upstream, e.Status)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var (
		timeoutErr *UpstreamTimeoutError
		statusErr  *transientStatusError
		netErr     net.Error
	)
	switch {
	case errors.As(err, &timeoutErr):
		return true
	case errors.As(err, &statusErr):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.As(err, &netErr):
		return true
	}
	return false
}

// dispatch creates the envelope, forwards the call, and waits for the
// correlated response or the envelope deadline. The returned response is
// always safe to write to the client.
func (d *Dispatcher) dispatch(sess *Session, req *jsonrpcRequest, body []byte) jsonrpcResponse {
	capability := methodCapability(req.Method)
	primary := d.registry.selectUpstream(capability)
	if primary == nil {
		return errorResponse(req.ID, &NoHealthyUpstreamError{Method: req.Method, Capability: capability})
	}

	corr := correlationKey(req.ID)
	timeout := primary.timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	// Envelope deadline covers the retry attempt too.
	budget := 2 * timeout
	env, err := sess.track(corr, req.Method, capability, budget)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	go d.forwardAndDeliver(env, primary, body, timeout)

	select {
	case resp := <-env.done:
		return *resp
	case <-env.ctx.Done():
		// Either the session is closing or the envelope ran out its
		// budget. Anything arriving later is discarded with a warn.
		return d.abandon(sess, env, primary, budget, req.ID)
	}
}

// abandon drops an envelope whose waiter gave up. A response that landed in
// the same instant the deadline fired is drained here so it is discarded
// with the same warn every dropped response gets, never silently.
func (d *Dispatcher) abandon(sess *Session, env *requestEnvelope, primary *Upstream, budget time.Duration, id any) jsonrpcResponse {
	sess.resolve(env.correlationID)
	select {
	case resp := <-env.done:
		d.logger.Warn().
			Str("session", sess.ID()).
			Str("correlation_id", correlationKey(resp.ID)).
			Str("method", env.method).
			Msg("discarding unmatched or late upstream response")
	default:
	}
	switch sess.State() {
	case stateClosing, stateClosed:
		return errorResponse(id, errSessionClosed)
	default:
		return errorResponse(id, &UpstreamTimeoutError{
			Upstream: primary.Name(),
			Method:   env.method,
			Deadline: budget,
		})
	}
}

// forwardAndDeliver runs the upstream round trip plus the single retry and
// hands the outcome to the envelope's session keyed by the correlation id
// the response actually carries.
func (d *Dispatcher) forwardAndDeliver(env *requestEnvelope, primary *Upstream, body []byte, timeout time.Duration) {
	resp, err := d.forward(env.ctx, primary, env.method, body, timeout)
	if err != nil && isTransient(err) {
		primary.markUnreachable()
		alt := d.registry.selectNext(env.capability, primary)
		if alt == nil {
			d.deliverError(env, &NoHealthyUpstreamError{Method: env.method, Capability: env.capability})
			return
		}
		d.logger.Warn().
			Str("upstream", primary.Name()).
			Str("retry_upstream", alt.Name()).
			Str("method", env.method).
			Err(err).
			Msg("retrying against alternate binding")
		resp, err = d.forward(env.ctx, alt, env.method, body, timeout)
		if err != nil {
			d.deliverError(env, &UpstreamUnavailableError{Method: env.method, Attempts: 2, Last: err})
			return
		}
	}
	if err != nil {
		d.deliverError(env, err)
		return
	}

	// Relay by the id the upstream answered with. A mismatched id simply
	// finds no envelope and is discarded below, like any late response.
	if !env.session.deliver(correlationKey(resp.ID), resp) {
		d.logger.Warn().
			Str("session", env.session.ID()).
			Str("correlation_id", correlationKey(resp.ID)).
			Str("method", env.method).
			Msg("discarding unmatched or late upstream response")
	}
}

func (d *Dispatcher) deliverError(env *requestEnvelope, err error) {
	resp := errorResponse(rawCorrelationID(env.correlationID), err)
	if !env.session.deliver(env.correlationID, &resp) {
		d.logger.Warn().
			Str("session", env.session.ID()).
			Str("correlation_id", env.correlationID).
			Err(err).
			Msg("discarding late upstream failure")
	}
}

// rawCorrelationID restores the client-visible id for error responses built
// gateway-side. Correlation keys are strings; numeric ids survive as their
// decimal form, which encodes back out as a JSON string. Acceptable for
// error paths where the caller matched on the key already.
func rawCorrelationID(corr string) any {
	if corr == "" {
		return nil
	}
	return corr
}

// forward performs a single JSON-RPC round trip against one binding.
func (d *Dispatcher) forward(ctx context.Context, up *Upstream, method string, body []byte, timeout time.Duration) (*jsonrpcResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, up.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if up.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+up.authToken)
	}

	if up.logEnabled {
		up.logger.Info().Str("method", method).Msg("forwarding request")
	}

	httpResp, err := up.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			return nil, &UpstreamTimeoutError{Upstream: up.Name(), Method: method, Deadline: timeout}
		}
		return nil, fmt.Errorf("upstream %q round trip: %w", up.Name(), err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, &transientStatusError{Upstream: up.Name(), Status: httpResp.StatusCode}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("upstream %q rejected call with status %d", up.Name(), httpResp.StatusCode)
	}

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream %q response: %w", up.Name(), err)
	}

	var resp jsonrpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode upstream %q response: %w", up.Name(), err)
	}
	return &resp, nil
}

// ===== health probing =====

// ping issues a bare MCP ping so the health loop and the startup probe can
// classify a binding.
func (d *Dispatcher) ping(ctx context.Context, up *Upstream) error {
	body, err := json.Marshal(jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      "ping-" + uuid.NewString(),
		Method:  "ping",
	})
	if err != nil {
		return err
	}
	_, err = d.forward(ctx, up, "ping", body, d.timeout)
	return err
}

// healthLoop keeps binding health current. Transitions are atomic and the
// next dispatch decision sees them immediately.
func (d *Dispatcher) healthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, up := range d.registry.all() {
				if err := d.ping(ctx, up); err != nil {
					up.markUnreachable()
				} else {
					up.markHealthy()
				}
			}
		}
	}
}
