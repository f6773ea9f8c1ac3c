package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testSession(t *testing.T) *Session {
	t.Helper()
	sess := newSession(context.Background(), zerolog.Nop())
	t.Cleanup(sess.close)
	return sess
}

func TestCorrelationIDsUniqueWithinActiveSet(t *testing.T) {
	sess := testSession(t)

	if _, err := sess.track("1", "tools/call", "tools", time.Second); err != nil {
		t.Fatalf("first track failed: %v", err)
	}
	if _, err := sess.track("1", "tools/call", "tools", time.Second); !errors.Is(err, errDuplicateCorrelation) {
		t.Fatalf("expected duplicate correlation error, got %v", err)
	}
	if _, err := sess.track("2", "tools/call", "tools", time.Second); err != nil {
		t.Fatalf("distinct id rejected: %v", err)
	}
	if got := sess.inflight(); got != 2 {
		t.Fatalf("inflight = %d, want 2", got)
	}
}

func TestCorrelationIDReusableAfterResolve(t *testing.T) {
	sess := testSession(t)

	if _, err := sess.track("42", "tools/call", "tools", time.Second); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	resp := rpcOK("42", map[string]any{})
	if !sess.deliver("42", &resp) {
		t.Fatalf("deliver failed for tracked envelope")
	}
	if _, err := sess.track("42", "tools/call", "tools", time.Second); err != nil {
		t.Fatalf("id should be reusable once its envelope is resolved: %v", err)
	}
}

func TestLateResponseIsDiscarded(t *testing.T) {
	sess := testSession(t)

	env, err := sess.track("7", "tools/call", "tools", time.Second)
	if err != nil {
		t.Fatalf("track failed: %v", err)
	}
	// the waiter gave up: envelope dropped
	if got := sess.resolve("7"); got != env {
		t.Fatalf("resolve returned %v, want tracked envelope", got)
	}

	resp := rpcOK("7", map[string]any{})
	if sess.deliver("7", &resp) {
		t.Fatalf("late response must not be delivered")
	}
	select {
	case <-env.done:
		t.Fatalf("late response leaked into the envelope channel")
	default:
	}
}

func TestCloseCancelsOnlyOwnEnvelopes(t *testing.T) {
	sessA := testSession(t)
	sessB := testSession(t)

	envA, err := sessA.track("1", "tools/call", "tools", time.Minute)
	if err != nil {
		t.Fatalf("track A failed: %v", err)
	}
	envB, err := sessB.track("1", "tools/call", "tools", time.Minute)
	if err != nil {
		t.Fatalf("track B failed: %v", err)
	}

	sessA.close()

	select {
	case <-envA.ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("closing session A did not cancel its envelope")
	}
	select {
	case <-envB.ctx.Done():
		t.Fatalf("closing session A cancelled a sibling session's envelope")
	default:
	}
	if got := sessA.State(); got != stateClosed {
		t.Fatalf("session A state = %s, want closed", got)
	}
	if got := sessB.inflight(); got != 1 {
		t.Fatalf("session B inflight = %d, want 1", got)
	}
}

func TestTrackRejectedOnClosedSession(t *testing.T) {
	sess := newSession(context.Background(), zerolog.Nop())
	sess.close()

	if _, err := sess.track("1", "tools/call", "tools", time.Second); !errors.Is(err, errSessionClosed) {
		t.Fatalf("expected session closed error, got %v", err)
	}
}

func TestStateMachineEdges(t *testing.T) {
	sess := testSession(t)

	if got := sess.State(); got != stateConnecting {
		t.Fatalf("initial state = %s, want connecting", got)
	}
	if sess.activate() {
		t.Fatalf("connecting session must not activate directly")
	}
	if !sess.transition(stateConnecting, stateNegotiated) {
		t.Fatalf("connecting -> negotiated edge failed")
	}
	if !sess.activate() {
		t.Fatalf("negotiated session should activate")
	}
	if !sess.activate() {
		t.Fatalf("an active session stays active on further requests")
	}
	sess.close()
	if sess.activate() {
		t.Fatalf("closed session must not activate")
	}
}

func TestSessionManagerLifecycle(t *testing.T) {
	mgr := newSessionManager(context.Background(), time.Minute, 0, zerolog.Nop())

	sess, err := mgr.open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if got := mgr.get(sess.ID()); got != sess {
		t.Fatalf("get returned %v, want opened session", got)
	}
	if !mgr.close(sess.ID()) {
		t.Fatalf("close reported unknown session")
	}
	if mgr.close(sess.ID()) {
		t.Fatalf("double close should report unknown session")
	}
	if got := mgr.get(sess.ID()); got != nil {
		t.Fatalf("closed session still resolvable")
	}
}

func TestSessionManagerEnforcesLimit(t *testing.T) {
	mgr := newSessionManager(context.Background(), time.Minute, 1, zerolog.Nop())

	if _, err := mgr.open(); err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err := mgr.open(); !errors.Is(err, errTooManySessions) {
		t.Fatalf("expected session limit error, got %v", err)
	}
}

func TestIdleSweepClosesOnlyStaleSessions(t *testing.T) {
	mgr := newSessionManager(context.Background(), 50*time.Millisecond, 0, zerolog.Nop())

	stale, err := mgr.open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	fresh, err := mgr.open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	fresh.touch()

	if swept := mgr.sweepIdle(); swept != 1 {
		t.Fatalf("swept %d sessions, want 1", swept)
	}
	if got := mgr.get(stale.ID()); got != nil {
		t.Fatalf("stale session survived the sweep")
	}
	if got := mgr.get(fresh.ID()); got == nil {
		t.Fatalf("fresh session was swept")
	}
	if stale.State() != stateClosed {
		t.Fatalf("stale session state = %s, want closed", stale.State())
	}
}
