package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/voicegrid/sipcore/sip"
)

func TestNonInviteClientTransaction_Completed(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".ninv-completed", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}

	call := tp.waitSendReq(t, 100*time.Millisecond)
	if call.req.Method() != sip.RequestMethodInfo {
		t.Fatalf("initial send method = %q, want %q", call.req.Method(), sip.RequestMethodInfo)
	}

	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	ctx := t.Context()

	resCh := make(chan *sip.InboundResponse, 2)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.InboundResponse) {
		resCh <- res
	})

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusTrying)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 100) error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusTrying)
	tp.drainSendReqs()

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusOK)

	// timer K is T4 for unreliable transports
	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeK()+200*time.Millisecond)
	tp.ensureNoSendReq(t, 100*time.Millisecond)
}

func TestNonInviteClientTransaction_RetransmitsWhileTrying(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".ninv-retransmit", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}

	// initial send plus at least one timer E retransmission
	tp.waitSendReq(t, 100*time.Millisecond)
	retrans := tp.waitSendReq(t, timings.TimeE()+100*time.Millisecond)
	if retrans.req.Method() != sip.RequestMethodInfo {
		t.Fatalf("retransmit method = %q, want %q", retrans.req.Method(), sip.RequestMethodInfo)
	}

	if err := tx.RecvResponse(t.Context(), newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}
	tp.drainSendReqs()
	tp.ensureNoSendReq(t, 4*timings.TimeE())

	if err := tx.Terminate(t.Context()); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
}

func TestNonInviteClientTransaction_Timeout(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 4*t1, 6*t1, 32*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".ninv-timeout", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}

	tp.waitSendReq(t, 100*time.Millisecond)

	resCh := make(chan *sip.InboundResponse, 1)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.InboundResponse) {
		resCh <- res
	})

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeF()+200*time.Millisecond)

	if !errors.Is(tx.Err(), sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", tx.Err(), sip.ErrTransactionTimedOut)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusRequestTimeout)

	tp.drainSendReqs()
	tp.ensureNoSendReq(t, 50*time.Millisecond)
}

func TestNonInviteClientTransaction_ReliableTransportTerminatesWithoutTimerK(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("TCP", "tcp", local, true)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".ninv-reliable", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}

	tp.waitSendReq(t, 100*time.Millisecond)

	if err := tx.RecvResponse(t.Context(), newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}

	// timer K is zero on reliable transports
	waitForTransactState(t, tx, sip.TransactionStateTerminated, 200*time.Millisecond)
	tp.ensureNoSendReq(t, 50*time.Millisecond)
}

func TestNonInviteClientTransaction_RejectsInviteAndAck(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+".ninv-invite", local, remote)

	if _, err := sip.NewNonInviteClientTransaction(req, tp, nil); !errors.Is(err, sip.ErrMethodNotAllowed) {
		t.Fatalf("sip.NewNonInviteClientTransaction(INVITE) error = %v, want %v", err, sip.ErrMethodNotAllowed)
	}
}
