package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/voicegrid/sipcore/sip"
)

func TestInviteServerTransaction_Auto100(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, 2*t1)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".server-auto100", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// the TU stays silent, the transaction answers 100 Trying on its own
	call := tp.waitSendRes(t, timings.Wait100()+200*time.Millisecond)
	if got, want := call.res.Status(), sip.ResponseStatusTrying; got != want {
		t.Fatalf("auto response status = %v, want %v", got, want)
	}

	if err := tx.Terminate(t.Context()); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
}

func TestInviteServerTransaction_Accepted(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".server-accepted", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()

	if err := tx.Respond(ctx, sip.ResponseStatusRinging, nil); err != nil {
		t.Fatalf("tx.Respond(180) error = %v, want nil", err)
	}
	ringing := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := ringing.res.Status(), sip.ResponseStatusRinging; got != want {
		t.Fatalf("sent status = %v, want %v", got, want)
	}

	// INVITE retransmission triggers a response retransmission
	if err := tx.RecvRequest(ctx, req); err != nil {
		t.Fatalf("tx.RecvRequest(retransmit) error = %v, want nil", err)
	}
	retrans := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := retrans.res.Status(), sip.ResponseStatusRinging; got != want {
		t.Fatalf("retransmitted status = %v, want %v", got, want)
	}

	if err := tx.Respond(ctx, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	ok := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := ok.res.Status(), sip.ResponseStatusOK; got != want {
		t.Fatalf("sent status = %v, want %v", got, want)
	}

	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// RFC 6026: 2xx retransmissions go through the accepted transaction
	if err := tx.Respond(ctx, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("tx.Respond(200 retransmit) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 100*time.Millisecond)

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeL()+200*time.Millisecond)
	tp.ensureNoSendRes(t, 100*time.Millisecond)
}

func TestInviteServerTransaction_Rejected(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".server-rejected", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()

	if err := tx.Respond(ctx, sip.ResponseStatusBusyHere, nil); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}
	busy := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := busy.res.Status(), sip.ResponseStatusBusyHere; got != want {
		t.Fatalf("sent status = %v, want %v", got, want)
	}

	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// timer G retransmits the final response until the ACK arrives
	retrans := tp.waitSendRes(t, timings.TimeG()+100*time.Millisecond)
	if got, want := retrans.res.Status(), sip.ResponseStatusBusyHere; got != want {
		t.Fatalf("retransmitted status = %v, want %v", got, want)
	}

	ack := newInAckReq(t, req, busy.res)
	if err := tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ACK) error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateConfirmed; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// timer I is T4 for unreliable transports
	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeI()+200*time.Millisecond)
	tp.drainSendRess()
	tp.ensureNoSendRes(t, 100*time.Millisecond)
}

func TestInviteServerTransaction_AckTimeout(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 4*t1, 6*t1, 32*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".server-ack-timeout", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()
	if err := tx.Respond(ctx, sip.ResponseStatusBusyHere, nil); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 100*time.Millisecond)

	// no ACK ever arrives, timer H fires
	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeH()+300*time.Millisecond)

	if !errors.Is(tx.Err(), sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", tx.Err(), sip.ErrTransactionTimedOut)
	}
}

func TestInviteServerTransaction_AckOnRFC2543Invite(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	// branch without the magic cookie falls back to RFC 2543 matching
	req := newInInviteReq(t, tp.Proto(), "old-client-branch", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()
	if err := tx.Respond(ctx, sip.ResponseStatusBusyHere, nil); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}
	busy := tp.waitSendRes(t, 100*time.Millisecond)

	// the ACK carries the To tag of the final response
	ack := newInAckReq(t, req, busy.res)
	if err := tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ACK) error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateConfirmed; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
}

func TestInviteServerTransaction_OnAckDelivers2xxAck(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	// RFC 2543 matching is the only way a 2xx ACK can land on the transaction
	req := newInInviteReq(t, tp.Proto(), "old-client-2xx-ack", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()
	if err := tx.Respond(ctx, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	ok := tp.waitSendRes(t, 100*time.Millisecond)

	ack := newInAckReq(t, req, ok.res)
	if err := tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ACK) error = %v, want nil", err)
	}

	// the ACK is buffered and delivered to a late subscriber
	ackCh := make(chan *sip.InboundRequest, 1)
	tx.OnAck(func(_ context.Context, req *sip.InboundRequest) {
		ackCh <- req
	})

	select {
	case got := <-ackCh:
		if got.Method() != sip.RequestMethodAck {
			t.Fatalf("delivered method = %q, want %q", got.Method(), sip.RequestMethodAck)
		}
	case <-time.After(time.Second):
		t.Fatal("no ACK delivered within 1s")
	}

	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
}
