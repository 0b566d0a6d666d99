package sip_test

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/voicegrid/sipcore/sip"
)

func TestNonInviteServerTransaction_Completed(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newInNonInviteReq(t, tp.Proto(), sip.MagicCookie+".ninv-server-completed", local, remote)

	tx, err := sip.NewNonInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	ctx := t.Context()

	// request retransmission in trying is absorbed without a send
	if err := tx.RecvRequest(ctx, req); err != nil {
		t.Fatalf("tx.RecvRequest(retransmit) error = %v, want nil", err)
	}
	tp.ensureNoSendRes(t, 50*time.Millisecond)

	if err := tx.Respond(ctx, sip.ResponseStatusTrying, nil); err != nil {
		t.Fatalf("tx.Respond(100) error = %v, want nil", err)
	}
	trying := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := trying.res.Status(), sip.ResponseStatusTrying; got != want {
		t.Fatalf("sent status = %v, want %v", got, want)
	}

	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// retransmission in proceeding re-sends the last provisional response
	if err := tx.RecvRequest(ctx, req); err != nil {
		t.Fatalf("tx.RecvRequest(retransmit) error = %v, want nil", err)
	}
	retrans := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := retrans.res.Status(), sip.ResponseStatusTrying; got != want {
		t.Fatalf("retransmitted status = %v, want %v", got, want)
	}

	if err := tx.Respond(ctx, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	ok := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := ok.res.Status(), sip.ResponseStatusOK; got != want {
		t.Fatalf("sent status = %v, want %v", got, want)
	}

	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// retransmission in completed re-sends the final response
	if err := tx.RecvRequest(ctx, req); err != nil {
		t.Fatalf("tx.RecvRequest(retransmit) error = %v, want nil", err)
	}
	final := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := final.res.Status(), sip.ResponseStatusOK; got != want {
		t.Fatalf("retransmitted status = %v, want %v", got, want)
	}

	// timer J is 64*T1 for unreliable transports
	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeJ()+200*time.Millisecond)
	tp.ensureNoSendRes(t, 100*time.Millisecond)
}

func TestNonInviteServerTransaction_ReliableTransportTerminatesWithoutTimerJ(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("TCP", "tcp", local, true)
	req := newInNonInviteReq(t, tp.Proto(), sip.MagicCookie+".ninv-server-reliable", local, remote)

	tx, err := sip.NewNonInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()
	if err := tx.Respond(ctx, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 100*time.Millisecond)

	waitForTransactState(t, tx, sip.TransactionStateTerminated, 200*time.Millisecond)
}

func TestNonInviteServerTransaction_RejectsForeignMethod(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".ninv-server-invite", local, remote)

	if _, err := sip.NewNonInviteServerTransaction(req, tp, nil); !errors.Is(err, sip.ErrMethodNotAllowed) {
		t.Fatalf("sip.NewNonInviteServerTransaction(INVITE) error = %v, want %v", err, sip.ErrMethodNotAllowed)
	}
}
