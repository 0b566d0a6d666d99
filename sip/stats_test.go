package sip_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/voicegrid/sipcore/sip"
)

func TestStatsRecorder_Messages(t *testing.T) {
	t.Parallel()

	var rcdr sip.StatsRecorder
	rcdr.RecordRequestReceived()
	rcdr.RecordRequestReceived()
	rcdr.RecordRequestSent()
	rcdr.RecordResponseReceived()
	rcdr.RecordResponseSent()
	rcdr.RecordResponseSent()
	rcdr.RecordResponseSent()

	got := rcdr.Report().Messages
	want := sip.MessageStats{
		RequestsReceived:  2,
		RequestsSent:      1,
		ResponsesReceived: 1,
		ResponsesSent:     3,
	}
	if got != want {
		t.Fatalf("Report().Messages = %+v, want %+v", got, want)
	}
}

func TestStatsRecorder_TransactionCounters(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	var rcdr sip.StatsRecorder
	txl := newTestTransactionLayer(t)
	unbind := sip.BindStatsRecorder(&rcdr, txl, nil)
	defer unbind()

	unbindReq := txl.OnRequest(func(context.Context, sip.ServerTransaction) {})
	defer unbindReq()

	ctx := t.Context()
	tp := newStubTransportExt("TCP", "tcp", local, true)

	req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+".stats-client", local, remote)
	tx, err := txl.NewClientTransaction(ctx, req, tp, nil)
	if err != nil {
		t.Fatalf("txl.NewClientTransaction() error = %v, want nil", err)
	}
	tp.drainSendReqs()

	info := newInNonInviteReq(t, tp.Proto(), sip.MagicCookie+".stats-server", local, remote)
	if err := txl.RecvRequest(ctx, tp, info); err != nil {
		t.Fatalf("txl.RecvRequest() error = %v, want nil", err)
	}

	stats := rcdr.Report().Transactions
	if stats.InviteClientTransactions != 1 || stats.InviteClientTransactionsTotal != 1 {
		t.Fatalf("invite client counters = %d/%d, want 1/1",
			stats.InviteClientTransactions, stats.InviteClientTransactionsTotal)
	}
	if stats.NonInviteServerTransactions != 1 || stats.NonInviteServerTransactionsTotal != 1 {
		t.Fatalf("non-invite server counters = %d/%d, want 1/1",
			stats.NonInviteServerTransactions, stats.NonInviteServerTransactionsTotal)
	}

	// termination releases the active counter, the total is forever
	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
	stats = rcdr.Report().Transactions
	if stats.InviteClientTransactions != 0 || stats.InviteClientTransactionsTotal != 1 {
		t.Fatalf("invite client counters = %d/%d after terminate, want 0/1",
			stats.InviteClientTransactions, stats.InviteClientTransactionsTotal)
	}

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("txl.Close() error = %v, want nil", err)
	}
	stats = rcdr.Report().Transactions
	if stats.NonInviteServerTransactions != 0 || stats.NonInviteServerTransactionsTotal != 1 {
		t.Fatalf("non-invite server counters = %d/%d after close, want 0/1",
			stats.NonInviteServerTransactions, stats.NonInviteServerTransactionsTotal)
	}
}

func TestStatsRecorder_Unbind(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	var rcdr sip.StatsRecorder
	txl := newTestTransactionLayer(t)
	unbind := sip.BindStatsRecorder(&rcdr, txl, nil)
	unbind()

	ctx := t.Context()
	tp := newStubTransportExt("TCP", "tcp", local, true)

	req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+".stats-unbind", local, remote)
	tx, err := txl.NewClientTransaction(ctx, req, tp, nil)
	if err != nil {
		t.Fatalf("txl.NewClientTransaction() error = %v, want nil", err)
	}
	tp.drainSendReqs()

	if got := rcdr.Report().Transactions.InviteClientTransactionsTotal; got != 0 {
		t.Fatalf("InviteClientTransactionsTotal = %d after unbind, want 0", got)
	}

	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
	if err := txl.Close(ctx); err != nil {
		t.Fatalf("txl.Close() error = %v, want nil", err)
	}
}

func TestStatsRecorder_DialogCounters(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	var rcdr sip.StatsRecorder
	dl := sip.NewDialogLayer(nil)
	unbind := sip.BindStatsRecorder(&rcdr, nil, dl)
	defer unbind()

	tp := newStubTransportExt("UDP", "udp", local, false)
	invite := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".stats-dialog", local, remote)
	tx, err := sip.NewInviteServerTransaction(invite, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()
	dlg, err := dl.TrackServerInvite(ctx, tx)
	if err != nil {
		t.Fatalf("dl.TrackServerInvite() error = %v, want nil", err)
	}

	stats := rcdr.Report().Dialogs
	if stats.Total != 1 || stats.Early != 0 {
		t.Fatalf("dialog counters = %+v after track, want total 1", stats)
	}

	if err := dl.Respond(ctx, tx, dlg, sip.ResponseStatusRinging, nil); err != nil {
		t.Fatalf("dl.Respond(180) error = %v, want nil", err)
	}
	if got := rcdr.Report().Dialogs.Early; got != 1 {
		t.Fatalf("Dialogs.Early = %d, want 1", got)
	}

	if err := dl.Respond(ctx, tx, dlg, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("dl.Respond(200) error = %v, want nil", err)
	}
	stats = rcdr.Report().Dialogs
	if stats.Early != 0 || stats.WaitAck != 1 {
		t.Fatalf("dialog counters = %+v after 200, want wait_ack 1", stats)
	}

	ack := newInAckReq(t, invite, tx.LastResponse())
	if _, err := dl.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("dl.RecvRequest(ACK) error = %v, want nil", err)
	}
	stats = rcdr.Report().Dialogs
	if stats.WaitAck != 0 || stats.Confirmed != 1 {
		t.Fatalf("dialog counters = %+v after ACK, want confirmed 1", stats)
	}

	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
	if err := dl.Close(ctx); err != nil {
		t.Fatalf("dl.Close() error = %v, want nil", err)
	}
	stats = rcdr.Report().Dialogs
	if stats.Confirmed != 0 || stats.Total != 1 {
		t.Fatalf("dialog counters = %+v after close, want all active 0, total 1", stats)
	}
}
