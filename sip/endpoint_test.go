package sip_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/voicegrid/sipcore/dns"
	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/sip"
	"github.com/voicegrid/sipcore/uri"
)

// stubResolver fails every lookup, keeping endpoint tests off the network.
type stubResolver struct{}

func (stubResolver) LookupIP(context.Context, string, string) ([]net.IP, error) {
	return nil, errors.New("no records")
}

func (stubResolver) LookupSRV(context.Context, string, string, string) ([]*dns.SRV, error) {
	return nil, errors.New("no records")
}

func (stubResolver) LookupNAPTR(context.Context, string) ([]*dns.NAPTR, error) {
	return nil, errors.New("no records")
}

// newTestEndpoint creates an endpoint with a reliable TCP stub transport, so
// no retransmit timers fire during the test.
func newTestEndpoint(tb testing.TB) (*sip.Endpoint, *stubTransport) {
	tb.Helper()

	t1 := 20 * time.Millisecond
	ep, err := sip.NewEndpoint("test-ua", &sip.EndpointOptions{
		Timings:     sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute),
		DNSResolver: stubResolver{},
		Log:         slog.New(slog.DiscardHandler),
	})
	if err != nil {
		tb.Fatalf("sip.NewEndpoint() error = %v, want nil", err)
	}
	tb.Cleanup(func() {
		_ = ep.Shutdown(context.Background())
	})

	tp := newStubTransportExt("TCP", "tcp", netip.MustParseAddrPort("11.11.11.11:5070"), true)
	if err := ep.RegisterTransport(tp); err != nil {
		tb.Fatalf("ep.RegisterTransport() error = %v, want nil", err)
	}
	return ep, tp
}

func TestEndpoint_InviteDialogFlow(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	ep, tp := newTestEndpoint(t)

	type inviteCall struct {
		tx  sip.ServerTransaction
		dlg *sip.Dialog
	}
	inviteCh := make(chan inviteCall, 1)
	err := ep.OnInvite(func(ctx context.Context, tx sip.ServerTransaction, dlg *sip.Dialog) {
		dl := ep.DialogLayer()
		if err := dl.Respond(ctx, tx, dlg, sip.ResponseStatusRinging, nil); err != nil {
			t.Errorf("dl.Respond(180) error = %v, want nil", err)
		}
		if err := dl.Respond(ctx, tx, dlg, sip.ResponseStatusOK, nil); err != nil {
			t.Errorf("dl.Respond(200) error = %v, want nil", err)
		}
		inviteCh <- inviteCall{tx: tx, dlg: dlg}
	})
	if err != nil {
		t.Fatalf("ep.OnInvite() error = %v, want nil", err)
	}

	ctx := t.Context()
	invite := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".ep-invite-flow", local, remote)
	tp.recvRequest(ctx, invite)

	var call inviteCall
	select {
	case call = <-inviteCh:
	case <-time.After(time.Second):
		t.Fatal("INVITE handler not invoked within 1s")
	}
	if call.dlg == nil {
		t.Fatal("INVITE handler got a nil dialog")
	}

	ringing := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := ringing.res.Status(), sip.ResponseStatusRinging; got != want {
		t.Fatalf("first response status = %v, want %v", got, want)
	}
	to, _ := ringing.res.Headers().To()
	if tag, _ := to.Tag(); tag != call.dlg.LocalTag() {
		t.Fatalf("response To tag = %q, want dialog local tag %q", tag, call.dlg.LocalTag())
	}
	answered := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := answered.res.Status(), sip.ResponseStatusOK; got != want {
		t.Fatalf("second response status = %v, want %v", got, want)
	}
	if got, want := call.dlg.State(), sip.DialogStateWaitAck; got != want {
		t.Fatalf("dlg.State() = %q, want %q", got, want)
	}

	// the 2xx ACK carries its own branch and reaches the dialog outside
	// the INVITE transaction
	ack := newInAckReq(t, invite, call.tx.LastResponse())
	tp.recvRequest(ctx, ack)
	if got, want := call.dlg.State(), sip.DialogStateConfirmed; got != want {
		t.Fatalf("dlg.State() = %q, want %q", got, want)
	}

	// an in-dialog BYE is answered 200 without a registered handler
	bye := newInNonInviteReq(t, tp.Proto(), sip.MagicCookie+".ep-invite-flow-bye", local, remote)
	byeMsg := bye.Message()
	byeMsg.Method = sip.RequestMethodBye
	byeMsg.Headers.Set(&header.CSeq{SeqNum: 2, Method: sip.RequestMethodBye})
	byeTo, _ := byeMsg.Headers.To()
	byeTo2, _ := byeTo.Clone().(*header.To)
	if byeTo2.Params == nil {
		byeTo2.Params = make(header.Values)
	}
	byeTo2.Params.Set("tag", call.dlg.LocalTag())
	byeMsg.Headers.Set(byeTo2)
	tp.recvRequest(ctx, bye)

	byeRes := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := byeRes.res.Status(), sip.ResponseStatusOK; got != want {
		t.Fatalf("BYE response status = %v, want %v", got, want)
	}
	if got, want := call.dlg.State(), sip.DialogStateTerminated; got != want {
		t.Fatalf("dlg.State() = %q, want %q", got, want)
	}

	report := ep.Stats()
	if got, want := report.Messages.RequestsReceived, uint64(3); got != want {
		t.Fatalf("RequestsReceived = %d, want %d", got, want)
	}
	if got, want := report.Transactions.InviteServerTransactionsTotal, uint64(1); got != want {
		t.Fatalf("InviteServerTransactionsTotal = %d, want %d", got, want)
	}
	if got, want := report.Transactions.NonInviteServerTransactionsTotal, uint64(1); got != want {
		t.Fatalf("NonInviteServerTransactionsTotal = %d, want %d", got, want)
	}
	if got, want := report.Dialogs.Total, uint64(1); got != want {
		t.Fatalf("Dialogs.Total = %d, want %d", got, want)
	}

	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("ep.Shutdown() error = %v, want nil", err)
	}
}

func TestEndpoint_UnhandledMethod(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	ep, tp := newTestEndpoint(t)
	if err := ep.Handle(sip.RequestMethodMessage, func(context.Context, sip.ServerTransaction, *sip.Dialog) {}); err != nil {
		t.Fatalf("ep.Handle(MESSAGE) error = %v, want nil", err)
	}

	info := newInNonInviteReq(t, tp.Proto(), sip.MagicCookie+".ep-unhandled", local, remote)
	tp.recvRequest(t.Context(), info)

	call := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := call.res.Status(), sip.ResponseStatusMethodNotAllowed; got != want {
		t.Fatalf("response status = %v, want %v", got, want)
	}
	hdr, ok := call.res.Headers().First("Allow")
	if !ok {
		t.Fatal("405 carries no Allow header")
	}
	allow, _ := hdr.(*header.Any)
	if allow == nil || allow.Value != "ACK, BYE, CANCEL, MESSAGE" {
		t.Fatalf("Allow = %v, want %q", hdr, "ACK, BYE, CANCEL, MESSAGE")
	}
}

func TestEndpoint_InDialogUnknown(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	_, tp := newTestEndpoint(t)

	// a To tag claims an existing dialog; nobody home answers 481
	req := newInNonInviteReq(t, tp.Proto(), sip.MagicCookie+".ep-indialog-unknown", local, remote)
	reqTo, _ := req.Headers().To()
	reqTo2, _ := reqTo.Clone().(*header.To)
	reqTo2.Params = make(header.Values).Set("tag", "nobody")
	req.Headers().Set(reqTo2)
	tp.recvRequest(t.Context(), req)

	call := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := call.res.Status(), sip.ResponseStatusCallTransactionDoesNotExist; got != want {
		t.Fatalf("response status = %v, want %v", got, want)
	}
}

func TestEndpoint_CancelDuringInvite(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	ep, tp := newTestEndpoint(t)

	dlgCh := make(chan *sip.Dialog, 1)
	err := ep.OnInvite(func(ctx context.Context, tx sip.ServerTransaction, dlg *sip.Dialog) {
		if err := ep.DialogLayer().Respond(ctx, tx, dlg, sip.ResponseStatusRinging, nil); err != nil {
			t.Errorf("dl.Respond(180) error = %v, want nil", err)
		}
		dlgCh <- dlg
	})
	if err != nil {
		t.Fatalf("ep.OnInvite() error = %v, want nil", err)
	}

	ctx := t.Context()
	branch := sip.MagicCookie + ".ep-cancel"
	invite := newInInviteReq(t, tp.Proto(), branch, local, remote)
	tp.recvRequest(ctx, invite)

	var dlg *sip.Dialog
	select {
	case dlg = <-dlgCh:
	case <-time.After(time.Second):
		t.Fatal("INVITE handler not invoked within 1s")
	}
	ringing := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := ringing.res.Status(), sip.ResponseStatusRinging; got != want {
		t.Fatalf("response status = %v, want %v", got, want)
	}

	cancel := newInInviteReq(t, tp.Proto(), branch, local, remote)
	cancelMsg := cancel.Message()
	cancelMsg.Method = sip.RequestMethodCancel
	cancelMsg.Headers.Set(&header.CSeq{SeqNum: 1, Method: sip.RequestMethodCancel})
	tp.recvRequest(ctx, cancel)

	// the CANCEL transaction answers 200, the INVITE is torn down with 487
	got := map[sip.ResponseStatus]sip.RequestMethod{}
	for range 2 {
		call := tp.waitSendRes(t, 100*time.Millisecond)
		cseq, _ := call.res.Headers().CSeq()
		got[call.res.Status()] = cseq.Method
	}
	if method, ok := got[sip.ResponseStatusOK]; !ok || !method.Equal(sip.RequestMethodCancel) {
		t.Fatalf("sent responses = %v, want a 200 on the CANCEL", got)
	}
	if method, ok := got[sip.ResponseStatusRequestTerminated]; !ok || !method.Equal(sip.RequestMethodInvite) {
		t.Fatalf("sent responses = %v, want a 487 on the INVITE", got)
	}
	if got, want := dlg.State(), sip.DialogStateTerminated; got != want {
		t.Fatalf("dlg.State() = %q, want %q", got, want)
	}
}

func TestEndpoint_SendRequest(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	ep, tp := newTestEndpoint(t)
	ctx := t.Context()

	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".ep-send", local, remote)
	tx, err := ep.SendRequest(ctx, req)
	if err != nil {
		t.Fatalf("ep.SendRequest() error = %v, want nil", err)
	}
	defer tx.Terminate(ctx) //nolint:errcheck

	call := tp.waitSendReq(t, 100*time.Millisecond)
	if got, want := call.req.Method(), sip.RequestMethodInfo; !got.Equal(want) {
		t.Fatalf("sent method = %v, want %v", got, want)
	}
	hdr, ok := call.req.Headers().First("User-Agent")
	if !ok {
		t.Fatal("sent request carries no User-Agent header")
	}
	if ua, _ := hdr.(header.UserAgent); ua != "test-ua" {
		t.Fatalf("User-Agent = %v, want %q", hdr, "test-ua")
	}

	if got, want := ep.Stats().Messages.RequestsSent, uint64(1); got != want {
		t.Fatalf("RequestsSent = %d, want %d", got, want)
	}
}

func TestEndpoint_InviteConfirmAndReack(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	ep, tp := newTestEndpoint(t)
	ctx := t.Context()

	req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+".ep-reack", local, remote)
	tx, dlg, err := ep.Invite(ctx, req)
	if err != nil {
		t.Fatalf("ep.Invite() error = %v, want nil", err)
	}
	if dlg == nil || dlg.Role() != sip.DialogRoleUAC {
		t.Fatalf("ep.Invite() dialog = %v, want a UAC dialog", dlg)
	}
	tp.drainSendReqs()

	ok := newDlgRes(t, req, sip.ResponseStatusOK, "alice-1")
	ok.Headers().Set(&header.Contact{
		URI: &uri.SIP{User: uri.User("alice"), Addr: uri.HostPort("55.55.55.55", 5060)},
	})
	tp.recvResponse(ctx, ok)
	if got, want := dlg.State(), sip.DialogStateConfirmed; got != want {
		t.Fatalf("dlg.State() = %q, want %q", got, want)
	}

	ack, err := dlg.NewAck(ok)
	if err != nil {
		t.Fatalf("dlg.NewAck() error = %v, want nil", err)
	}
	if err := ep.SendAck(ctx, ack); err != nil {
		t.Fatalf("ep.SendAck() error = %v, want nil", err)
	}
	sent := tp.waitSendReq(t, 100*time.Millisecond)
	if got, want := sent.req.Method(), sip.RequestMethodAck; !got.Equal(want) {
		t.Fatalf("sent method = %v, want %v", got, want)
	}
	if got, want := sent.req.RemoteAddr(), remote; got != want {
		t.Fatalf("ACK remote addr = %v, want %v", got, want)
	}

	// a 2xx retransmission after the transaction is gone is re-acknowledged
	// from the dialog
	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
	retrans := newDlgRes(t, req, sip.ResponseStatusOK, "alice-1")
	retrans.Headers().Set(&header.Contact{
		URI: &uri.SIP{User: uri.User("alice"), Addr: uri.HostPort("55.55.55.55", 5060)},
	})
	tp.recvResponse(ctx, retrans)

	reack := tp.waitSendReq(t, 100*time.Millisecond)
	if got, want := reack.req.Method(), sip.RequestMethodAck; !got.Equal(want) {
		t.Fatalf("re-sent method = %v, want %v", got, want)
	}

	if err := dlg.Terminate(ctx); err != nil {
		t.Fatalf("dlg.Terminate() error = %v, want nil", err)
	}
}

func TestEndpoint_HandleRejectsAckCancel(t *testing.T) {
	t.Parallel()

	ep, _ := newTestEndpoint(t)
	fn := func(context.Context, sip.ServerTransaction, *sip.Dialog) {}

	if err := ep.Handle(sip.RequestMethodAck, fn); err == nil {
		t.Fatal("ep.Handle(ACK) error = nil, want an error")
	}
	if err := ep.Handle(sip.RequestMethodCancel, fn); err == nil {
		t.Fatal("ep.Handle(CANCEL) error = nil, want an error")
	}
	if err := ep.Handle(sip.RequestMethodInfo, nil); err == nil {
		t.Fatal("ep.Handle(nil) error = nil, want an error")
	}
}

func TestEndpoint_RegisterTransport(t *testing.T) {
	t.Parallel()

	ep, tp := newTestEndpoint(t)

	if got, ok := ep.Transport("TCP"); !ok || got != sip.Transport(tp) {
		t.Fatal("ep.Transport(TCP) did not return the registered transport")
	}
	if _, ok := ep.Transport("UDP"); ok {
		t.Fatal("ep.Transport(UDP) = true, want false")
	}

	dup := newStubTransportExt("tcp", "tcp", netip.MustParseAddrPort("11.11.11.11:5071"), true)
	if err := ep.RegisterTransport(dup); err == nil {
		t.Fatal("ep.RegisterTransport(duplicate) error = nil, want an error")
	}
}

func TestEndpoint_Shutdown(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	ep, tp := newTestEndpoint(t)
	ctx := t.Context()

	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("ep.Shutdown() error = %v, want nil", err)
	}

	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".ep-shutdown", local, remote)
	if _, err := ep.SendRequest(ctx, req); !errors.Is(err, sip.ErrTransactionLayerClosed) {
		t.Fatalf("ep.SendRequest() error = %v, want %v", err, sip.ErrTransactionLayerClosed)
	}
	other := newStubTransportExt("UDP", "udp", local, false)
	if err := ep.RegisterTransport(other); !errors.Is(err, sip.ErrTransactionLayerClosed) {
		t.Fatalf("ep.RegisterTransport() error = %v, want %v", err, sip.ErrTransactionLayerClosed)
	}

	// the registered transport was closed with the endpoint
	if err := tp.Serve(); !errors.Is(err, sip.ErrTransportClosed) {
		t.Fatalf("tp.Serve() error = %v, want %v", err, sip.ErrTransportClosed)
	}

	// shutdown is idempotent
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("ep.Shutdown() again error = %v, want nil", err)
	}
}
