package sip

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/voicegrid/sipcore/dns"
	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/internal/errorutil"
	"github.com/voicegrid/sipcore/internal/log"
	"github.com/voicegrid/sipcore/uri"
)

// EndpointRequestHandler handles a request routed to the endpoint's user
// layer. The dialog is non-nil for INVITE and for in-dialog requests.
type EndpointRequestHandler = func(ctx context.Context, tx ServerTransaction, dlg *Dialog)

// EndpointOptions are the options for an [Endpoint].
type EndpointOptions struct {
	// Timings is the SIP timing config applied to transactions.
	Timings TimingConfig
	// DNSResolver resolves destinations of outbound requests that carry no
	// explicit remote address. If nil, [dns.DefaultResolver] is used.
	DNSResolver DNSResolver
	// OnForkedConfirm overrides the policy applied to a forked dialog
	// confirmed by an extra 2xx. The default acknowledges the 2xx and tears
	// the surplus dialog down with BYE.
	OnForkedConfirm ForkHandler
	// Log is the logger.
	// If nil, the [log.Def] is used.
	Log *slog.Logger
}

func (o *EndpointOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *EndpointOptions) dnsResolver() DNSResolver {
	if o == nil || o.DNSResolver == nil {
		return dns.DefaultResolver()
	}
	return o.DNSResolver
}

func (o *EndpointOptions) onForkedConfirm() ForkHandler {
	if o == nil {
		return nil
	}
	return o.OnForkedConfirm
}

func (o *EndpointOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Def
	}
	return o.Log
}

// Endpoint composes transports, the transaction layer and the dialog layer
// into a SIP user agent core.
//
// Inbound requests flow transport → transaction layer → dialog layer or the
// registered method handlers. Outbound requests are resolved per RFC 3263 and
// sent in client transactions; INVITE additionally creates a UAC dialog.
type Endpoint struct {
	name  string
	log   *slog.Logger
	rslvr DNSResolver

	txl   *TransactionLayer
	dl    *DialogLayer
	stats StatsRecorder

	mu       sync.RWMutex
	tps      map[TransportProto]Transport
	tpsMeta  map[TransportProto]TransportMetadata
	handlers map[RequestMethod]EndpointRequestHandler

	// invDlgs maps INVITE server transactions to the UAS dialogs they opened,
	// so a CANCEL can terminate the right dialog.
	invDlgs sync.Map // map[ServerTransaction]*Dialog

	unbinds []func()

	closing  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// NewEndpoint creates an [Endpoint].
//
// Name identifies the element and is stamped into the User-Agent header of
// self-generated requests. Options are optional, if nil, default values are
// used (see [EndpointOptions]).
func NewEndpoint(name string, opts *EndpointOptions) (*Endpoint, error) {
	if name == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid name"))
	}

	ep := &Endpoint{
		name:     name,
		rslvr:    opts.dnsResolver(),
		tps:      make(map[TransportProto]Transport),
		tpsMeta:  make(map[TransportProto]TransportMetadata),
		handlers: make(map[RequestMethod]EndpointRequestHandler),
	}
	ep.log = opts.log().With(slog.String("endpoint", name))

	ep.txl = NewTransactionLayer(&TransactionLayerOptions{
		Timings: opts.timings(),
		Log:     ep.log,
	})

	forkPolicy := opts.onForkedConfirm()
	if forkPolicy == nil {
		forkPolicy = ep.ackAndByeFork
	}
	ep.dl = NewDialogLayer(&DialogLayerOptions{
		OnForkedConfirm: forkPolicy,
		Log:             ep.log,
	})

	ep.unbinds = append(ep.unbinds,
		BindStatsRecorder(&ep.stats, ep.txl, ep.dl),
		ep.txl.OnRequest(ep.routeServerTransaction),
		ep.txl.OnCancel(ep.handleCancel),
		ep.txl.OnAck(ep.handleOrphanAck),
		ep.txl.OnOrphanResponse(ep.handleOrphanResponse),
	)
	return ep, nil
}

// Name returns the endpoint name.
func (ep *Endpoint) Name() string { return ep.name }

// Logger returns the endpoint logger.
func (ep *Endpoint) Logger() *slog.Logger { return ep.log }

// TransactionLayer returns the endpoint's transaction layer.
func (ep *Endpoint) TransactionLayer() *TransactionLayer { return ep.txl }

// DialogLayer returns the endpoint's dialog layer.
func (ep *Endpoint) DialogLayer() *DialogLayer { return ep.dl }

// Stats returns a snapshot of the endpoint counters.
func (ep *Endpoint) Stats() StatsReport { return ep.stats.Report() }

// LogValue implements [slog.LogValuer].
func (ep *Endpoint) LogValue() slog.Value {
	if ep == nil {
		return slog.Value{}
	}
	return slog.GroupValue(slog.String("name", ep.name))
}

// RegisterTransport wires the transport into the endpoint's message pipeline.
// The transport must report its protocol; one transport per protocol.
// Serving the transport remains the caller's responsibility.
func (ep *Endpoint) RegisterTransport(tp Transport) error {
	if ep.closing.Load() {
		return errtrace.Wrap(ErrTransactionLayerClosed)
	}
	if tp == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	proto, ok := GetTransportProto(tp)
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("transport does not report its protocol"))
	}
	proto = proto.ToUpper()

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if _, ok := ep.tps[proto]; ok {
		return errtrace.Wrap(NewInvalidArgumentError("transport %q already registered", proto))
	}
	ep.tps[proto] = tp
	ep.tpsMeta[proto] = GetTransportMetadata(tp)

	ep.unbinds = append(ep.unbinds,
		tp.OnRequest(ep.recvRequest),
		tp.OnResponse(ep.recvResponse),
	)
	return nil
}

// Transport returns the transport registered for the protocol.
func (ep *Endpoint) Transport(proto TransportProto) (Transport, bool) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	tp, ok := ep.tps[proto.ToUpper()]
	return tp, ok
}

func (ep *Endpoint) transportsMeta() map[TransportProto]TransportMetadata {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	metas := make(map[TransportProto]TransportMetadata, len(ep.tpsMeta))
	for proto, meta := range ep.tpsMeta {
		metas[proto] = meta
	}
	return metas
}

// Handle registers the handler for out-of-dialog and in-dialog requests of
// the method. ACK and CANCEL cannot be handled this way, they are consumed
// by the transaction and dialog machinery.
func (ep *Endpoint) Handle(method RequestMethod, fn EndpointRequestHandler) error {
	method = method.ToUpper()
	if !method.IsValid() || method.Equal(RequestMethodAck) || method.Equal(RequestMethodCancel) {
		return errtrace.Wrap(NewInvalidArgumentError("method %q cannot be handled", method))
	}
	if fn == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid handler"))
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.handlers[method] = fn
	return nil
}

// OnInvite registers the INVITE handler.
func (ep *Endpoint) OnInvite(fn EndpointRequestHandler) error {
	return errtrace.Wrap(ep.Handle(RequestMethodInvite, fn))
}

func (ep *Endpoint) handler(method RequestMethod) (EndpointRequestHandler, bool) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	fn, ok := ep.handlers[method.ToUpper()]
	return fn, ok
}

func (ep *Endpoint) recvRequest(ctx context.Context, tp ServerTransport, req *InboundRequest) {
	ep.stats.RecordRequestReceived()

	ctx = log.NewContext(ctx, ep.log)
	ctx = NewContextWithServerTransport(ctx, tp)
	if err := ep.txl.RecvRequest(ctx, tp, req); err != nil {
		lvl := slog.LevelError
		if errors.Is(err, ErrTransactionLayerClosed) {
			lvl = slog.LevelDebug
		}
		ep.log.LogAttrs(ctx, lvl, "failed to receive inbound request",
			slog.Any("request", req),
			slog.Any("error", err),
		)
	}
}

func (ep *Endpoint) recvResponse(ctx context.Context, tp ClientTransport, res *InboundResponse) {
	ep.stats.RecordResponseReceived()

	ctx = log.NewContext(ctx, ep.log)
	ctx = NewContextWithClientTransport(ctx, tp)
	if err := ep.txl.RecvResponse(ctx, res); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "failed to receive inbound response",
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

// routeServerTransaction routes a request admitted by the transaction layer:
// requests carrying a To tag belong to a dialog, the rest open new work.
func (ep *Endpoint) routeServerTransaction(ctx context.Context, tx ServerTransaction) {
	req := tx.Request()

	var rmtWantsDialog bool
	if to, ok := req.Headers().To(); ok {
		_, rmtWantsDialog = to.Tag()
	}
	if rmtWantsDialog {
		ep.routeInDialogRequest(ctx, tx, req)
		return
	}

	if req.Method().Equal(RequestMethodInvite) {
		ep.acceptInvite(ctx, tx)
		return
	}

	if fn, ok := ep.handler(req.Method()); ok {
		fn(ctx, tx, nil)
		return
	}
	ep.respond(ctx, tx, ResponseStatusMethodNotAllowed, &RespondOptions{Headers: ep.allowHeaders()})
}

func (ep *Endpoint) routeInDialogRequest(ctx context.Context, tx ServerTransaction, req *InboundRequest) {
	dlg, err := ep.dl.RecvRequest(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, ErrSequenceViolation):
		// RFC 3261 Section 12.2.2
		ep.respond(ctx, tx, ResponseStatusServerInternalError, nil)
		return
	case errors.Is(err, ErrDialogNotFound), errors.Is(err, ErrDialogMismatch), errors.Is(err, ErrDialogTerminated):
		ep.respond(ctx, tx, ResponseStatusCallTransactionDoesNotExist, nil)
		return
	default:
		ep.log.LogAttrs(ctx, slog.LevelError, "failed to admit in-dialog request",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		ep.respond(ctx, tx, ResponseStatusServerInternalError, nil)
		return
	}

	if req.Method().Equal(RequestMethodBye) {
		ep.respond(ctx, tx, ResponseStatusOK, nil)
		return
	}

	if fn, ok := ep.handler(req.Method()); ok {
		fn(ctx, tx, dlg)
		return
	}
	ep.respond(ctx, tx, ResponseStatusMethodNotAllowed, &RespondOptions{Headers: ep.allowHeaders()})
}

func (ep *Endpoint) acceptInvite(ctx context.Context, tx ServerTransaction) {
	dlg, err := ep.dl.TrackServerInvite(ctx, tx)
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelError, "failed to open dialog on INVITE",
			slog.Any("request", tx.Request()),
			slog.Any("error", err),
		)
		ep.respond(ctx, tx, ResponseStatusServerInternalError, nil)
		return
	}

	ep.invDlgs.Store(tx, dlg)
	tx.OnStateChanged(func(_ context.Context, _, to TransactionState) {
		if to == TransactionStateTerminated {
			ep.invDlgs.Delete(tx)
		}
	})

	fn, ok := ep.handler(RequestMethodInvite)
	if !ok {
		if err := ep.dl.Respond(ctx, tx, dlg, ResponseStatusMethodNotAllowed, &RespondOptions{
			Headers: ep.allowHeaders(),
		}); err != nil {
			ep.log.LogAttrs(ctx, slog.LevelError, "failed to reject INVITE",
				slog.Any("dialog", dlg),
				slog.Any("error", err),
			)
		}
		return
	}
	fn(ctx, tx, dlg)
}

// handleCancel answers a CANCEL matched to a live INVITE server transaction:
// if no final response went out yet the INVITE is answered 487.
func (ep *Endpoint) handleCancel(ctx context.Context, invTx, cnlTx ServerTransaction) {
	if st := invTx.State(); st != TransactionStateTrying && st != TransactionStateProceeding {
		return
	}

	var err error
	if val, ok := ep.invDlgs.Load(invTx); ok {
		dlg, _ := val.(*Dialog)
		err = ep.dl.Respond(ctx, invTx, dlg, ResponseStatusRequestTerminated, nil)
	} else {
		err = invTx.Respond(ctx, ResponseStatusRequestTerminated, nil)
	}
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelError, "failed to terminate INVITE on CANCEL",
			slog.Any("request", cnlTx.Request()),
			slog.Any("error", err),
		)
		return
	}
	ep.stats.RecordResponseSent()
}

// handleOrphanAck consumes an ACK to a 2xx, which arrives outside any
// transaction and confirms the UAS dialog.
func (ep *Endpoint) handleOrphanAck(ctx context.Context, req *InboundRequest) {
	if _, err := ep.dl.RecvRequest(ctx, req); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "silently discard ACK matching no dialog",
			slog.Any("request", req),
			slog.Any("error", err),
		)
	}
}

// handleOrphanResponse re-acknowledges 2xx INVITE retransmissions arriving
// after the client transaction terminated, RFC 3261 Section 13.2.2.4.
func (ep *Endpoint) handleOrphanResponse(ctx context.Context, res *InboundResponse) {
	cseq, ok := res.Headers().CSeq()
	if !ok || !cseq.Method.Equal(RequestMethodInvite) || !res.Status().IsSuccessful() {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "silently discard orphan response", slog.Any("response", res))
		return
	}

	var key DialogKey
	if err := key.FillFromResponse(res); err != nil || !key.IsValid() {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "silently discard orphan response", slog.Any("response", res))
		return
	}
	dlg, err := ep.dl.Load(ctx, key)
	if err != nil || dlg.Role() != DialogRoleUAC {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "silently discard orphan response", slog.Any("response", res))
		return
	}

	ack, err := dlg.NewAck(res)
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "failed to build ACK on 2xx retransmission",
			slog.Any("dialog", dlg),
			slog.Any("error", err),
		)
		return
	}
	if err := ep.SendAck(ctx, ack); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelError, "failed to re-acknowledge 2xx retransmission",
			slog.Any("dialog", dlg),
			slog.Any("error", err),
		)
	}
}

// SendRequest resolves the request destination, stamps the User-Agent header
// and sends the request in a new client transaction. An INVITE additionally
// opens a UAC dialog tracked by the dialog layer.
func (ep *Endpoint) SendRequest(ctx context.Context, req *OutboundRequest) (ClientTransaction, error) {
	tx, _, err := ep.sendRequest(ctx, req)
	return tx, errtrace.Wrap(err)
}

// Invite sends the INVITE like [Endpoint.SendRequest] and returns the UAC
// dialog alongside the transaction.
func (ep *Endpoint) Invite(ctx context.Context, req *OutboundRequest) (ClientTransaction, *Dialog, error) {
	if req == nil || !req.Method().Equal(RequestMethodInvite) {
		return nil, nil, errtrace.Wrap(NewInvalidArgumentError("request is not an INVITE"))
	}
	return errtrace.Wrap3(ep.sendRequest(ctx, req))
}

func (ep *Endpoint) sendRequest(ctx context.Context, req *OutboundRequest) (ClientTransaction, *Dialog, error) {
	if ep.closing.Load() {
		return nil, nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}
	if req == nil {
		return nil, nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}

	ctx = log.NewContext(ctx, ep.log)
	ep.stampUserAgent(req)

	tp, err := ep.resolveTarget(ctx, req)
	if err != nil {
		return nil, nil, errtrace.Wrap(err)
	}

	tx, err := ep.txl.NewClientTransaction(ctx, req, tp, nil)
	if err != nil {
		return nil, nil, errtrace.Wrap(err)
	}
	ep.stats.RecordRequestSent()

	var dlg *Dialog
	if req.Method().Equal(RequestMethodInvite) {
		if dlg, err = ep.dl.TrackClientInvite(ctx, tx); err != nil {
			ep.log.LogAttrs(ctx, slog.LevelError, "failed to track INVITE dialog",
				slog.Any("request", req),
				slog.Any("error", err),
			)
		}
	}
	return tx, dlg, nil
}

// SendAck sends the ACK of a 2xx directly through the transport, outside any
// transaction, RFC 3261 Section 17.1.1.3.
func (ep *Endpoint) SendAck(ctx context.Context, ack *OutboundRequest) error {
	if ep.closing.Load() {
		return errtrace.Wrap(ErrTransactionLayerClosed)
	}
	if ack == nil || !ack.Method().Equal(RequestMethodAck) {
		return errtrace.Wrap(NewInvalidArgumentError("request is not an ACK"))
	}

	ctx = log.NewContext(ctx, ep.log)
	ep.stampUserAgent(ack)

	tp, err := ep.resolveTarget(ctx, ack)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := tp.SendRequest(ctx, ack, nil); err != nil {
		return errtrace.Wrap(err)
	}
	ep.stats.RecordRequestSent()
	return nil
}

func (ep *Endpoint) stampUserAgent(req *OutboundRequest) {
	req.Update(func(msg *Request) {
		if msg == nil || msg.Headers == nil {
			return
		}
		if hdrs := msg.Headers.Get("User-Agent"); len(hdrs) == 0 {
			msg.Headers.Append(header.UserAgent(ep.name))
		}
	})
}

// resolveTarget picks the transport and fills the remote address of the
// request. A request already carrying a remote address only needs the
// transport of its topmost Via hop.
func (ep *Endpoint) resolveTarget(ctx context.Context, req *OutboundRequest) (ClientTransport, error) {
	metas := ep.transportsMeta()
	if len(metas) == 0 {
		return nil, errtrace.Wrap(ErrNoTransport)
	}

	if req.RemoteAddr().IsValid() {
		proto := ""
		if via, ok := req.Headers().TopVia(); ok && via.Transport != "" {
			proto = string(via.Transport)
		}
		p := TransportProto(proto).ToUpper()
		if p == "" {
			p = defaultProto(metas, uri.GetScheme(req.URI()) == "sips")
		}
		tp, ok := ep.Transport(p)
		if !ok {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTransport, errorutil.Errorf("proto %q", p)))
		}
		return tp, nil
	}

	for proto, addr := range RequestAddrs(ctx, req.URI(), metas, ep.rslvr) {
		tp, ok := ep.Transport(proto)
		if !ok {
			continue
		}
		req.SetRemoteAddr(addr)
		return tp, nil
	}
	return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTarget, errorutil.Errorf("uri %q", req.URI())))
}

// ackAndByeFork is the default policy for a forked dialog confirmed by an
// extra 2xx: acknowledge the response, then tear the dialog down with BYE,
// RFC 3261 Section 13.2.2.4.
func (ep *Endpoint) ackAndByeFork(ctx context.Context, dlg *Dialog, res *InboundResponse) {
	ack, err := dlg.NewAck(res)
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelError, "failed to build ACK for surplus fork",
			slog.Any("dialog", dlg),
			slog.Any("error", err),
		)
		return
	}
	if err := ep.SendAck(ctx, ack); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelError, "failed to acknowledge surplus fork",
			slog.Any("dialog", dlg),
			slog.Any("error", err),
		)
		return
	}

	bye, err := dlg.NewBye()
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelError, "failed to build BYE for surplus fork",
			slog.Any("dialog", dlg),
			slog.Any("error", err),
		)
		return
	}
	if _, err := ep.SendRequest(ctx, bye); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelError, "failed to send BYE for surplus fork",
			slog.Any("dialog", dlg),
			slog.Any("error", err),
		)
	}
}

func (ep *Endpoint) respond(ctx context.Context, tx ServerTransaction, sts ResponseStatus, opts *RespondOptions) {
	if err := tx.Respond(ctx, sts, opts); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelError, "failed to respond on inbound request",
			slog.Any("request", tx.Request()),
			slog.Any("status", sts),
			slog.Any("error", err),
		)
		return
	}
	ep.stats.RecordResponseSent()
}

// allowHeaders lists the methods the endpoint accepts.
func (ep *Endpoint) allowHeaders() Headers {
	methods := []string{
		string(RequestMethodAck),
		string(RequestMethodBye),
		string(RequestMethodCancel),
	}
	ep.mu.RLock()
	for method := range ep.handlers {
		methods = append(methods, string(method))
	}
	ep.mu.RUnlock()
	slices.Sort(methods)

	return make(Headers).Append(&header.Any{Name: "Allow", Value: strings.Join(methods, ", ")})
}

// Shutdown terminates the dialogs and transactions, unbinds the transports
// and closes them. The endpoint rejects all traffic afterwards.
func (ep *Endpoint) Shutdown(ctx context.Context) error {
	ep.stopOnce.Do(func() {
		ep.closing.Store(true)
		ep.stopErr = ep.shutdown(ctx)
	})
	return errtrace.Wrap(ep.stopErr)
}

func (ep *Endpoint) shutdown(ctx context.Context) error {
	ep.mu.Lock()
	unbinds := ep.unbinds
	ep.unbinds = nil
	tps := make([]Transport, 0, len(ep.tps))
	for _, tp := range ep.tps {
		tps = append(tps, tp)
	}
	ep.mu.Unlock()

	for _, fn := range unbinds {
		fn()
	}

	var errs []error
	if err := ep.dl.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := ep.txl.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, tp := range tps {
		if err := tp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to shutdown endpoint:", errs...))
}
