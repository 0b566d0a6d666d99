package sip

import (
	"context"
	"log/slog"
	"sync"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/internal/errorutil"
	"github.com/voicegrid/sipcore/internal/log"
	"github.com/voicegrid/sipcore/internal/types"
	"github.com/voicegrid/sipcore/uri"
)

// DialogState represents a state of the dialog FSM.
type DialogState string

// Dialog states.
const (
	DialogStateInit       DialogState = "init"
	DialogStateEarly      DialogState = "early"
	DialogStateWaitAck    DialogState = "wait_ack"
	DialogStateConfirmed  DialogState = "confirmed"
	DialogStateTerminated DialogState = "terminated"
)

// DialogRole represents the role of the local side in a dialog.
type DialogRole string

// Dialog roles.
const (
	DialogRoleUAC DialogRole = "uac"
	DialogRoleUAS DialogRole = "uas"
)

// DialogStateHandler handles dialog state transitions.
type DialogStateHandler = func(ctx context.Context, from, to DialogState)

// DialogKey identifies a dialog per RFC 3261 Section 12:
// Call-ID plus the local and remote tags.
type DialogKey struct {
	CallID    string `json:"call_id"`
	LocalTag  string `json:"local_tag"`
	RemoteTag string `json:"remote_tag"`
}

var zeroDlgKey DialogKey

// FillFromRequest populates the key from an inbound request, i.e. from the
// UAS point of view: the To tag is the local tag, the From tag is the remote tag.
func (k *DialogKey) FillFromRequest(req *InboundRequest) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}

	hdrs := req.Headers()
	callID, ok := hdrs.CallID()
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError(newMissHdrErr("Call-ID")))
	}
	k.CallID = string(callID)

	if to, ok := hdrs.To(); ok {
		k.LocalTag, _ = to.Tag()
	}
	if from, ok := hdrs.From(); ok {
		k.RemoteTag, _ = from.Tag()
	}
	return nil
}

// FillFromResponse populates the key from an inbound response, i.e. from the
// UAC point of view: the From tag is the local tag, the To tag is the remote tag.
func (k *DialogKey) FillFromResponse(res *InboundResponse) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	hdrs := res.Headers()
	callID, ok := hdrs.CallID()
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError(newMissHdrErr("Call-ID")))
	}
	k.CallID = string(callID)

	if from, ok := hdrs.From(); ok {
		k.LocalTag, _ = from.Tag()
	}
	if to, ok := hdrs.To(); ok {
		k.RemoteTag, _ = to.Tag()
	}
	return nil
}

// IsValid checks whether the key identifies a full dialog.
func (k DialogKey) IsValid() bool {
	return k.CallID != "" && k.LocalTag != "" && k.RemoteTag != ""
}

// IsZero checks whether the key is zero.
func (k DialogKey) IsZero() bool { return k == zeroDlgKey }

// String returns the string representation of the key.
func (k DialogKey) String() string {
	return k.CallID + "|" + k.LocalTag + "|" + k.RemoteTag
}

// LogValue implements [slog.LogValuer] for structured logging.
func (k DialogKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", k.CallID),
		slog.String("local_tag", k.LocalTag),
		slog.String("remote_tag", k.RemoteTag),
	)
}

// DialogOptions contains options for a dialog.
type DialogOptions struct {
	// Log is the logger that will be used with the dialog.
	// If nil, the [log.Noop] will be used.
	Log *slog.Logger
}

func (o *DialogOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Noop
	}
	return o.Log
}

const (
	dlgEvtEarly     = "early"
	dlgEvtConfirm   = "confirm"
	dlgEvtAck       = "ack"
	dlgEvtFail      = "fail"
	dlgEvtBye       = "bye"
	dlgEvtTerminate = "terminate"
)

// Dialog represents a SIP dialog per RFC 3261 Section 12: the peer-to-peer
// relationship established by an INVITE, identified by [DialogKey].
//
// The dialog is driven by the messages of its transactions: the UAC side
// consumes inbound responses via [Dialog.RecvResponse], the UAS side tracks
// outbound responses via [Dialog.TrackResponse], both sides admit in-dialog
// requests via [Dialog.RecvRequest].
type Dialog struct {
	fsm    *stateless.StateMachine
	ctx    context.Context
	cancel context.CancelFunc
	role   DialogRole
	log    *slog.Logger

	mu        sync.RWMutex
	callID    header.CallID
	locTag    string
	rmtTag    string
	locURI    URI
	rmtURI    URI
	locSeq    uint
	rmtSeq    uint
	inviteSeq uint
	rmtTarget URI
	routeSet  []*header.Route
	viaTmpl   *header.ViaHop
	locCnt    *header.Contact
	secure    bool

	done     chan struct{}
	doneOnce sync.Once

	onState types.CallbackManager[DialogStateHandler]
}

func newDialog(role DialogRole, logger *slog.Logger) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())
	dlg := &Dialog{
		ctx:    ctx,
		cancel: cancel,
		role:   role,
		log:    logger,
		done:   make(chan struct{}),
	}
	dlg.initFSM()
	return dlg
}

// NewUACDialog creates a dialog for the sent INVITE request: the local side
// of the dialog is the From side. The dialog starts in the init state and
// moves on via [Dialog.RecvResponse].
func NewUACDialog(req *OutboundRequest, opts *DialogOptions) (*Dialog, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !req.Method().Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	hdrs := req.Headers()
	from, _ := hdrs.From()
	fromTag, ok := from.Tag()
	if !ok || fromTag == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request From header carries no tag"))
	}

	dlg := newDialog(DialogRoleUAC, opts.log())
	callID, _ := hdrs.CallID()
	dlg.callID = callID
	dlg.locTag = fromTag
	dlg.locURI = types.Clone[URI](from.URI)
	if to, ok := hdrs.To(); ok {
		dlg.rmtURI = types.Clone[URI](to.URI)
	}
	if cseq, ok := hdrs.CSeq(); ok {
		dlg.locSeq = cseq.SeqNum
		dlg.inviteSeq = cseq.SeqNum
	}
	if cnt, ok := hdrs.Contact(); ok {
		dlg.locCnt, _ = cnt.Clone().(*header.Contact)
	}
	if via, ok := hdrs.TopVia(); ok {
		viaTmpl := via
		viaTmpl.Params = via.Params.Clone()
		dlg.viaTmpl = &viaTmpl
	}
	dlg.secure = uri.GetScheme(req.URI()) == "sips"
	return dlg, nil
}

// NewUASDialog creates a dialog for the received INVITE request: the local
// side of the dialog is the To side, tagged with locTag. The route set is
// taken from the Record-Route entries in order, the remote target from the
// Contact header.
func NewUASDialog(req *InboundRequest, locTag string, opts *DialogOptions) (*Dialog, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !req.Method().Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if locTag == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("empty local tag"))
	}

	hdrs := req.Headers()
	from, _ := hdrs.From()
	fromTag, ok := from.Tag()
	if !ok || fromTag == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request From header carries no tag"))
	}

	dlg := newDialog(DialogRoleUAS, opts.log())
	callID, _ := hdrs.CallID()
	dlg.callID = callID
	dlg.locTag = locTag
	dlg.rmtTag = fromTag
	dlg.rmtURI = types.Clone[URI](from.URI)
	if to, ok := hdrs.To(); ok {
		dlg.locURI = types.Clone[URI](to.URI)
	}
	if cseq, ok := hdrs.CSeq(); ok {
		dlg.rmtSeq = cseq.SeqNum
		dlg.inviteSeq = cseq.SeqNum
	}
	if cnt, ok := hdrs.Contact(); ok {
		dlg.rmtTarget = types.Clone[URI](cnt.URI)
	}
	for rr := range hdrs.RecordRoutes() {
		dlg.routeSet = append(dlg.routeSet, rr.AsRoute())
	}
	dlg.secure = uri.GetScheme(req.URI()) == "sips"
	return dlg, nil
}

func (dlg *Dialog) initFSM() {
	dlg.fsm = stateless.NewStateMachineWithMode(DialogStateInit, stateless.FiringQueued)
	dlg.fsm.OnTransitioned(dlg.handleTransition)

	confirmed := DialogStateConfirmed
	if dlg.role == DialogRoleUAS {
		// RFC 3261 Section 13.3.1.4: the UAS side waits for the ACK
		confirmed = DialogStateWaitAck
	}

	dlg.fsm.Configure(DialogStateInit).
		Permit(dlgEvtEarly, DialogStateEarly).
		Permit(dlgEvtConfirm, confirmed).
		Permit(dlgEvtFail, DialogStateTerminated).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	dlg.fsm.Configure(DialogStateEarly).
		InternalTransition(dlgEvtEarly, dlg.actNoop).
		Permit(dlgEvtConfirm, confirmed).
		Permit(dlgEvtFail, DialogStateTerminated).
		Permit(dlgEvtBye, DialogStateTerminated).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	if dlg.role == DialogRoleUAS {
		dlg.fsm.Configure(DialogStateWaitAck).
			InternalTransition(dlgEvtConfirm, dlg.actNoop).
			Permit(dlgEvtAck, DialogStateConfirmed).
			Permit(dlgEvtBye, DialogStateTerminated).
			Permit(dlgEvtTerminate, DialogStateTerminated)
	}

	dlg.fsm.Configure(DialogStateConfirmed).
		InternalTransition(dlgEvtConfirm, dlg.actNoop).
		InternalTransition(dlgEvtAck, dlg.actNoop).
		Permit(dlgEvtBye, DialogStateTerminated).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	dlg.fsm.Configure(DialogStateTerminated).
		InternalTransition(dlgEvtTerminate, dlg.actNoop)
}

func (dlg *Dialog) actNoop(context.Context, ...any) error { return nil }

func (dlg *Dialog) handleTransition(ctx context.Context, tr stateless.Transition) {
	from, _ := tr.Source.(DialogState)
	to, _ := tr.Destination.(DialogState)
	if from == to {
		return
	}

	dlg.log.LogAttrs(ctx, slog.LevelDebug, "dialog state changed",
		slog.Any("dialog", dlg),
		slog.Any("from", from),
		slog.Any("to", to),
	)

	for fn := range dlg.onState.All() {
		fn(ctx, from, to)
	}

	if to == DialogStateTerminated {
		dlg.doneOnce.Do(func() {
			close(dlg.done)
			dlg.cancel()
		})
	}
}

// Context returns the dialog context.
// The context is canceled when the dialog terminates.
func (dlg *Dialog) Context() context.Context { return dlg.ctx }

// Role returns the local role in the dialog.
func (dlg *Dialog) Role() DialogRole { return dlg.role }

// State returns the current dialog state.
func (dlg *Dialog) State() DialogState {
	st, _ := dlg.fsm.MustState().(DialogState)
	return st
}

// Key returns the dialog key. The remote tag part is empty until a remote
// tag was seen.
func (dlg *Dialog) Key() DialogKey {
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	return DialogKey{CallID: string(dlg.callID), LocalTag: dlg.locTag, RemoteTag: dlg.rmtTag}
}

// CallID returns the Call-ID of the dialog.
func (dlg *Dialog) CallID() header.CallID { return dlg.callID }

// LocalTag returns the local tag of the dialog.
func (dlg *Dialog) LocalTag() string { return dlg.locTag }

// RemoteTag returns the remote tag of the dialog, empty until a remote tag
// was seen.
func (dlg *Dialog) RemoteTag() string {
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	return dlg.rmtTag
}

// LocalSeq returns the last local CSeq number.
func (dlg *Dialog) LocalSeq() uint {
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	return dlg.locSeq
}

// RemoteSeq returns the last accepted remote CSeq number.
func (dlg *Dialog) RemoteSeq() uint {
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	return dlg.rmtSeq
}

// RemoteTarget returns a copy of the remote target URI.
func (dlg *Dialog) RemoteTarget() URI {
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	return types.Clone[URI](dlg.rmtTarget)
}

// RouteSet returns a copy of the dialog route set.
func (dlg *Dialog) RouteSet() []*header.Route {
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()

	routes := make([]*header.Route, len(dlg.routeSet))
	for i, r := range dlg.routeSet {
		routes[i], _ = r.Clone().(*header.Route)
	}
	return routes
}

// Secured reports whether the dialog was established over a sips URI.
func (dlg *Dialog) Secured() bool { return dlg.secure }

// SetLocalContact sets the Contact header stamped onto in-dialog requests.
func (dlg *Dialog) SetLocalContact(cnt *header.Contact) {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	dlg.locCnt, _ = cnt.Clone().(*header.Contact)
}

// Done returns a channel that is closed when the dialog terminates.
func (dlg *Dialog) Done() <-chan struct{} { return dlg.done }

// Terminate forces the dialog into the terminated state without any
// message exchange.
func (dlg *Dialog) Terminate(ctx context.Context) error {
	if dlg.State() == DialogStateTerminated {
		return nil
	}
	return errtrace.Wrap(dlg.fsm.FireCtx(ctx, dlgEvtTerminate))
}

// OnStateChanged registers a callback to be called on each state transition.
// The callback can be canceled by calling the returned cancel function.
func (dlg *Dialog) OnStateChanged(fn DialogStateHandler) (cancel func()) {
	return dlg.onState.Add(fn)
}

// LogValue implements [slog.LogValuer] for structured logging.
func (dlg *Dialog) LogValue() slog.Value {
	if dlg == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", dlg.Key()),
		slog.String("role", string(dlg.role)),
		slog.String("state", string(dlg.State())),
	)
}

// RecvResponse updates the UAC side of the dialog from an inbound response
// on the dialog-forming INVITE.
//
// A provisional response with a To tag moves the dialog to early and fixes
// the remote tag, a 2xx confirms the dialog and freezes the route set, a
// 3xx-6xx terminates it. A response with a To tag of another fork fails
// with [ErrMessageNotMatched] and leaves the dialog untouched.
func (dlg *Dialog) RecvResponse(ctx context.Context, res *InboundResponse) error {
	if dlg.role != DialogRoleUAC {
		return errtrace.Wrap(ErrActionNotAllowed)
	}
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if dlg.State() == DialogStateTerminated {
		return errtrace.Wrap(ErrDialogTerminated)
	}

	var rmtTag string
	if to, ok := res.Headers().To(); ok {
		rmtTag, _ = to.Tag()
	}

	sts := res.Status()
	switch {
	case sts.IsProvisional():
		if rmtTag == "" {
			// 100 Trying never forms a dialog
			return nil
		}
		if err := dlg.adoptRemote(rmtTag, res.Headers()); err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(dlg.fire(ctx, dlgEvtEarly))
	case sts.IsSuccessful():
		if err := dlg.adoptRemote(rmtTag, res.Headers()); err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(dlg.fire(ctx, dlgEvtConfirm))
	default:
		dlg.mu.Lock()
		dlgTag := dlg.rmtTag
		dlg.mu.Unlock()
		if dlgTag != "" && rmtTag != "" && dlgTag != rmtTag {
			// failure of another fork, only the dialog of that remote
			// tag terminates
			return errtrace.Wrap(errorutil.NewWrapperError(ErrMessageNotMatched,
				errorutil.Errorf("remote tag %q, dialog %q", rmtTag, dlgTag)))
		}
		if dlg.State() == DialogStateConfirmed {
			// a late retransmission cannot undo the confirmation
			return nil
		}
		return errtrace.Wrap(dlg.fire(ctx, dlgEvtFail))
	}
}

// adoptRemote fixes the remote tag and captures the route set (reversed
// Record-Route, RFC 3261 Section 12.1.2) and remote target from a
// dialog-forming response.
func (dlg *Dialog) adoptRemote(rmtTag string, hdrs Headers) error {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()

	if dlg.rmtTag != "" && rmtTag != "" && dlg.rmtTag != rmtTag {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrMessageNotMatched,
			errorutil.Errorf("remote tag %q, dialog %q", rmtTag, dlg.rmtTag)))
	}
	if dlg.rmtTag == "" {
		dlg.rmtTag = rmtTag
	}

	var routes []*header.Route
	for rr := range hdrs.RecordRoutes() {
		routes = append(routes, rr.AsRoute())
	}
	if len(routes) > 0 {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
		dlg.routeSet = routes
	}
	if cnt, ok := hdrs.Contact(); ok {
		dlg.rmtTarget = types.Clone[URI](cnt.URI)
	}
	return nil
}

// TrackResponse updates the UAS side of the dialog from a response sent on
// the dialog-forming INVITE transaction: a tagged provisional moves the
// dialog to early, a 2xx to wait_ack, a 3xx-6xx terminates it.
func (dlg *Dialog) TrackResponse(ctx context.Context, res *OutboundResponse) error {
	if dlg.role != DialogRoleUAS {
		return errtrace.Wrap(ErrActionNotAllowed)
	}
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if dlg.State() == DialogStateTerminated {
		return errtrace.Wrap(ErrDialogTerminated)
	}

	sts := res.Status()
	switch {
	case sts == ResponseStatusTrying:
		return nil
	case sts.IsProvisional():
		return errtrace.Wrap(dlg.fire(ctx, dlgEvtEarly))
	case sts.IsSuccessful():
		return errtrace.Wrap(dlg.fire(ctx, dlgEvtConfirm))
	default:
		return errtrace.Wrap(dlg.fire(ctx, dlgEvtFail))
	}
}

// RecvRequest admits an inbound in-dialog request.
//
// The remote CSeq must be strictly greater than the last accepted one,
// RFC 3261 Section 12.2.2; a violation fails with [ErrSequenceViolation]
// and leaves the dialog untouched. An ACK confirms a UAS dialog waiting
// for it, a BYE terminates the dialog. A target refresh request updates
// the remote target from its Contact header.
func (dlg *Dialog) RecvRequest(ctx context.Context, req *InboundRequest) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if dlg.State() == DialogStateTerminated {
		return errtrace.Wrap(ErrDialogTerminated)
	}

	cseq, ok := req.Headers().CSeq()
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError(newMissHdrErr("CSeq")))
	}

	if req.Method().Equal(RequestMethodAck) {
		if dlg.role == DialogRoleUAS && dlg.State() == DialogStateWaitAck {
			return errtrace.Wrap(dlg.fire(ctx, dlgEvtAck))
		}
		return nil
	}

	dlg.mu.Lock()
	if dlg.rmtSeq > 0 && cseq.SeqNum <= dlg.rmtSeq {
		rmtSeq := dlg.rmtSeq
		dlg.mu.Unlock()
		return errtrace.Wrap(errorutil.NewWrapperError(ErrSequenceViolation,
			errorutil.Errorf("got CSeq %d, last accepted %d", cseq.SeqNum, rmtSeq)))
	}
	dlg.rmtSeq = cseq.SeqNum
	if req.Method().Equal(RequestMethodInvite) {
		if cnt, ok := req.Headers().Contact(); ok {
			dlg.rmtTarget = types.Clone[URI](cnt.URI)
		}
	}
	dlg.mu.Unlock()

	if req.Method().Equal(RequestMethodBye) {
		return errtrace.Wrap(dlg.fire(ctx, dlgEvtBye))
	}
	return nil
}

func (dlg *Dialog) fire(ctx context.Context, evt string) error {
	return errtrace.Wrap(dlg.fsm.FireCtx(ctx, evt))
}

// DialogRequestOptions customizes in-dialog requests built by
// [Dialog.NewRequest].
type DialogRequestOptions struct {
	// Via overrides the Via hop template captured from the dialog-forming
	// request. The branch parameter is always regenerated.
	Via *header.ViaHop
	// Headers are extra headers appended to the request.
	Headers Headers
	// Body is the request body.
	Body []byte
}

func (o *DialogRequestOptions) via() *header.ViaHop {
	if o == nil {
		return nil
	}
	return o.Via
}

func (o *DialogRequestOptions) headers() Headers {
	if o == nil {
		return nil
	}
	return o.Headers
}

func (o *DialogRequestOptions) body() []byte {
	if o == nil {
		return nil
	}
	return o.Body
}

// NewRequest builds an in-dialog request per RFC 3261 Section 12.2.1.1:
// the local CSeq is incremented, the request URI and Route headers are
// derived from the route set (loose vs strict routing) and the remote
// target, From/To carry the dialog tags.
func (dlg *Dialog) NewRequest(method RequestMethod, opts *DialogRequestOptions) (*OutboundRequest, error) {
	if !method.IsValid() || method.Equal(RequestMethodAck) || method.Equal(RequestMethodCancel) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if dlg.State() == DialogStateTerminated {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}

	dlg.mu.Lock()
	dlg.locSeq++
	seq := dlg.locSeq
	msg, err := dlg.buildRequest(method, seq, opts)
	dlg.mu.Unlock()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return NewOutboundRequest(msg), nil
}

// NewAck builds the ACK on a 2xx response per RFC 3261 Section 13.2.2.4.
// The ACK reuses the INVITE CSeq number, travels the dialog route set and
// goes out with a fresh branch as its own transaction.
func (dlg *Dialog) NewAck(res *InboundResponse) (*OutboundRequest, error) {
	if dlg.role != DialogRoleUAC {
		return nil, errtrace.Wrap(ErrActionNotAllowed)
	}
	if res == nil || !res.Status().IsSuccessful() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("response is not a 2xx"))
	}

	dlg.mu.Lock()
	msg, err := dlg.buildRequest(RequestMethodAck, dlg.inviteSeq, nil)
	dlg.mu.Unlock()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	// the To tag of the answered 2xx, not necessarily this dialog's tag
	if to, ok := res.Headers().To(); ok {
		msg.Headers.Set(to.Clone())
	}
	return NewOutboundRequest(msg), nil
}

// NewBye builds the BYE tearing the dialog down.
func (dlg *Dialog) NewBye() (*OutboundRequest, error) {
	return errtrace.Wrap2(dlg.NewRequest(RequestMethodBye, nil))
}

// buildRequest assembles an in-dialog request. Callers hold dlg.mu.
func (dlg *Dialog) buildRequest(method RequestMethod, seq uint, opts *DialogRequestOptions) (*Request, error) {
	target := dlg.rmtTarget
	if target == nil {
		target = dlg.rmtURI
	}
	if target == nil {
		return nil, errtrace.Wrap(errorutil.Error("dialog has no remote target"))
	}

	reqURI := types.Clone[URI](target)
	var routes []*header.Route
	if len(dlg.routeSet) > 0 {
		if dlg.routeSet[0].IsLooseRouting() {
			for _, r := range dlg.routeSet {
				rr, _ := r.Clone().(*header.Route)
				routes = append(routes, rr)
			}
		} else {
			// strict routing: the first route becomes the request URI,
			// the remote target goes last
			reqURI = types.Clone[URI](dlg.routeSet[0].URI)
			for _, r := range dlg.routeSet[1:] {
				rr, _ := r.Clone().(*header.Route)
				routes = append(routes, rr)
			}
			routes = append(routes, &header.Route{URI: types.Clone[URI](target)})
		}
	}

	via := dlg.buildVia(opts.via())
	if via == nil {
		return nil, errtrace.Wrap(errorutil.Error("dialog has no Via template"))
	}

	from := &header.From{
		URI:    types.Clone[URI](dlg.locURI),
		Params: make(header.Values).Set("tag", dlg.locTag),
	}
	to := &header.To{URI: types.Clone[URI](dlg.rmtURI)}
	if dlg.rmtTag != "" {
		to.Params = make(header.Values).Set("tag", dlg.rmtTag)
	}

	hdrs := make(Headers, 8).
		Set(header.Via{*via}).
		Set(header.MaxForwards(70)).
		Set(from).
		Set(to).
		Set(dlg.callID).
		Set(&header.CSeq{SeqNum: seq, Method: method})
	for _, r := range routes {
		hdrs.Append(r)
	}
	if dlg.locCnt != nil && !method.Equal(RequestMethodBye) {
		hdrs.Set(dlg.locCnt.Clone())
	}
	body := opts.body()
	hdrs.Set(header.ContentLength(len(body)))
	for _, hs := range opts.headers() {
		for _, h := range hs {
			hdrs.Append(h.Clone())
		}
	}

	return &Request{
		Method:  method,
		URI:     reqURI,
		Proto:   ProtoVer20,
		Headers: hdrs,
		Body:    body,
	}, nil
}

func (dlg *Dialog) buildVia(override *header.ViaHop) *header.ViaHop {
	var hop header.ViaHop
	switch {
	case override != nil:
		hop = *override
		hop.Params = override.Params.Clone()
	case dlg.viaTmpl != nil:
		hop = *dlg.viaTmpl
		hop.Params = dlg.viaTmpl.Params.Clone()
	default:
		return nil
	}

	if hop.Params == nil {
		hop.Params = make(header.Values)
	}
	hop.Params.Set("branch", GenerateBranch())
	return &hop
}
