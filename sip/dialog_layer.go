package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/voicegrid/sipcore/internal/errorutil"
	"github.com/voicegrid/sipcore/internal/log"
	"github.com/voicegrid/sipcore/internal/types"
)

// DialogHandler handles a dialog announced by the dialog layer.
type DialogHandler = func(ctx context.Context, dlg *Dialog)

// ForkHandler handles a forked dialog confirmed by an extra 2xx.
// The typical policy accepts the first 2xx and answers later ones with
// ACK followed by BYE.
type ForkHandler = func(ctx context.Context, dlg *Dialog, res *InboundResponse)

// DialogLayerOptions are the options for a [DialogLayer].
type DialogLayerOptions struct {
	// OnForkedConfirm is invoked when a forked dialog is confirmed by a 2xx
	// after another fork already confirmed. If nil, the forked dialog is
	// only registered and announced like any other.
	OnForkedConfirm ForkHandler
	// Log is the logger.
	// If nil, the [log.Noop] is used.
	Log *slog.Logger
}

func (o *DialogLayerOptions) onForkedConfirm() ForkHandler {
	if o == nil {
		return nil
	}
	return o.OnForkedConfirm
}

func (o *DialogLayerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Noop
	}
	return o.Log
}

// DialogLayer owns the table of active dialogs keyed by [DialogKey] and
// derives dialog creation, updates and termination from transaction traffic.
type DialogLayer struct {
	log          *slog.Logger
	onForkedConf ForkHandler

	mu   sync.RWMutex
	dlgs map[DialogKey]*Dialog

	onNewDialog types.CallbackManager[DialogHandler]

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewDialogLayer creates a new [DialogLayer].
// Options are optional, if nil, default values are used (see [DialogLayerOptions]).
func NewDialogLayer(opts *DialogLayerOptions) *DialogLayer {
	return &DialogLayer{
		log:          opts.log(),
		onForkedConf: opts.onForkedConfirm(),
		dlgs:         make(map[DialogKey]*Dialog),
	}
}

// TrackClientInvite creates the UAC dialog for the INVITE client transaction
// and feeds every response of the transaction into it. Responses carrying a
// remote tag of another fork spawn additional dialogs, one per remote tag.
//
// The dialog enters the table once a remote tag is known. A 2xx confirming
// a fork after another fork already confirmed is handed to the
// OnForkedConfirm policy.
func (dl *DialogLayer) TrackClientInvite(ctx context.Context, tx ClientTransaction) (*Dialog, error) {
	if dl.closing.Load() {
		return nil, errtrace.Wrap(ErrDialogLayerClosed)
	}
	if tx == nil || !tx.Request().Method().Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("transaction is not an INVITE client transaction"))
	}

	dlg, err := NewUACDialog(tx.Request(), &DialogOptions{Log: dl.log})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx.OnResponse(func(ctx context.Context, tx ClientTransaction, res *InboundResponse) {
		dl.recvTransactionResponse(ctx, dlg, tx, res)
	})
	return dlg, nil
}

func (dl *DialogLayer) recvTransactionResponse(
	ctx context.Context,
	dlg *Dialog,
	tx ClientTransaction,
	res *InboundResponse,
) {
	err := dlg.RecvResponse(ctx, res)
	switch {
	case err == nil:
		dl.register(ctx, dlg)
	case errors.Is(err, ErrMessageNotMatched):
		dl.recvForkedResponse(ctx, tx, res)
	case errors.Is(err, ErrDialogTerminated):
		dl.log.LogAttrs(ctx, slog.LevelDebug, "silently discard response on terminated dialog",
			slog.Any("dialog", dlg),
			slog.Any("response", res),
		)
	default:
		dl.log.LogAttrs(ctx, slog.LevelError, "failed to update dialog from response",
			slog.Any("dialog", dlg),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

// recvForkedResponse handles a response whose remote tag belongs to another
// fork of the INVITE: it is routed to the existing dialog of that fork or
// spawns a new one, RFC 3261 Section 12.1.2.
func (dl *DialogLayer) recvForkedResponse(ctx context.Context, tx ClientTransaction, res *InboundResponse) {
	var key DialogKey
	if err := key.FillFromResponse(res); err != nil || !key.IsValid() {
		dl.log.LogAttrs(ctx, slog.LevelDebug, "silently discard unkeyable forked response",
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return
	}

	if fork, err := dl.Load(ctx, key); err == nil {
		if err := fork.RecvResponse(ctx, res); err != nil {
			dl.log.LogAttrs(ctx, slog.LevelDebug, "failed to update forked dialog from response",
				slog.Any("dialog", fork),
				slog.Any("response", res),
				slog.Any("error", err),
			)
		}
		return
	}

	if !res.Status().IsProvisional() && !res.Status().IsSuccessful() {
		// a failure of a fork never seen, nothing to terminate
		dl.log.LogAttrs(ctx, slog.LevelDebug, "silently discard failure of unknown fork",
			slog.Any("response", res),
		)
		return
	}

	fork, err := NewUACDialog(tx.Request(), &DialogOptions{Log: dl.log})
	if err != nil {
		dl.log.LogAttrs(ctx, slog.LevelError, "failed to create forked dialog",
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return
	}
	if err := fork.RecvResponse(ctx, res); err != nil {
		dl.log.LogAttrs(ctx, slog.LevelError, "failed to update forked dialog from response",
			slog.Any("dialog", fork),
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return
	}
	dl.register(ctx, fork)

	if res.Status().IsSuccessful() && dl.onForkedConf != nil {
		dl.onForkedConf(ctx, fork, res)
	}
}

// TrackServerInvite creates the UAS dialog for the INVITE server transaction
// with a freshly generated local tag. Responses sent through the transaction
// must be fed back via [DialogLayer.Respond] or [Dialog.TrackResponse]; the
// ACK confirming the dialog is consumed from the transaction directly.
func (dl *DialogLayer) TrackServerInvite(ctx context.Context, tx ServerTransaction) (*Dialog, error) {
	if dl.closing.Load() {
		return nil, errtrace.Wrap(ErrDialogLayerClosed)
	}
	if tx == nil || !tx.Request().Method().Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("transaction is not an INVITE server transaction"))
	}

	dlg, err := NewUASDialog(tx.Request(), GenerateTag(0), &DialogOptions{Log: dl.log})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if acker, ok := tx.(interface {
		OnAck(fn RequestHandler) (cancel func())
	}); ok {
		acker.OnAck(func(ctx context.Context, req *InboundRequest) {
			if err := dlg.RecvRequest(ctx, req); err != nil {
				dl.log.LogAttrs(ctx, slog.LevelDebug, "failed to confirm dialog from ACK",
					slog.Any("dialog", dlg),
					slog.Any("request", req),
					slog.Any("error", err),
				)
			}
		})
	}

	dl.register(ctx, dlg)
	return dlg, nil
}

// Respond sends a response on the server transaction with the dialog's
// local tag and tracks the dialog state from it.
func (dl *DialogLayer) Respond(
	ctx context.Context,
	tx ServerTransaction,
	dlg *Dialog,
	sts ResponseStatus,
	opts *RespondOptions,
) error {
	if tx == nil || dlg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid transaction or dialog"))
	}

	if opts == nil {
		opts = &RespondOptions{}
	}
	opts.LocalTag = dlg.LocalTag()
	if err := tx.Respond(ctx, sts, opts); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(dlg.TrackResponse(ctx, tx.LastResponse()))
}

// RecvRequest admits an inbound in-dialog request, i.e. a request carrying
// a To tag. The matched dialog is returned so the caller can answer the
// request, [ErrDialogMismatch]/[ErrDialogNotFound] signal a 481 answer and
// [ErrSequenceViolation] a 500 answer.
func (dl *DialogLayer) RecvRequest(ctx context.Context, req *InboundRequest) (*Dialog, error) {
	var key DialogKey
	if err := key.FillFromRequest(req); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !key.IsValid() {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrDialogMismatch,
			errorutil.Errorf("request %q carries no full dialog id", req)))
	}

	dlg, err := dl.Load(ctx, key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := dlg.RecvRequest(ctx, req); err != nil {
		return dlg, errtrace.Wrap(err)
	}
	return dlg, nil
}

// Load returns the dialog stored under the key, or [ErrDialogNotFound].
func (dl *DialogLayer) Load(_ context.Context, key DialogKey) (*Dialog, error) {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	dlg, ok := dl.dlgs[key]
	if !ok {
		return nil, errtrace.Wrap(ErrDialogNotFound)
	}
	return dlg, nil
}

// Len returns the number of dialogs in the table.
func (dl *DialogLayer) Len() int {
	dl.mu.RLock()
	defer dl.mu.RUnlock()
	return len(dl.dlgs)
}

// All returns a snapshot of all dialogs in the table.
func (dl *DialogLayer) All() []*Dialog {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	dlgs := make([]*Dialog, 0, len(dl.dlgs))
	for _, dlg := range dl.dlgs {
		dlgs = append(dlgs, dlg)
	}
	return dlgs
}

// OnNewDialog binds a callback to be called when a dialog enters the table.
// The callback can be unbound by calling the returned unbind function.
func (dl *DialogLayer) OnNewDialog(fn DialogHandler) (unbind func()) {
	return dl.onNewDialog.Add(fn)
}

// register puts the dialog into the table once its key is complete.
// Registration is idempotent, the dialog is announced only on first entry.
func (dl *DialogLayer) register(ctx context.Context, dlg *Dialog) {
	key := dlg.Key()
	if !key.IsValid() {
		return
	}

	dl.mu.Lock()
	if _, ok := dl.dlgs[key]; ok {
		dl.mu.Unlock()
		return
	}
	dl.dlgs[key] = dlg
	dl.mu.Unlock()

	dlg.OnStateChanged(func(_ context.Context, _, to DialogState) {
		if to == DialogStateTerminated {
			dl.evict(key)
		}
	})
	if dlg.State() == DialogStateTerminated {
		// terminated while registering
		dl.evict(key)
		return
	}

	dl.log.LogAttrs(ctx, slog.LevelDebug, "dialog registered", slog.Any("dialog", dlg))
	for fn := range dl.onNewDialog.All() {
		fn(ctx, dlg)
	}
}

func (dl *DialogLayer) evict(key DialogKey) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	delete(dl.dlgs, key)
}

// Close terminates all dialogs without further message exchange and rejects
// new ones.
func (dl *DialogLayer) Close(ctx context.Context) error {
	dl.closeOnce.Do(func() {
		dl.closing.Store(true)
		dl.closeErr = dl.close(ctx)
	})
	return errtrace.Wrap(dl.closeErr)
}

func (dl *DialogLayer) close(ctx context.Context) error {
	var errs []error
	for _, dlg := range dl.All() {
		if err := dlg.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate dialog %q: %w", dlg.Key(), err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close dialog layer:", errs...))
}
