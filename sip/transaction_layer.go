package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/voicegrid/sipcore/internal/errorutil"
	"github.com/voicegrid/sipcore/internal/log"
	"github.com/voicegrid/sipcore/internal/types"
)

// ClientTransactionHandler handles a client transaction announced by the
// transaction layer.
type ClientTransactionHandler = func(ctx context.Context, tx ClientTransaction)

// CancelHandler handles a CANCEL matched to the INVITE server transaction
// it cancels.
type CancelHandler = func(ctx context.Context, invite ServerTransaction, cancel ServerTransaction)

// ResponseHandler handles an inbound response that matched no client
// transaction, e.g. a 2xx retransmission or a forked 2xx.
type ResponseHandler = func(ctx context.Context, res *InboundResponse)

// TransactionLayerOptions are the options for a [TransactionLayer].
type TransactionLayerOptions struct {
	// ServerTransactionFactory is the server transaction factory.
	// If nil, the [DefaultServerTransactionFactory] is used.
	ServerTransactionFactory ServerTransactionFactory
	// ServerTransactionStore is the server transaction store.
	// If nil, a [NewMemoryServerTransactionStore] is used.
	ServerTransactionStore ServerTransactionStore
	// ClientTransactionFactory is the client transaction factory.
	// If nil, the [DefaultClientTransactionFactory] is used.
	ClientTransactionFactory ClientTransactionFactory
	// ClientTransactionStore is the client transaction store.
	// If nil, a [NewMemoryClientTransactionStore] is used.
	ClientTransactionStore ClientTransactionStore
	// Timings is the SIP timing config applied to transactions created
	// without an explicit config.
	Timings TimingConfig
	// StaleTransactionTimeout is the timeout for stale transactions.
	// Client INVITE transaction in proceeding, server INVITE transaction in proceeding
	// and non-INVITE transaction in trying/proceeding states after this timeout are considered stale
	// and will be terminated to prevent memory leaks.
	// If 0, 5 minutes is used. If negative, stale transactions are never terminated.
	StaleTransactionTimeout time.Duration
	// Log is the logger.
	// If nil, the [log.Noop] is used.
	Log *slog.Logger
}

func (o *TransactionLayerOptions) srvTxFactory() ServerTransactionFactory {
	if o == nil || o.ServerTransactionFactory == nil {
		return DefaultServerTransactionFactory()
	}
	return o.ServerTransactionFactory
}

func (o *TransactionLayerOptions) srvTxStore() ServerTransactionStore {
	if o == nil || o.ServerTransactionStore == nil {
		return NewMemoryServerTransactionStore()
	}
	return o.ServerTransactionStore
}

func (o *TransactionLayerOptions) clnTxFactory() ClientTransactionFactory {
	if o == nil || o.ClientTransactionFactory == nil {
		return DefaultClientTransactionFactory()
	}
	return o.ClientTransactionFactory
}

func (o *TransactionLayerOptions) clnTxStore() ClientTransactionStore {
	if o == nil || o.ClientTransactionStore == nil {
		return NewMemoryClientTransactionStore()
	}
	return o.ClientTransactionStore
}

func (o *TransactionLayerOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *TransactionLayerOptions) staleTxTimeout() time.Duration {
	if o == nil || o.StaleTransactionTimeout == 0 {
		return 5 * time.Minute
	}
	return o.StaleTransactionTimeout
}

func (o *TransactionLayerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Noop
	}
	return o.Log
}

// TransactionLayer matches inbound messages to transactions and creates
// new transactions for unmatched requests and outbound requests.
//
// Requests that cannot be matched or served are answered statelessly:
// malformed with 400, unmatched CANCEL with 481, traffic during shutdown
// or without subscribers with 503. Unmatched ACK and unmatched responses
// belong to the dialog layer and are passed to the respective subscribers.
type TransactionLayer struct {
	srvTxsStore    ServerTransactionStore
	srvTxFactory   ServerTransactionFactory
	clnTxsStore    ClientTransactionStore
	clnTxFactory   ClientTransactionFactory
	timings        TimingConfig
	staleTxTimeout time.Duration
	log            *slog.Logger

	onRequest  types.CallbackManager[ServerTransactionHandler]
	onCancel   types.CallbackManager[CancelHandler]
	onAck      types.CallbackManager[RequestHandler]
	onOrphRes  types.CallbackManager[ResponseHandler]
	onNewClnTx types.CallbackManager[ClientTransactionHandler]
	onNewSrvTx types.CallbackManager[ServerTransactionHandler]

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewTransactionLayer creates a new [TransactionLayer].
// Options are optional, if nil, default values are used (see [TransactionLayerOptions]).
func NewTransactionLayer(opts *TransactionLayerOptions) *TransactionLayer {
	return &TransactionLayer{
		srvTxsStore:    opts.srvTxStore(),
		srvTxFactory:   opts.srvTxFactory(),
		clnTxsStore:    opts.clnTxStore(),
		clnTxFactory:   opts.clnTxFactory(),
		timings:        opts.timings(),
		staleTxTimeout: opts.staleTxTimeout(),
		log:            opts.log(),
	}
}

// NewClientTransaction creates a client transaction for the request and
// registers it in the layer's store.
func (txl *TransactionLayer) NewClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if txl.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}

	opts = txl.clnTxOpts(opts)
	tx, err := txl.clnTxFactory.NewClientTransaction(ctx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err = txl.clnTxsStore.Store(ctx, tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	tx.OnStateChanged(txl.clnTxStateHdlr(tx))
	for fn := range txl.onNewClnTx.All() {
		fn(ctx, tx)
	}
	return tx, nil
}

func (txl *TransactionLayer) clnTxOpts(opts *ClientTransactionOptions) *ClientTransactionOptions {
	if opts == nil {
		opts = &ClientTransactionOptions{}
	}
	if opts.Timings.IsZero() {
		opts.Timings = txl.timings
	}
	if opts.Log == nil {
		opts.Log = txl.log
	}
	return opts
}

func (txl *TransactionLayer) clnTxStateHdlr(tx ClientTransaction) TransactionStateHandler {
	// staleTmr is confined to the callback, state transitions of one
	// transaction are serialized by its state machine
	var staleTmr *time.Timer
	return func(ctx context.Context, _, to TransactionState) {
		if tx.Type() == TransactionTypeClientInvite && txl.staleTxTimeout > 0 {
			if to == TransactionStateProceeding {
				staleTmr = time.AfterFunc(txl.staleTxTimeout, func() {
					tx.Terminate(ctx) //nolint:errcheck
				})
			} else if staleTmr != nil {
				staleTmr.Stop()
			}
		}

		if to == TransactionStateTerminated {
			if err := txl.clnTxsStore.Delete(ctx, tx); err != nil && !errors.Is(err, ErrTransactionNotFound) {
				txl.log.LogAttrs(ctx, slog.LevelError,
					"failed to delete client transaction from store",
					slog.Any("transaction", tx),
					slog.Any("error", err),
				)
			}
		}
	}
}

// LoadClientTransaction returns the client transaction stored under the key.
func (txl *TransactionLayer) LoadClientTransaction(
	ctx context.Context,
	key ClientTransactionKey,
) (ClientTransaction, error) {
	return errtrace.Wrap2(txl.clnTxsStore.Load(ctx, key))
}

// NewServerTransaction creates a server transaction for the request and
// registers it in the layer's store.
func (txl *TransactionLayer) NewServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if txl.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}

	opts = txl.srvTxOpts(opts)
	tx, err := txl.srvTxFactory.NewServerTransaction(ctx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err = txl.srvTxsStore.Store(ctx, tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	tx.OnStateChanged(txl.srvTxStateHdlr(tx))
	for fn := range txl.onNewSrvTx.All() {
		fn(ctx, tx)
	}
	return tx, nil
}

func (txl *TransactionLayer) srvTxOpts(opts *ServerTransactionOptions) *ServerTransactionOptions {
	if opts == nil {
		opts = &ServerTransactionOptions{}
	}
	if opts.Timings.IsZero() {
		opts.Timings = txl.timings
	}
	if opts.Log == nil {
		opts.Log = txl.log
	}
	return opts
}

func (txl *TransactionLayer) srvTxStateHdlr(tx ServerTransaction) TransactionStateHandler {
	var staleTmr *time.Timer
	return func(ctx context.Context, _, to TransactionState) {
		if (to == TransactionStateTrying || to == TransactionStateProceeding) && txl.staleTxTimeout > 0 {
			staleTmr = time.AfterFunc(txl.staleTxTimeout, func() {
				tx.Terminate(ctx) //nolint:errcheck
			})
		} else if staleTmr != nil {
			staleTmr.Stop()
		}

		if to == TransactionStateTerminated {
			if err := txl.srvTxsStore.Delete(ctx, tx); err != nil && !errors.Is(err, ErrTransactionNotFound) {
				txl.log.LogAttrs(ctx, slog.LevelError,
					"failed to delete server transaction from store",
					slog.Any("transaction", tx),
					slog.Any("error", err),
				)
			}
		}
	}
}

// LoadServerTransaction returns the server transaction stored under the key.
func (txl *TransactionLayer) LoadServerTransaction(
	ctx context.Context,
	key ServerTransactionKey,
) (ServerTransaction, error) {
	return errtrace.Wrap2(txl.srvTxsStore.Load(ctx, key))
}

// RecvRequest is called on each inbound request received by a server transport.
// The request is matched to an existing server transaction or handled as a
// new one.
func (txl *TransactionLayer) RecvRequest(ctx context.Context, tp ServerTransport, req *InboundRequest) error {
	ctx = log.NewContext(ctx, txl.log)

	tx, err := txl.srvTxsStore.LookupMatched(ctx, req)
	switch {
	case err == nil:
		if err := tx.RecvRequest(ctx, req); err == nil || !errors.Is(err, ErrMessageNotMatched) {
			return errtrace.Wrap(err)
		}
		// RFC 2543 key collision, fall through to the unmatched flow
	case errors.Is(err, ErrInvalidArgument):
		txl.log.LogAttrs(ctx, slog.LevelDebug, "reject malformed inbound request",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		respondStateless(ctx, tp, req, ResponseStatusBadRequest)
		return errtrace.Wrap(err)
	case !errors.Is(err, ErrTransactionNotFound):
		respondStateless(ctx, tp, req, ResponseStatusServerInternalError)
		return errtrace.Wrap(err)
	}

	if txl.closing.Load() {
		respondStateless(ctx, tp, req, ResponseStatusServiceUnavailable)
		return errtrace.Wrap(ErrTransactionLayerClosed)
	}

	switch {
	case req.Method().Equal(RequestMethodAck):
		return errtrace.Wrap(txl.recvOrphanAck(ctx, req))
	case req.Method().Equal(RequestMethodCancel):
		return errtrace.Wrap(txl.recvCancel(ctx, tp, req))
	default:
		return errtrace.Wrap(txl.recvNewRequest(ctx, tp, req))
	}
}

// recvOrphanAck passes an ACK outside of any transaction, i.e. the ACK on
// a 2xx, to the subscribers.
func (txl *TransactionLayer) recvOrphanAck(ctx context.Context, req *InboundRequest) error {
	if txl.onAck.Len() == 0 {
		txl.log.LogAttrs(ctx, slog.LevelDebug, "silently discard unmatched ACK request", slog.Any("request", req))
		return nil
	}

	for fn := range txl.onAck.All() {
		fn(ctx, req)
	}
	return nil
}

// recvCancel matches a CANCEL to the INVITE server transaction it cancels,
// RFC 3261 Section 9.2. The CANCEL gets its own server transaction which is
// answered with 200, the canceled transaction is passed to the subscribers.
func (txl *TransactionLayer) recvCancel(ctx context.Context, tp ServerTransport, req *InboundRequest) error {
	var key ServerTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		respondStateless(ctx, tp, req, ResponseStatusBadRequest)
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	key.Method = string(RequestMethodInvite)

	invTx, err := txl.srvTxsStore.Load(ctx, key)
	if err != nil {
		txl.log.LogAttrs(ctx, slog.LevelDebug, "no transaction to cancel",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		respondStateless(ctx, tp, req, ResponseStatusCallTransactionDoesNotExist)
		return errtrace.Wrap(err)
	}

	cnlTx, err := txl.NewServerTransaction(ctx, req, tp, nil)
	if err != nil {
		respondStateless(ctx, tp, req, ResponseStatusServerInternalError)
		return errtrace.Wrap(err)
	}
	if err := cnlTx.Respond(ctx, ResponseStatusOK, nil); err != nil {
		return errtrace.Wrap(err)
	}

	for fn := range txl.onCancel.All() {
		fn(ctx, invTx, cnlTx)
	}
	return nil
}

func (txl *TransactionLayer) recvNewRequest(ctx context.Context, tp ServerTransport, req *InboundRequest) error {
	if txl.onRequest.Len() == 0 {
		respondStateless(ctx, tp, req, ResponseStatusServiceUnavailable)
		return nil
	}

	tx, err := txl.NewServerTransaction(ctx, req, tp, nil)
	if err != nil {
		if errors.Is(err, ErrInvalidArgument) {
			respondStateless(ctx, tp, req, ResponseStatusBadRequest)
		} else {
			respondStateless(ctx, tp, req, ResponseStatusServerInternalError)
		}
		return errtrace.Wrap(err)
	}

	for fn := range txl.onRequest.All() {
		fn(ctx, tx)
	}
	return nil
}

// RecvResponse is called on each inbound response received by a client transport.
// The response is matched to an existing client transaction or passed to the
// orphan response subscribers.
func (txl *TransactionLayer) RecvResponse(ctx context.Context, res *InboundResponse) error {
	ctx = log.NewContext(ctx, txl.log)

	tx, err := txl.clnTxsStore.LookupMatched(ctx, res)
	switch {
	case err == nil:
		return errtrace.Wrap(tx.RecvResponse(ctx, res))
	case errors.Is(err, ErrInvalidArgument):
		txl.log.LogAttrs(ctx, slog.LevelDebug, "silently discard malformed inbound response",
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	case !errors.Is(err, ErrTransactionNotFound):
		return errtrace.Wrap(err)
	}

	if txl.onOrphRes.Len() == 0 {
		txl.log.LogAttrs(ctx, slog.LevelDebug, "silently discard unmatched inbound response", slog.Any("response", res))
		return nil
	}

	for fn := range txl.onOrphRes.All() {
		fn(ctx, res)
	}
	return nil
}

// OnRequest binds a callback to be called with the server transaction of each
// inbound request that matched no existing transaction.
// The callback can be unbound by calling the returned unbind function.
func (txl *TransactionLayer) OnRequest(fn ServerTransactionHandler) (unbind func()) {
	return txl.onRequest.Add(fn)
}

// OnCancel binds a callback to be called when a CANCEL matches an INVITE
// server transaction.
// The callback can be unbound by calling the returned unbind function.
func (txl *TransactionLayer) OnCancel(fn CancelHandler) (unbind func()) {
	return txl.onCancel.Add(fn)
}

// OnAck binds a callback to be called on each ACK outside of any transaction,
// i.e. the ACK on a 2xx.
// The callback can be unbound by calling the returned unbind function.
func (txl *TransactionLayer) OnAck(fn RequestHandler) (unbind func()) {
	return txl.onAck.Add(fn)
}

// OnOrphanResponse binds a callback to be called on each inbound response
// that matched no client transaction.
// The callback can be unbound by calling the returned unbind function.
func (txl *TransactionLayer) OnOrphanResponse(fn ResponseHandler) (unbind func()) {
	return txl.onOrphRes.Add(fn)
}

// OnNewClientTransaction binds a callback to be called when a client transaction is created.
// The callback can be unbound by calling the returned unbind function.
func (txl *TransactionLayer) OnNewClientTransaction(fn ClientTransactionHandler) (unbind func()) {
	return txl.onNewClnTx.Add(fn)
}

// OnNewServerTransaction binds a callback to be called when a server transaction is created.
// The callback can be unbound by calling the returned unbind function.
func (txl *TransactionLayer) OnNewServerTransaction(fn ServerTransactionHandler) (unbind func()) {
	return txl.onNewSrvTx.Add(fn)
}

// Close terminates all active transactions and rejects further traffic.
func (txl *TransactionLayer) Close(ctx context.Context) error {
	txl.closeOnce.Do(func() {
		txl.closing.Store(true)
		txl.closeErr = txl.close(ctx)
	})
	return errtrace.Wrap(txl.closeErr)
}

func (txl *TransactionLayer) close(ctx context.Context) error {
	var errs []error
	if txs, err := txl.clnTxsStore.All(ctx); err == nil {
		for tx := range txs {
			if err := tx.Terminate(ctx); err != nil {
				errs = append(errs, fmt.Errorf("terminate client transaction %q: %w", tx.Key(), err))
			}
		}
	} else {
		errs = append(errs, fmt.Errorf("load client transactions: %w", err))
	}

	if txs, err := txl.srvTxsStore.All(ctx); err == nil {
		for tx := range txs {
			if err := tx.Terminate(ctx); err != nil {
				errs = append(errs, fmt.Errorf("terminate server transaction %q: %w", tx.Key(), err))
			}
		}
	} else {
		errs = append(errs, fmt.Errorf("load server transactions: %w", err))
	}

	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transaction layer:", errs...))
}
