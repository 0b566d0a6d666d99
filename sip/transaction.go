package sip

import (
	"context"
	"iter"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/voicegrid/sipcore/internal/errorutil"
	"github.com/voicegrid/sipcore/internal/types"
)

// TransactionState represents a state of the transaction FSM.
type TransactionState string

// Transaction states.
const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionType represents a type of the transaction.
type TransactionType string

// Transaction types.
const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// Transaction represents a SIP transaction.
type Transaction interface {
	// Context returns the transaction context.
	// The context is canceled when the transaction terminates.
	Context() context.Context
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Err returns the first fatal error observed by the transaction,
	// [ErrTransactionTimedOut] or a transport error, or nil.
	Err() error
	// Done returns a channel that is closed when the transaction terminates.
	Done() <-chan struct{}
	// Terminate forces the transaction into the terminated state.
	Terminate(ctx context.Context) error
	// OnStateChanged registers a callback to be called on each state transition.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
}

// TransactionStateHandler handles transaction state transitions.
type TransactionStateHandler = func(ctx context.Context, from, to TransactionState)

// RequestHandler handles an inbound request.
type RequestHandler = func(ctx context.Context, req *InboundRequest)

const (
	txEvtTranspErr = "transport_err"
	txEvtTerminate = "terminate"
)

// transactImpl is the part of a concrete transaction the shared bases
// delegate back to.
type transactImpl interface {
	Transaction
	initFSM(start TransactionState) error
}

// baseTransact carries the FSM plumbing shared by all transaction kinds.
type baseTransact struct {
	fsm  *stateless.StateMachine
	ctx  context.Context
	typ  TransactionType
	impl transactImpl
	log  *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	err      atomic.Pointer[error]

	onState types.CallbackManager[TransactionStateHandler]
}

func newBaseTransact(ctx context.Context, typ TransactionType, impl transactImpl, logger *slog.Logger) *baseTransact {
	ctx, cancel := context.WithCancel(ctx)
	return &baseTransact{
		ctx:    ctx,
		typ:    typ,
		impl:   impl,
		log:    logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Context returns the transaction context.
func (tx *baseTransact) Context() context.Context { return tx.ctx }

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	st, _ := tx.fsm.MustState().(TransactionState)
	return st
}

// Err returns the first fatal error observed by the transaction.
func (tx *baseTransact) Err() error {
	if err := tx.err.Load(); err != nil {
		return *err
	}
	return nil
}

func (tx *baseTransact) setErr(err error) {
	tx.err.CompareAndSwap(nil, &err)
}

// Done returns a channel that is closed when the transaction terminates.
func (tx *baseTransact) Done() <-chan struct{} { return tx.done }

// Terminate forces the transaction into the terminated state.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
}

// OnStateChanged registers a callback to be called on each state transition.
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

func (tx *baseTransact) initFSM(start TransactionState) error {
	switch start {
	case TransactionStateCalling, TransactionStateTrying, TransactionStateProceeding,
		TransactionStateCompleted, TransactionStateAccepted, TransactionStateConfirmed,
		TransactionStateTerminated:
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unknown transaction state %q", start))
	}

	tx.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
	tx.fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeOf((*error)(nil)).Elem())
	tx.fsm.OnTransitioned(tx.handleTransition)
	return nil
}

func (tx *baseTransact) handleTransition(ctx context.Context, tr stateless.Transition) {
	from, _ := tr.Source.(TransactionState)
	to, _ := tr.Destination.(TransactionState)
	if from == to {
		return
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx.impl),
		slog.Any("from", from),
		slog.Any("to", to),
	)

	for fn := range tx.onState.All() {
		fn(ctx, from, to)
	}

	if to == TransactionStateTerminated {
		tx.doneOnce.Do(func() {
			close(tx.done)
			tx.cancel()
		})
	}
}

func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }

//nolint:unparam
func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	return nil
}

//nolint:unparam
func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err := args[0].(error) //nolint:forcetypeassert
	tx.setErr(errorutil.NewWrapperError(ErrTransportFailure, err))

	tx.log.LogAttrs(ctx, slog.LevelError, "transaction transport error",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)
	return nil
}

// TransactionStore is a store of active transactions.
// K is the transaction key type, T is the transaction type.
type TransactionStore[K comparable, T any] interface {
	// Load returns the transaction stored under the key,
	// or [ErrTransactionNotFound].
	Load(ctx context.Context, key K) (T, error)
	// LookupMatched returns the transaction matching the message,
	// or [ErrTransactionNotFound].
	LookupMatched(ctx context.Context, msg Message) (T, error)
	// Store adds the transaction, failing with [ErrTransactionExists]
	// when its key is already taken.
	Store(ctx context.Context, tx T) error
	// Delete removes the transaction from the store.
	Delete(ctx context.Context, tx T) error
	// All returns an iterator over all stored transactions.
	All(ctx context.Context) (iter.Seq[T], error)
}

type memoryTransactionStore[K comparable, T any] struct {
	mu         sync.RWMutex
	txs        map[K]T
	keyOf      func(T) (K, bool)
	keyFromMsg func(Message) (K, error)
}

// NewMemoryTransactionStore creates an in-memory [TransactionStore].
// keyOf extracts the key from a transaction, keyFromMsg derives the
// matching key from a message.
func NewMemoryTransactionStore[K comparable, T any](
	keyOf func(T) (K, bool),
	keyFromMsg func(Message) (K, error),
) TransactionStore[K, T] {
	return &memoryTransactionStore[K, T]{
		txs:        make(map[K]T),
		keyOf:      keyOf,
		keyFromMsg: keyFromMsg,
	}
}

func (s *memoryTransactionStore[K, T]) Load(_ context.Context, key K) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[key]
	if !ok {
		var zero T
		return zero, errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx, nil
}

func (s *memoryTransactionStore[K, T]) LookupMatched(ctx context.Context, msg Message) (T, error) {
	key, err := s.keyFromMsg(msg)
	if err != nil {
		var zero T
		return zero, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(s.Load(ctx, key))
}

func (s *memoryTransactionStore[K, T]) Store(_ context.Context, tx T) error {
	key, ok := s.keyOf(tx)
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("transaction without key"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[key]; ok {
		return errtrace.Wrap(ErrTransactionExists)
	}
	s.txs[key] = tx
	return nil
}

func (s *memoryTransactionStore[K, T]) Delete(_ context.Context, tx T) error {
	key, ok := s.keyOf(tx)
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("transaction without key"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[key]; !ok {
		return errtrace.Wrap(ErrTransactionNotFound)
	}
	delete(s.txs, key)
	return nil
}

func (s *memoryTransactionStore[K, T]) All(_ context.Context) (iter.Seq[T], error) {
	s.mu.RLock()
	txs := make([]T, 0, len(s.txs))
	for _, tx := range s.txs {
		txs = append(txs, tx)
	}
	s.mu.RUnlock()

	return func(yield func(T) bool) {
		for _, tx := range txs {
			if !yield(tx) {
				return
			}
		}
	}, nil
}
