package sip

import (
	"context"
	"sync/atomic"
	"time"
)

// StatsReport is a point-in-time snapshot of the signaling core counters.
type StatsReport struct {
	Time         time.Time        `json:"time"`
	Messages     MessageStats     `json:"messages"`
	Transactions TransactionStats `json:"transactions"`
	Dialogs      DialogStats      `json:"dialogs"`
}

// MessageStats counts messages crossing the transport boundary.
type MessageStats struct {
	// RequestsReceived is a number of received requests.
	RequestsReceived uint64 `json:"requests_received"`
	// RequestsSent is a number of sent requests.
	RequestsSent uint64 `json:"requests_sent"`
	// ResponsesReceived is a number of received responses.
	ResponsesReceived uint64 `json:"responses_received"`
	// ResponsesSent is a number of sent responses.
	ResponsesSent uint64 `json:"responses_sent"`
}

// TransactionStats counts transactions by kind.
type TransactionStats struct {
	// InviteClientTransactions is a number of active invite client transactions.
	InviteClientTransactions uint64 `json:"invite_client_transactions"`
	// NonInviteClientTransactions is a number of active non-invite client transactions.
	NonInviteClientTransactions uint64 `json:"non_invite_client_transactions"`
	// InviteServerTransactions is a number of active invite server transactions.
	InviteServerTransactions uint64 `json:"invite_server_transactions"`
	// NonInviteServerTransactions is a number of active non-invite server transactions.
	NonInviteServerTransactions uint64 `json:"non_invite_server_transactions"`
	// InviteClientTransactionsTotal is a total number of created invite client transactions.
	InviteClientTransactionsTotal uint64 `json:"invite_client_transactions_total"`
	// NonInviteClientTransactionsTotal is a total number of created non-invite client transactions.
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	// InviteServerTransactionsTotal is a total number of created invite server transactions.
	InviteServerTransactionsTotal uint64 `json:"invite_server_transactions_total"`
	// NonInviteServerTransactionsTotal is a total number of created non-invite server transactions.
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
}

// DialogStats counts dialogs by state.
type DialogStats struct {
	// Early is a number of dialogs in the early state.
	Early uint64 `json:"early"`
	// WaitAck is a number of answered dialogs awaiting the ACK.
	WaitAck uint64 `json:"wait_ack"`
	// Confirmed is a number of confirmed dialogs.
	Confirmed uint64 `json:"confirmed"`
	// Total is a total number of dialogs that entered the table.
	Total uint64 `json:"total"`
}

// StatsRecorder records signaling core statistics.
// It is bound to the transaction and dialog layers via [BindStatsRecorder]
// and to the transport boundary via the Record* methods.
type StatsRecorder struct {
	msgStats
	transactStats
	dialogStats
}

type msgStats struct {
	inReqs,
	outReqs,
	inRess,
	outRess atomic.Uint64
}

type transactStats struct {
	invClnTxs,
	invSrvTxs,
	ninvClnTxs,
	ninvSrvTxs atomic.Int64

	invClnTxsTotal,
	invSrvTxsTotal,
	ninvClnTxsTotal,
	ninvSrvTxsTotal atomic.Uint64
}

type dialogStats struct {
	earlyDlgs,
	waitAckDlgs,
	confirmedDlgs atomic.Int64

	dlgsTotal atomic.Uint64
}

// Report returns a statistics snapshot.
// Call this function periodically to get updated values.
func (rcdr *StatsRecorder) Report() StatsReport {
	return StatsReport{
		Time: time.Now(),
		Messages: MessageStats{
			RequestsReceived:  rcdr.inReqs.Load(),
			RequestsSent:      rcdr.outReqs.Load(),
			ResponsesReceived: rcdr.inRess.Load(),
			ResponsesSent:     rcdr.outRess.Load(),
		},
		Transactions: TransactionStats{
			InviteClientTransactions:         clampToUint64(rcdr.invClnTxs.Load()),
			NonInviteClientTransactions:      clampToUint64(rcdr.ninvClnTxs.Load()),
			InviteServerTransactions:         clampToUint64(rcdr.invSrvTxs.Load()),
			NonInviteServerTransactions:      clampToUint64(rcdr.ninvSrvTxs.Load()),
			InviteClientTransactionsTotal:    rcdr.invClnTxsTotal.Load(),
			NonInviteClientTransactionsTotal: rcdr.ninvClnTxsTotal.Load(),
			InviteServerTransactionsTotal:    rcdr.invSrvTxsTotal.Load(),
			NonInviteServerTransactionsTotal: rcdr.ninvSrvTxsTotal.Load(),
		},
		Dialogs: DialogStats{
			Early:     clampToUint64(rcdr.earlyDlgs.Load()),
			WaitAck:   clampToUint64(rcdr.waitAckDlgs.Load()),
			Confirmed: clampToUint64(rcdr.confirmedDlgs.Load()),
			Total:     rcdr.dlgsTotal.Load(),
		},
	}
}

func clampToUint64(value int64) uint64 {
	if value <= 0 {
		return 0
	}
	return uint64(value)
}

// RecordRequestReceived counts an inbound request.
func (rcdr *StatsRecorder) RecordRequestReceived() { rcdr.inReqs.Add(1) }

// RecordRequestSent counts an outbound request.
func (rcdr *StatsRecorder) RecordRequestSent() { rcdr.outReqs.Add(1) }

// RecordResponseReceived counts an inbound response.
func (rcdr *StatsRecorder) RecordResponseReceived() { rcdr.inRess.Add(1) }

// RecordResponseSent counts an outbound response.
func (rcdr *StatsRecorder) RecordResponseSent() { rcdr.outRess.Add(1) }

// TransactionInitHandlerRegistry announces created transactions.
// [TransactionLayer] satisfies this interface.
type TransactionInitHandlerRegistry interface {
	OnNewClientTransaction(fn ClientTransactionHandler) (unbind func())
	OnNewServerTransaction(fn ServerTransactionHandler) (unbind func())
}

// DialogInitHandlerRegistry announces registered dialogs.
// [DialogLayer] satisfies this interface.
type DialogInitHandlerRegistry interface {
	OnNewDialog(fn DialogHandler) (unbind func())
}

// BindTransactionInitHandlers subscribes the recorder to transaction creation.
func (rcdr *StatsRecorder) BindTransactionInitHandlers(hdlrs TransactionInitHandlerRegistry) (unbind func()) {
	unbind1 := hdlrs.OnNewClientTransaction(rcdr.handleNewClnTx)
	unbind2 := hdlrs.OnNewServerTransaction(rcdr.handleNewSrvTx)
	return func() {
		unbind1()
		unbind2()
	}
}

func (rcdr *StatsRecorder) handleNewClnTx(ctx context.Context, tx ClientTransaction) {
	//nolint:exhaustive
	switch tx.Type() {
	case TransactionTypeClientInvite:
		rcdr.invClnTxs.Add(1)
		rcdr.invClnTxsTotal.Add(1)
	case TransactionTypeClientNonInvite:
		rcdr.ninvClnTxs.Add(1)
		rcdr.ninvClnTxsTotal.Add(1)
	}

	tx.OnStateChanged(func(ctx context.Context, from, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}

		//nolint:exhaustive
		switch tx.Type() {
		case TransactionTypeClientInvite:
			rcdr.invClnTxs.Add(-1)
		case TransactionTypeClientNonInvite:
			rcdr.ninvClnTxs.Add(-1)
		}
	})
}

func (rcdr *StatsRecorder) handleNewSrvTx(ctx context.Context, tx ServerTransaction) {
	//nolint:exhaustive
	switch tx.Type() {
	case TransactionTypeServerInvite:
		rcdr.invSrvTxs.Add(1)
		rcdr.invSrvTxsTotal.Add(1)
	case TransactionTypeServerNonInvite:
		rcdr.ninvSrvTxs.Add(1)
		rcdr.ninvSrvTxsTotal.Add(1)
	}

	tx.OnStateChanged(func(ctx context.Context, from, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}

		//nolint:exhaustive
		switch tx.Type() {
		case TransactionTypeServerInvite:
			rcdr.invSrvTxs.Add(-1)
		case TransactionTypeServerNonInvite:
			rcdr.ninvSrvTxs.Add(-1)
		}
	})
}

// BindDialogInitHandlers subscribes the recorder to dialog registration.
func (rcdr *StatsRecorder) BindDialogInitHandlers(hdlrs DialogInitHandlerRegistry) (unbind func()) {
	return hdlrs.OnNewDialog(rcdr.handleNewDialog)
}

func (rcdr *StatsRecorder) handleNewDialog(ctx context.Context, dlg *Dialog) {
	rcdr.dlgsTotal.Add(1)
	rcdr.addDialogState(dlg.State(), 1)

	dlg.OnStateChanged(func(ctx context.Context, from, to DialogState) {
		rcdr.addDialogState(from, -1)
		rcdr.addDialogState(to, 1)
	})
}

func (rcdr *StatsRecorder) addDialogState(state DialogState, delta int64) {
	//nolint:exhaustive
	switch state {
	case DialogStateEarly:
		rcdr.earlyDlgs.Add(delta)
	case DialogStateWaitAck:
		rcdr.waitAckDlgs.Add(delta)
	case DialogStateConfirmed:
		rcdr.confirmedDlgs.Add(delta)
	}
}

// BindStatsRecorder binds the recorder to the layers it observes.
func BindStatsRecorder(
	rcdr *StatsRecorder,
	txHdlrs TransactionInitHandlerRegistry,
	dlgHdlrs DialogInitHandlerRegistry,
) (unbind func()) {
	unbinds := make([]func(), 0, 2)
	if txHdlrs != nil {
		unbinds = append(unbinds, rcdr.BindTransactionInitHandlers(txHdlrs))
	}
	if dlgHdlrs != nil {
		unbinds = append(unbinds, rcdr.BindDialogInitHandlers(dlgHdlrs))
	}
	return func() {
		for _, fn := range unbinds {
			fn()
		}
	}
}
