package sip

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/internal/log"
	"github.com/voicegrid/sipcore/internal/types"
	"github.com/voicegrid/sipcore/uri"
)

// RequestSender sends a request in a new client transaction.
// [Endpoint] satisfies this interface.
type RequestSender interface {
	SendRequest(ctx context.Context, req *OutboundRequest) (ClientTransaction, error)
}

// DefaultRegisterExpires is the registration lifetime requested when the
// options carry none.
const DefaultRegisterExpires = 50 * time.Second

// RegistrationOptions are the options for a [Registration].
type RegistrationOptions struct {
	// Expires is the requested registration lifetime.
	// If zero, [DefaultRegisterExpires] is used.
	Expires time.Duration
	// Via overrides the topmost Via hop of outgoing REGISTER requests.
	// If nil, a hop is derived from the contact address.
	Via *header.ViaHop
	// Headers are extra headers appended to every REGISTER request.
	Headers Headers
	// Log is the logger.
	// If nil, the [log.Noop] is used.
	Log *slog.Logger
}

func (o *RegistrationOptions) expires() time.Duration {
	if o == nil || o.Expires <= 0 {
		return DefaultRegisterExpires
	}
	return o.Expires
}

func (o *RegistrationOptions) via() *header.ViaHop {
	if o == nil {
		return nil
	}
	return o.Via
}

func (o *RegistrationOptions) headers() Headers {
	if o == nil {
		return nil
	}
	return o.Headers
}

func (o *RegistrationOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Noop
	}
	return o.Log
}

// Registration maintains a binding of the address of record with a registrar,
// RFC 3261 Section 10.2.
//
// All REGISTER requests of one registration share the Call-ID and advance a
// single CSeq counter. An authentication challenge is answered exactly once
// per attempt: a second 401/407 for the same attempt surfaces the response
// together with [ErrAuthExhausted].
type Registration struct {
	snd  RequestSender
	auth *Authenticator
	log  *slog.Logger

	account uri.URI
	target  uri.URI
	contact *header.Contact
	viaHop  *header.ViaHop
	extra   Headers

	mu         sync.Mutex
	callID     header.CallID
	seq        uint
	reqExpires time.Duration
	srvExpires time.Duration
}

// NewRegistration creates a [Registration] of the account's address of record
// at the contact address. The request URI is derived from the account by
// stripping the user part. The authenticator is optional, without one a
// challenge is surfaced to the caller as the final response.
func NewRegistration(
	snd RequestSender,
	account uri.URI,
	contact *header.Contact,
	auth *Authenticator,
	opts *RegistrationOptions,
) (*Registration, error) {
	if snd == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request sender"))
	}
	if account == nil || !account.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid account URI"))
	}
	if contact == nil || !contact.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid contact"))
	}

	target := types.Clone[uri.URI](account)
	if su, ok := target.(*uri.SIP); ok {
		su.User = uri.UserInfo{}
	}

	cnt, _ := contact.Clone().(*header.Contact)
	rg := &Registration{
		snd:        snd,
		auth:       auth,
		log:        opts.log(),
		account:    types.Clone[uri.URI](account),
		target:     target,
		contact:    cnt,
		extra:      opts.headers().Clone(),
		callID:     NewCallID(),
		reqExpires: opts.expires(),
	}

	switch via := opts.via(); {
	case via != nil:
		hop := via.Clone()
		rg.viaHop = &hop
	default:
		su, ok := contact.URI.(*uri.SIP)
		if !ok {
			return nil, errtrace.Wrap(NewInvalidArgumentError("no Via hop and no SIP contact URI to derive one"))
		}
		rg.viaHop = &header.ViaHop{
			Proto:     ProtoVer20,
			Transport: types.TransportProtoUDP,
			Addr:      su.Addr.Clone(),
		}
	}
	return rg, nil
}

// Expires returns the registration lifetime granted by the registrar in the
// last successful REGISTER, or the requested lifetime before the first one.
func (rg *Registration) Expires() time.Duration {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if rg.srvExpires > 0 {
		return rg.srvExpires
	}
	return rg.reqExpires
}

// Register sends a REGISTER refreshing the binding and returns the final
// response. A 401/407 is answered once through the authenticator, the retry
// goes out as a new transaction with an advanced CSeq under the same Call-ID.
func (rg *Registration) Register(ctx context.Context) (*InboundResponse, error) {
	return errtrace.Wrap2(rg.do(ctx, rg.reqExpires))
}

// Deregister removes the binding by registering it with a zero lifetime.
func (rg *Registration) Deregister(ctx context.Context) (*InboundResponse, error) {
	return errtrace.Wrap2(rg.do(ctx, 0))
}

func (rg *Registration) do(ctx context.Context, expires time.Duration) (*InboundResponse, error) {
	req, err := rg.newRequest(expires)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	authorized := false
	for {
		tx, err := rg.snd.SendRequest(ctx, req)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		res, err := awaitFinalResponse(ctx, tx)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}

		switch res.Status() {
		case ResponseStatusUnauthorized, ResponseStatusProxyAuthenticationRequired:
			if rg.auth == nil {
				return res, nil
			}
			// one auth round per attempt, a registrar cycling fresh
			// nonces must not keep the loop alive
			if authorized {
				return res, errtrace.Wrap(ErrAuthExhausted)
			}
			if err := rg.auth.AuthorizeRequest(req, res); err != nil {
				return res, errtrace.Wrap(err)
			}
			authorized = true
			rg.syncSeq(req)
			rg.log.LogAttrs(ctx, slog.LevelDebug, "registration challenged, retrying",
				slog.Any("response", res),
			)
		default:
			if res.Status().IsSuccessful() {
				rg.recordExpires(res, expires)
			}
			return res, nil
		}
	}
}

func (rg *Registration) newRequest(expires time.Duration) (*OutboundRequest, error) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	rg.seq++

	hop := rg.viaHop.Clone()
	if hop.Params == nil {
		hop.Params = make(header.Values)
	}
	hop.Params.Set("branch", GenerateBranch())

	hdrs := make(Headers, 8).
		Set(header.Via{hop}).
		Set(header.MaxForwards(70)).
		Set(&header.From{
			URI:    types.Clone[uri.URI](rg.account),
			Params: make(header.Values).Set("tag", GenerateTag(0)),
		}).
		Set(&header.To{URI: types.Clone[uri.URI](rg.account)}).
		Set(rg.callID).
		Set(&header.CSeq{SeqNum: rg.seq, Method: RequestMethodRegister}).
		Set(rg.contact.Clone()).
		Set(&header.Expires{Duration: expires}).
		Set(header.ContentLength(0))
	for _, hs := range rg.extra {
		for _, h := range hs {
			hdrs.Append(h.Clone())
		}
	}

	msg := &Request{
		Method:  RequestMethodRegister,
		URI:     types.Clone[uri.URI](rg.target),
		Proto:   ProtoVer20,
		Headers: hdrs,
	}
	if err := msg.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidMessageError(err))
	}
	return NewOutboundRequest(msg), nil
}

// syncSeq pulls the CSeq advanced by the authenticator back into the counter.
func (rg *Registration) syncSeq(req *OutboundRequest) {
	if cseq, ok := req.Headers().CSeq(); ok {
		rg.mu.Lock()
		if cseq.SeqNum > rg.seq {
			rg.seq = cseq.SeqNum
		}
		rg.mu.Unlock()
	}
}

// recordExpires captures the lifetime granted by the registrar, preferring
// the expires parameter of the matching Contact over the Expires header.
func (rg *Registration) recordExpires(res *InboundResponse, requested time.Duration) {
	granted := requested

	if exp, ok := res.Headers().Expires(); ok {
		granted = exp.Duration
	}
	if cnt, ok := res.Headers().Contact(); ok {
		if v, ok := cnt.Expires(); ok {
			if secs, err := strconv.ParseUint(v, 10, 32); err == nil {
				granted = time.Duration(secs) * time.Second
			}
		}
	}

	rg.mu.Lock()
	rg.srvExpires = granted
	rg.mu.Unlock()
}

// awaitFinalResponse blocks until the transaction yields a final response,
// terminates or the context is done.
func awaitFinalResponse(ctx context.Context, tx ClientTransaction) (*InboundResponse, error) {
	resCh := make(chan *InboundResponse, 1)
	unbind := tx.OnResponse(func(_ context.Context, _ ClientTransaction, res *InboundResponse) {
		if res.Status().IsProvisional() {
			return
		}
		select {
		case resCh <- res:
		default:
		}
	})
	defer unbind()

	// the final response may have arrived before the callback was bound
	if res := tx.LastResponse(); res != nil && !res.Status().IsProvisional() {
		return res, nil
	}

	select {
	case res := <-resCh:
		return res, nil
	case <-tx.Done():
		if res := tx.LastResponse(); res != nil && !res.Status().IsProvisional() {
			return res, nil
		}
		if err := tx.Err(); err != nil {
			return nil, errtrace.Wrap(err)
		}
		return nil, errtrace.Wrap(ErrTransactionTerminated)
	case <-ctx.Done():
		return nil, errtrace.Wrap(ctx.Err())
	}
}
