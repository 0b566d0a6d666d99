package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/sip"
	"github.com/voicegrid/sipcore/uri"
)

// scriptedSender runs each sent REGISTER through the next scripted answer,
// imitating the registrar side of the exchange.
type scriptedSender struct {
	tb      testing.TB
	tp      *stubTransport
	timings sip.TimingConfig

	mu     sync.Mutex
	reqs   []*sip.OutboundRequest
	script []func(ctx context.Context, req *sip.OutboundRequest, tx sip.ClientTransaction)
}

func newScriptedSender(tb testing.TB) *scriptedSender {
	tb.Helper()

	t1 := 20 * time.Millisecond
	return &scriptedSender{
		tb: tb,
		// Use a reliable transport to keep retransmit timers disabled in tests.
		tp:      newStubTransportExt("TCP", "tcp", netip.MustParseAddrPort("11.11.11.11:5070"), true),
		timings: sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute),
	}
}

func (s *scriptedSender) answer(fn func(ctx context.Context, req *sip.OutboundRequest, tx sip.ClientTransaction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, fn)
}

func (s *scriptedSender) answerStatus(sts sip.ResponseStatus) {
	s.answer(func(ctx context.Context, req *sip.OutboundRequest, tx sip.ClientTransaction) {
		if err := tx.RecvResponse(ctx, newInRes(s.tb, req, sts)); err != nil {
			s.tb.Errorf("tx.RecvResponse(%v) error = %v, want nil", sts, err)
		}
	})
}

func (s *scriptedSender) sentRequests() []*sip.OutboundRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sip.OutboundRequest(nil), s.reqs...)
}

func (s *scriptedSender) SendRequest(ctx context.Context, req *sip.OutboundRequest) (sip.ClientTransaction, error) {
	req.SetRemoteAddr(netip.MustParseAddrPort("55.55.55.55:5060"))

	tx, err := sip.NewNonInviteClientTransaction(req, s.tp, &sip.ClientTransactionOptions{Timings: s.timings})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	var fn func(context.Context, *sip.OutboundRequest, sip.ClientTransaction)
	if len(s.script) > 0 {
		fn = s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()

	if fn == nil {
		s.tb.Fatal("unscripted REGISTER request")
	}
	fn(ctx, req, tx)
	return tx, nil
}

func newTestRegistration(
	tb testing.TB,
	snd sip.RequestSender,
	auth *sip.Authenticator,
	opts *sip.RegistrationOptions,
) *sip.Registration {
	tb.Helper()

	account := &uri.SIP{User: uri.User("bob"), Addr: uri.Host("voip.com")}
	contact := &header.Contact{URI: &uri.SIP{User: uri.User("bob"), Addr: uri.HostPort("11.11.11.11", 5070)}}

	rg, err := sip.NewRegistration(snd, account, contact, auth, opts)
	if err != nil {
		tb.Fatalf("sip.NewRegistration() error = %v, want nil", err)
	}
	return rg
}

func TestRegistration_Register(t *testing.T) {
	t.Parallel()

	snd := newScriptedSender(t)
	rg := newTestRegistration(t, snd, nil, &sip.RegistrationOptions{Expires: 90 * time.Second})

	snd.answer(func(ctx context.Context, req *sip.OutboundRequest, tx sip.ClientTransaction) {
		res := newInRes(t, req, sip.ResponseStatusOK)
		res.Headers().Set(&header.Expires{Duration: 60 * time.Second})
		if err := tx.RecvResponse(ctx, res); err != nil {
			t.Errorf("tx.RecvResponse(200) error = %v, want nil", err)
		}
	})

	res, err := rg.Register(t.Context())
	if err != nil {
		t.Fatalf("rg.Register() error = %v, want nil", err)
	}
	if got, want := res.Status(), sip.ResponseStatusOK; got != want {
		t.Fatalf("res.Status() = %v, want %v", got, want)
	}

	reqs := snd.sentRequests()
	if len(reqs) != 1 {
		t.Fatalf("len(sent requests) = %d, want 1", len(reqs))
	}
	req := reqs[0]

	if got, want := req.Method(), sip.RequestMethodRegister; got != want {
		t.Fatalf("req.Method() = %q, want %q", got, want)
	}
	// the request URI is the address of record without the user part
	if got, want := uri.GetAddr(req.URI()), "voip.com"; got != want {
		t.Fatalf("req.URI() = %q, want %q", got, want)
	}
	if su, ok := req.URI().(*uri.SIP); !ok || su.User != (uri.UserInfo{}) {
		t.Fatalf("req.URI() = %v, want a SIP URI without user part", req.URI())
	}

	cseq, _ := req.Headers().CSeq()
	if cseq.SeqNum != 1 || !cseq.Method.Equal(sip.RequestMethodRegister) {
		t.Fatalf("CSeq = %d %q, want 1 %q", cseq.SeqNum, cseq.Method, sip.RequestMethodRegister)
	}
	if _, ok := req.Headers().Contact(); !ok {
		t.Fatal("request carries no Contact header")
	}
	exp, ok := req.Headers().Expires()
	if !ok || exp.Duration != 90*time.Second {
		t.Fatalf("Expires = %v, want 90s", exp)
	}

	// the registrar granted less than requested
	if got, want := rg.Expires(), 60*time.Second; got != want {
		t.Fatalf("rg.Expires() = %v, want %v", got, want)
	}

	// the refresh advances the CSeq under the same Call-ID
	snd.answerStatus(sip.ResponseStatusOK)
	if _, err := rg.Register(t.Context()); err != nil {
		t.Fatalf("rg.Register() refresh error = %v, want nil", err)
	}
	reqs = snd.sentRequests()
	if len(reqs) != 2 {
		t.Fatalf("len(sent requests) = %d, want 2", len(reqs))
	}
	cseq2, _ := reqs[1].Headers().CSeq()
	if cseq2.SeqNum != 2 {
		t.Fatalf("refresh CSeq = %d, want 2", cseq2.SeqNum)
	}
	callID1, _ := reqs[0].Headers().CallID()
	callID2, _ := reqs[1].Headers().CallID()
	if callID1 == "" || callID1 != callID2 {
		t.Fatalf("Call-IDs = %q, %q, want equal and non-empty", callID1, callID2)
	}
}

func TestRegistration_ContactExpiresPreferred(t *testing.T) {
	t.Parallel()

	snd := newScriptedSender(t)
	rg := newTestRegistration(t, snd, nil, nil)

	snd.answer(func(ctx context.Context, req *sip.OutboundRequest, tx sip.ClientTransaction) {
		res := newInRes(t, req, sip.ResponseStatusOK)
		res.Headers().
			Set(&header.Expires{Duration: 60 * time.Second}).
			Set(&header.Contact{
				URI:    &uri.SIP{User: uri.User("bob"), Addr: uri.HostPort("11.11.11.11", 5070)},
				Params: make(header.Values).Set("expires", "30"),
			})
		if err := tx.RecvResponse(ctx, res); err != nil {
			t.Errorf("tx.RecvResponse(200) error = %v, want nil", err)
		}
	})

	if _, err := rg.Register(t.Context()); err != nil {
		t.Fatalf("rg.Register() error = %v, want nil", err)
	}

	// the expires parameter of the Contact wins over the Expires header
	if got, want := rg.Expires(), 30*time.Second; got != want {
		t.Fatalf("rg.Expires() = %v, want %v", got, want)
	}
}

func TestRegistration_AuthRetry(t *testing.T) {
	t.Parallel()

	snd := newScriptedSender(t)
	auth := sip.NewAuthenticator(sip.Credential{Username: "bob", Password: "secret"})
	rg := newTestRegistration(t, snd, auth, nil)

	cln := &header.DigestChallenge{Realm: "voip.com", Nonce: "8f2e1acb99", QOP: []string{"auth"}}
	snd.answer(func(ctx context.Context, req *sip.OutboundRequest, tx sip.ClientTransaction) {
		if err := tx.RecvResponse(ctx, newChallengeRes(t, req, sip.ResponseStatusUnauthorized, cln)); err != nil {
			t.Errorf("tx.RecvResponse(401) error = %v, want nil", err)
		}
	})
	snd.answerStatus(sip.ResponseStatusOK)

	res, err := rg.Register(t.Context())
	if err != nil {
		t.Fatalf("rg.Register() error = %v, want nil", err)
	}
	if got, want := res.Status(), sip.ResponseStatusOK; got != want {
		t.Fatalf("res.Status() = %v, want %v", got, want)
	}

	reqs := snd.sentRequests()
	if len(reqs) != 2 {
		t.Fatalf("len(sent requests) = %d, want 2", len(reqs))
	}
	if _, ok := reqs[0].Headers().Authorization(); ok {
		t.Fatal("first attempt carries an Authorization header")
	}
	hdr, ok := reqs[1].Headers().Authorization()
	if !ok {
		t.Fatal("retry carries no Authorization header")
	}
	dig, _ := hdr.AuthCredentials.(*header.DigestCredentials)
	if dig == nil || dig.Nonce != cln.Nonce {
		t.Fatalf("retry nonce = %v, want %q", dig, cln.Nonce)
	}

	cseq, _ := reqs[1].Headers().CSeq()
	if cseq.SeqNum != 2 {
		t.Fatalf("retry CSeq = %d, want 2", cseq.SeqNum)
	}
}

func TestRegistration_AuthExhausted(t *testing.T) {
	t.Parallel()

	snd := newScriptedSender(t)
	auth := sip.NewAuthenticator(sip.Credential{Username: "bob", Password: "wrong"})
	rg := newTestRegistration(t, snd, auth, nil)

	cln := &header.DigestChallenge{Realm: "voip.com", Nonce: "57d1be0a22", QOP: []string{"auth"}}
	challenge := func(ctx context.Context, req *sip.OutboundRequest, tx sip.ClientTransaction) {
		if err := tx.RecvResponse(ctx, newChallengeRes(t, req, sip.ResponseStatusUnauthorized, cln)); err != nil {
			t.Errorf("tx.RecvResponse(401) error = %v, want nil", err)
		}
	}
	snd.answer(challenge)
	snd.answer(challenge)

	// the same nonce challenged twice means the credentials were refused
	res, err := rg.Register(t.Context())
	if !errors.Is(err, sip.ErrAuthExhausted) {
		t.Fatalf("rg.Register() error = %v, want %v", err, sip.ErrAuthExhausted)
	}
	if res == nil || res.Status() != sip.ResponseStatusUnauthorized {
		t.Fatalf("rg.Register() res = %v, want the surfaced 401", res)
	}
}

func TestRegistration_FreshNonceChallengeBounded(t *testing.T) {
	t.Parallel()

	snd := newScriptedSender(t)
	auth := sip.NewAuthenticator(sip.Credential{Username: "bob", Password: "secret"})
	rg := newTestRegistration(t, snd, auth, nil)

	challenge := func(nonce string) func(ctx context.Context, req *sip.OutboundRequest, tx sip.ClientTransaction) {
		cln := &header.DigestChallenge{Realm: "voip.com", Nonce: nonce, QOP: []string{"auth"}}
		return func(ctx context.Context, req *sip.OutboundRequest, tx sip.ClientTransaction) {
			if err := tx.RecvResponse(ctx, newChallengeRes(t, req, sip.ResponseStatusUnauthorized, cln)); err != nil {
				t.Errorf("tx.RecvResponse(401) error = %v, want nil", err)
			}
		}
	}
	snd.answer(challenge("1acd09ef33"))
	snd.answer(challenge("b7730f1a02"))

	// a registrar cycling fresh nonces gets exactly one authorized retry
	res, err := rg.Register(t.Context())
	if !errors.Is(err, sip.ErrAuthExhausted) {
		t.Fatalf("rg.Register() error = %v, want %v", err, sip.ErrAuthExhausted)
	}
	if res == nil || res.Status() != sip.ResponseStatusUnauthorized {
		t.Fatalf("rg.Register() res = %v, want the surfaced 401", res)
	}
	if len(snd.sentRequests()) != 2 {
		t.Fatalf("len(sent requests) = %d, want 2", len(snd.sentRequests()))
	}
}

func TestRegistration_NoAuthenticatorSurfacesChallenge(t *testing.T) {
	t.Parallel()

	snd := newScriptedSender(t)
	rg := newTestRegistration(t, snd, nil, nil)

	cln := &header.DigestChallenge{Realm: "voip.com", Nonce: "77aa01", QOP: []string{"auth"}}
	snd.answer(func(ctx context.Context, req *sip.OutboundRequest, tx sip.ClientTransaction) {
		if err := tx.RecvResponse(ctx, newChallengeRes(t, req, sip.ResponseStatusUnauthorized, cln)); err != nil {
			t.Errorf("tx.RecvResponse(401) error = %v, want nil", err)
		}
	})

	res, err := rg.Register(t.Context())
	if err != nil {
		t.Fatalf("rg.Register() error = %v, want nil", err)
	}
	if got, want := res.Status(), sip.ResponseStatusUnauthorized; got != want {
		t.Fatalf("res.Status() = %v, want %v", got, want)
	}
	if len(snd.sentRequests()) != 1 {
		t.Fatalf("len(sent requests) = %d, want 1", len(snd.sentRequests()))
	}
}

func TestRegistration_Deregister(t *testing.T) {
	t.Parallel()

	snd := newScriptedSender(t)
	rg := newTestRegistration(t, snd, nil, nil)

	snd.answerStatus(sip.ResponseStatusOK)
	if _, err := rg.Deregister(t.Context()); err != nil {
		t.Fatalf("rg.Deregister() error = %v, want nil", err)
	}

	reqs := snd.sentRequests()
	if len(reqs) != 1 {
		t.Fatalf("len(sent requests) = %d, want 1", len(reqs))
	}
	exp, ok := reqs[0].Headers().Expires()
	if !ok || exp.Duration != 0 {
		t.Fatalf("Expires = %v, want 0", exp)
	}
}
