package sip_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/sip"
)

// Challenge and expected digests from RFC 2617 Section 3.5.
func TestCalcDigestResponse_QOPAuth(t *testing.T) {
	t.Parallel()

	crd := sip.Credential{Username: "Mufasa", Password: "Circle Of Life"}
	cln := &header.DigestChallenge{
		Realm: "testrealm@host.com",
		Nonce: "dcd98b7102dd2f0e8b11d0f600bfb0c093",
		QOP:   []string{"auth", "auth-int"},
	}

	got := sip.CalcDigestResponse(crd, cln, sip.RequestMethod("GET"), "/dir/index.html", "0a4f113b", 1)
	if want := "6629fae49393a05397450978507c4ef1"; got != want {
		t.Fatalf("sip.CalcDigestResponse() = %q, want %q", got, want)
	}
}

// Without qop the RFC 2069 compatible digest is produced.
func TestCalcDigestResponse_NoQOP(t *testing.T) {
	t.Parallel()

	crd := sip.Credential{Username: "Mufasa", Password: "CircleOfLife"}
	cln := &header.DigestChallenge{
		Realm: "testrealm@host.com",
		Nonce: "dcd98b7102dd2f0e8b11d0f600bfb0c093",
	}

	got := sip.CalcDigestResponse(crd, cln, sip.RequestMethod("GET"), "/dir/index.html", "", 0)
	if want := "e966c932a9242554e42c8ee200cec7f6"; got != want {
		t.Fatalf("sip.CalcDigestResponse() = %q, want %q", got, want)
	}
}

func newChallengeRes(
	tb testing.TB,
	req *sip.OutboundRequest,
	sts sip.ResponseStatus,
	cln *header.DigestChallenge,
) *sip.InboundResponse {
	tb.Helper()

	res := newInRes(tb, req, sts)
	if sts == sip.ResponseStatusProxyAuthenticationRequired {
		res.Headers().Set(&header.ProxyAuthenticate{AuthChallenge: cln})
	} else {
		res.Headers().Set(&header.WWWAuthenticate{AuthChallenge: cln})
	}
	return res
}

func TestAuthenticator_AuthorizeRequest(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	origBranch := sip.MagicCookie + ".auth-authorize"
	req := newOutInviteReq(t, "UDP", origBranch, local, remote)

	crd := sip.Credential{Username: "bob", Password: "secret", Realm: "voip.com"}
	auth := sip.NewAuthenticator(crd)

	cln := &header.DigestChallenge{
		Realm: "voip.com",
		Nonce: "f84f1cec41e6cbe5aea9c8e88d359",
		QOP:   []string{"auth"},
	}
	res := newChallengeRes(t, req, sip.ResponseStatusUnauthorized, cln)

	if err := auth.AuthorizeRequest(req, res); err != nil {
		t.Fatalf("auth.AuthorizeRequest() error = %v, want nil", err)
	}

	hdr, ok := req.Headers().Authorization()
	if !ok {
		t.Fatal("request carries no Authorization header")
	}
	dig, ok := hdr.AuthCredentials.(*header.DigestCredentials)
	if !ok {
		t.Fatalf("credentials = %T, want *header.DigestCredentials", hdr.AuthCredentials)
	}

	if dig.Username != "bob" || dig.Realm != "voip.com" || dig.Nonce != cln.Nonce {
		t.Fatalf("credentials = %q/%q/%q, want bob/voip.com/%q", dig.Username, dig.Realm, dig.Nonce, cln.Nonce)
	}
	if dig.QOP != "auth" || dig.CNonce == "" || dig.NonceCount != 1 {
		t.Fatalf("qop/cnonce/nc = %q/%q/%d, want auth/<non-empty>/1", dig.QOP, dig.CNonce, dig.NonceCount)
	}

	want := sip.CalcDigestResponse(crd, cln, req.Method(), req.URI().Render(nil), dig.CNonce, dig.NonceCount)
	if dig.Response != want {
		t.Fatalf("digest response = %q, want %q", dig.Response, want)
	}

	// the retry goes out as a new transaction with the next CSeq
	cseq, _ := req.Headers().CSeq()
	if cseq.SeqNum != 2 {
		t.Fatalf("CSeq = %d, want 2", cseq.SeqNum)
	}
	via, _ := req.Headers().TopVia()
	branch, _ := via.Branch()
	if branch == origBranch || !sip.IsRFC3261Branch(branch) {
		t.Fatalf("branch = %q, want a fresh RFC 3261 branch", branch)
	}
}

func TestAuthenticator_AuthorizeRequest_Proxy(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	req := newOutInviteReq(t, "UDP", sip.MagicCookie+".auth-proxy", local, remote)
	auth := sip.NewAuthenticator(sip.Credential{Username: "bob", Password: "secret"})

	cln := &header.DigestChallenge{
		Realm: "proxy.voip.com",
		Nonce: "aab6d79e2c764a9f9dfa48961c2a",
		QOP:   []string{"auth"},
	}
	res := newChallengeRes(t, req, sip.ResponseStatusProxyAuthenticationRequired, cln)

	if err := auth.AuthorizeRequest(req, res); err != nil {
		t.Fatalf("auth.AuthorizeRequest() error = %v, want nil", err)
	}

	if _, ok := req.Headers().ProxyAuthorization(); !ok {
		t.Fatal("request carries no Proxy-Authorization header")
	}
	if _, ok := req.Headers().Authorization(); ok {
		t.Fatal("407 challenge answered with an Authorization header")
	}
}

func TestAuthenticator_RepeatedChallenge(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	req := newOutInviteReq(t, "UDP", sip.MagicCookie+".auth-repeat", local, remote)
	auth := sip.NewAuthenticator(sip.Credential{Username: "bob", Password: "secret"})

	cln := &header.DigestChallenge{
		Realm: "voip.com",
		Nonce: "1cfac6c9e71f2bb46ab2b5d9f864",
		QOP:   []string{"auth"},
	}
	res := newChallengeRes(t, req, sip.ResponseStatusUnauthorized, cln)

	if err := auth.AuthorizeRequest(req, res); err != nil {
		t.Fatalf("auth.AuthorizeRequest() error = %v, want nil", err)
	}

	// the same nonce challenged again means the credentials were wrong
	if err := auth.AuthorizeRequest(req, res); !errors.Is(err, sip.ErrAuthExhausted) {
		t.Fatalf("auth.AuthorizeRequest() error = %v, want %v", err, sip.ErrAuthExhausted)
	}

	// unless the server marked the nonce stale
	stale, _ := cln.Clone().(*header.DigestChallenge)
	stale.Stale = true
	staleRes := newChallengeRes(t, req, sip.ResponseStatusUnauthorized, stale)
	if err := auth.AuthorizeRequest(req, staleRes); err != nil {
		t.Fatalf("auth.AuthorizeRequest(stale) error = %v, want nil", err)
	}

	hdr, _ := req.Headers().Authorization()
	dig, _ := hdr.AuthCredentials.(*header.DigestCredentials)
	if dig.NonceCount != 2 {
		t.Fatalf("nc = %d, want 2 for the second use of the nonce", dig.NonceCount)
	}
	cseq, _ := req.Headers().CSeq()
	if cseq.SeqNum != 3 {
		t.Fatalf("CSeq = %d, want 3 after two retries", cseq.SeqNum)
	}
}

func TestAuthenticator_NoCredentials(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	req := newOutInviteReq(t, "UDP", sip.MagicCookie+".auth-no-creds", local, remote)
	auth := sip.NewAuthenticator(sip.Credential{Username: "bob", Password: "secret", Realm: "other.com"})

	cln := &header.DigestChallenge{Realm: "voip.com", Nonce: "b1c0e1e4", QOP: []string{"auth"}}
	res := newChallengeRes(t, req, sip.ResponseStatusUnauthorized, cln)

	if err := auth.AuthorizeRequest(req, res); !errors.Is(err, sip.ErrNoCredentials) {
		t.Fatalf("auth.AuthorizeRequest() error = %v, want %v", err, sip.ErrNoCredentials)
	}
}

func TestAuthenticator_UnsupportedChallenge(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	req := newOutInviteReq(t, "UDP", sip.MagicCookie+".auth-unsupported", local, remote)
	auth := sip.NewAuthenticator(sip.Credential{Username: "bob", Password: "secret"})

	sha := &header.DigestChallenge{Realm: "voip.com", Nonce: "c9d1", Algorithm: "SHA-256", QOP: []string{"auth"}}
	res := newChallengeRes(t, req, sip.ResponseStatusUnauthorized, sha)
	if err := auth.AuthorizeRequest(req, res); !errors.Is(err, sip.ErrUnsupportedAuth) {
		t.Fatalf("auth.AuthorizeRequest(SHA-256) error = %v, want %v", err, sip.ErrUnsupportedAuth)
	}

	authInt := &header.DigestChallenge{Realm: "voip.com", Nonce: "c9d2", QOP: []string{"auth-int"}}
	res = newChallengeRes(t, req, sip.ResponseStatusUnauthorized, authInt)
	if err := auth.AuthorizeRequest(req, res); !errors.Is(err, sip.ErrUnsupportedAuth) {
		t.Fatalf("auth.AuthorizeRequest(auth-int) error = %v, want %v", err, sip.ErrUnsupportedAuth)
	}
}
