package sip

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/internal/errorutil"
	"github.com/voicegrid/sipcore/internal/util"
)

// Credential holds the username and password for a protection realm.
type Credential struct {
	Username string
	Password string
	// Realm restricts the credential to a single protection realm.
	// A credential with an empty realm answers any challenge.
	Realm string
}

// IsZero checks whether the credential is empty.
func (c Credential) IsZero() bool { return c == Credential{} }

// LogValue implements [slog.LogValuer] for structured logging.
// The password is never logged.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("realm", c.Realm),
	)
}

const digestQOPAuth = "auth"

// CalcDigestResponse computes the digest response over the credential and
// challenge per RFC 2617 Section 3.2.2: H(A1), H(A2) and the final request
// digest. With qop=auth the client nonce and nonce count participate in the
// final digest, without qop the RFC 2069 form is produced.
func CalcDigestResponse(
	crd Credential,
	cln *header.DigestChallenge,
	method RequestMethod,
	digestURI, cnonce string,
	nc uint,
) string {
	ha1 := md5Hex(crd.Username + ":" + cln.Realm + ":" + crd.Password)
	ha2 := md5Hex(string(method) + ":" + digestURI)
	if cln.SupportsQOP(digestQOPAuth) {
		return md5Hex(fmt.Sprintf("%s:%s:%08x:%s:%s:%s", ha1, cln.Nonce, nc, cnonce, digestQOPAuth, ha2))
	}
	return md5Hex(ha1 + ":" + cln.Nonce + ":" + ha2)
}

func md5Hex(data string) string {
	sum := md5.Sum([]byte(data)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Authenticator answers digest challenges with the configured credentials.
//
// Nonce counts are tracked per server nonce, so consecutive requests
// authorized against the same nonce advance nc and are not rejected as
// replays. Only the MD5 algorithm and qop=auth are supported.
type Authenticator struct {
	creds []Credential

	mu        sync.Mutex
	nonceCnts map[string]uint

	cnonce func() string
}

// NewAuthenticator creates an [Authenticator] with the given credentials.
// Credentials are tried in order: first an exact realm match, then a
// credential with an empty realm.
func NewAuthenticator(creds ...Credential) *Authenticator {
	return &Authenticator{
		creds:     creds,
		nonceCnts: make(map[string]uint),
		cnonce:    func() string { return util.RandStringLC(16) },
	}
}

func (a *Authenticator) credForRealm(realm string) (Credential, bool) {
	for _, crd := range a.creds {
		if crd.Realm != "" && util.EqFold(crd.Realm, realm) {
			return crd, true
		}
	}
	for _, crd := range a.creds {
		if crd.Realm == "" {
			return crd, true
		}
	}
	return Credential{}, false
}

func (a *Authenticator) nextNonceCount(nonce string) uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nonceCnts[nonce]++
	return a.nonceCnts[nonce]
}

// AuthorizeRequest consumes the challenge carried by a 401/407 response and
// equips the request for a retry: a computed credentials header, a fresh
// topmost Via branch and an incremented CSeq. The caller sends the updated
// request in a new client transaction.
//
// A repeated challenge with an unchanged nonce fails with [ErrAuthExhausted]
// unless the challenge is marked stale, so a single challenge is answered
// exactly once.
func (a *Authenticator) AuthorizeRequest(req *OutboundRequest, res *InboundResponse) error {
	if err := req.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	var (
		clnHdr header.AuthChallenge
		proxy  bool
	)
	switch res.Status() {
	case ResponseStatusUnauthorized:
		hdr, ok := res.Headers().WWWAuthenticate()
		if !ok {
			return errtrace.Wrap(newMissHdrErr("WWW-Authenticate"))
		}
		clnHdr = hdr.AuthChallenge
	case ResponseStatusProxyAuthenticationRequired:
		hdr, ok := res.Headers().ProxyAuthenticate()
		if !ok {
			return errtrace.Wrap(newMissHdrErr("Proxy-Authenticate"))
		}
		clnHdr = hdr.AuthChallenge
		proxy = true
	default:
		return errtrace.Wrap(NewInvalidArgumentError("response %q is not an authentication challenge", res))
	}

	cln, err := digestChallenge(clnHdr)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if alg := cln.Algorithm; alg != "" && !util.EqFold(alg, "MD5") {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrUnsupportedAuth, errorutil.Errorf("algorithm %q", alg)))
	}
	if len(cln.QOP) > 0 && !cln.SupportsQOP(digestQOPAuth) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrUnsupportedAuth, errorutil.Errorf("qop %v", cln.QOP)))
	}

	crd, ok := a.credForRealm(cln.Realm)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrNoCredentials, errorutil.Errorf("realm %q", cln.Realm)))
	}

	if prev := prevDigestCredentials(req, proxy); prev != nil && prev.Nonce == cln.Nonce && !cln.Stale {
		return errtrace.Wrap(ErrAuthExhausted)
	}

	var (
		cnonce string
		nc     uint
	)
	if cln.SupportsQOP(digestQOPAuth) {
		cnonce = a.cnonce()
		nc = a.nextNonceCount(cln.Nonce)
	}

	reqURI := req.URI()
	authz := &header.DigestCredentials{
		Username:   crd.Username,
		Realm:      cln.Realm,
		Nonce:      cln.Nonce,
		Opaque:     cln.Opaque,
		Algorithm:  cln.Algorithm,
		QOP:        digestQOPAuth,
		CNonce:     cnonce,
		NonceCount: nc,
		URI:        reqURI,
		Response:   CalcDigestResponse(crd, cln, req.Method(), reqURI.Render(nil), cnonce, nc),
	}
	if cnonce == "" {
		authz.QOP = ""
	}

	req.Update(func(msg *Request) {
		if proxy {
			msg.Headers.Set(&header.ProxyAuthorization{AuthCredentials: authz})
		} else {
			msg.Headers.Set(&header.Authorization{AuthCredentials: authz})
		}

		// retry goes out as a new transaction
		if via, ok := msg.Headers.TopVia(); ok {
			if via.Params == nil {
				via.Params = make(header.Values)
			}
			via.Params.Set("branch", GenerateBranch())
			msg.Headers.Set(header.Via{via})
		}
		if cseq, ok := msg.Headers.CSeq(); ok {
			cseq.SeqNum++
		}
	})
	return nil
}

func digestChallenge(clnHdr header.AuthChallenge) (*header.DigestChallenge, error) {
	switch cln := clnHdr.(type) {
	case *header.DigestChallenge:
		return cln, nil
	case *header.AnyChallenge:
		if dig, ok := header.ScanDigestChallenge(cln.Render(nil)); ok && dig.IsValid() {
			return dig, nil
		}
	}
	return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnsupportedAuth, errorutil.Errorf("challenge %q", clnHdr)))
}

func prevDigestCredentials(req *OutboundRequest, proxy bool) *header.DigestCredentials {
	var crdHdr header.AuthCredentials
	if proxy {
		if hdr, ok := req.Headers().ProxyAuthorization(); ok {
			crdHdr = hdr.AuthCredentials
		}
	} else {
		if hdr, ok := req.Headers().Authorization(); ok {
			crdHdr = hdr.AuthCredentials
		}
	}
	dig, _ := crdHdr.(*header.DigestCredentials)
	return dig
}
