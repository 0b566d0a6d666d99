package header

import (
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/voicegrid/sipcore/internal/ioutil"
	"github.com/voicegrid/sipcore/internal/types"
	"github.com/voicegrid/sipcore/internal/util"
	"github.com/voicegrid/sipcore/uri"
)

// AuthChallenge represents the value of a challenge header
// (WWW-Authenticate, Proxy-Authenticate).
type AuthChallenge interface {
	types.Renderer
	types.ValidFlag
	types.Equalable
	types.Cloneable[AuthChallenge]
}

// AuthCredentials represents the value of a credentials header
// (Authorization, Proxy-Authorization).
type AuthCredentials interface {
	types.Renderer
	types.ValidFlag
	types.Equalable
	types.Cloneable[AuthCredentials]
}

// WWWAuthenticate represents the WWW-Authenticate header field.
type WWWAuthenticate struct {
	AuthChallenge
}

// CanonicName returns the canonical name of the header.
func (*WWWAuthenticate) CanonicName() Name { return "WWW-Authenticate" }

// CompactName returns the compact name of the header (WWW-Authenticate has no compact form).
func (*WWWAuthenticate) CompactName() Name { return "WWW-Authenticate" }

// RenderTo writes the header to the provided writer.
func (hdr *WWWAuthenticate) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderNamed(w, hdr, opts, func(w io.Writer) (int, error) {
		return renderChallenge(w, hdr.AuthChallenge, opts)
	}))
}

// Render returns the string representation of the header.
func (hdr *WWWAuthenticate) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return hdr.RenderTo(w, opts) })
}

// RenderValue returns the header value without the name prefix.
func (hdr *WWWAuthenticate) RenderValue() string {
	if hdr == nil || hdr.AuthChallenge == nil {
		return ""
	}
	return hdr.AuthChallenge.Render(nil)
}

// String returns the string representation of the header value.
func (hdr *WWWAuthenticate) String() string { return hdr.RenderValue() }

// Clone returns a deep copy of the header.
func (hdr *WWWAuthenticate) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := *hdr
	hdr2.AuthChallenge = types.Clone[AuthChallenge](hdr.AuthChallenge)
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *WWWAuthenticate) Equal(val any) bool {
	var other *WWWAuthenticate
	switch v := val.(type) {
	case WWWAuthenticate:
		other = &v
	case *WWWAuthenticate:
		other = v
	default:
		return false
	}

	if hdr == other {
		return true
	} else if hdr == nil || other == nil {
		return false
	}
	return types.IsEqual(hdr.AuthChallenge, other.AuthChallenge)
}

// IsValid checks whether the header carries a valid challenge.
func (hdr *WWWAuthenticate) IsValid() bool {
	return hdr != nil && types.IsValid(hdr.AuthChallenge)
}

// ProxyAuthenticate represents the Proxy-Authenticate header field.
type ProxyAuthenticate struct {
	AuthChallenge
}

// CanonicName returns the canonical name of the header.
func (*ProxyAuthenticate) CanonicName() Name { return "Proxy-Authenticate" }

// CompactName returns the compact name of the header (Proxy-Authenticate has no compact form).
func (*ProxyAuthenticate) CompactName() Name { return "Proxy-Authenticate" }

// RenderTo writes the header to the provided writer.
func (hdr *ProxyAuthenticate) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderNamed(w, hdr, opts, func(w io.Writer) (int, error) {
		return renderChallenge(w, hdr.AuthChallenge, opts)
	}))
}

// Render returns the string representation of the header.
func (hdr *ProxyAuthenticate) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return hdr.RenderTo(w, opts) })
}

// RenderValue returns the header value without the name prefix.
func (hdr *ProxyAuthenticate) RenderValue() string {
	if hdr == nil || hdr.AuthChallenge == nil {
		return ""
	}
	return hdr.AuthChallenge.Render(nil)
}

// String returns the string representation of the header value.
func (hdr *ProxyAuthenticate) String() string { return hdr.RenderValue() }

// Clone returns a deep copy of the header.
func (hdr *ProxyAuthenticate) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := *hdr
	hdr2.AuthChallenge = types.Clone[AuthChallenge](hdr.AuthChallenge)
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *ProxyAuthenticate) Equal(val any) bool {
	var other *ProxyAuthenticate
	switch v := val.(type) {
	case ProxyAuthenticate:
		other = &v
	case *ProxyAuthenticate:
		other = v
	default:
		return false
	}

	if hdr == other {
		return true
	} else if hdr == nil || other == nil {
		return false
	}
	return types.IsEqual(hdr.AuthChallenge, other.AuthChallenge)
}

// IsValid checks whether the header carries a valid challenge.
func (hdr *ProxyAuthenticate) IsValid() bool {
	return hdr != nil && types.IsValid(hdr.AuthChallenge)
}

// Authorization represents the Authorization header field.
type Authorization struct {
	AuthCredentials
}

// CanonicName returns the canonical name of the header.
func (*Authorization) CanonicName() Name { return "Authorization" }

// CompactName returns the compact name of the header (Authorization has no compact form).
func (*Authorization) CompactName() Name { return "Authorization" }

// RenderTo writes the header to the provided writer.
func (hdr *Authorization) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderNamed(w, hdr, opts, func(w io.Writer) (int, error) {
		return renderCredentials(w, hdr.AuthCredentials, opts)
	}))
}

// Render returns the string representation of the header.
func (hdr *Authorization) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return hdr.RenderTo(w, opts) })
}

// RenderValue returns the header value without the name prefix.
func (hdr *Authorization) RenderValue() string {
	if hdr == nil || hdr.AuthCredentials == nil {
		return ""
	}
	return hdr.AuthCredentials.Render(nil)
}

// String returns the string representation of the header value.
func (hdr *Authorization) String() string { return hdr.RenderValue() }

// Clone returns a deep copy of the header.
func (hdr *Authorization) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := *hdr
	hdr2.AuthCredentials = types.Clone[AuthCredentials](hdr.AuthCredentials)
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *Authorization) Equal(val any) bool {
	var other *Authorization
	switch v := val.(type) {
	case Authorization:
		other = &v
	case *Authorization:
		other = v
	default:
		return false
	}

	if hdr == other {
		return true
	} else if hdr == nil || other == nil {
		return false
	}
	return types.IsEqual(hdr.AuthCredentials, other.AuthCredentials)
}

// IsValid checks whether the header carries valid credentials.
func (hdr *Authorization) IsValid() bool {
	return hdr != nil && types.IsValid(hdr.AuthCredentials)
}

// ProxyAuthorization represents the Proxy-Authorization header field.
type ProxyAuthorization struct {
	AuthCredentials
}

// CanonicName returns the canonical name of the header.
func (*ProxyAuthorization) CanonicName() Name { return "Proxy-Authorization" }

// CompactName returns the compact name of the header (Proxy-Authorization has no compact form).
func (*ProxyAuthorization) CompactName() Name { return "Proxy-Authorization" }

// RenderTo writes the header to the provided writer.
func (hdr *ProxyAuthorization) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderNamed(w, hdr, opts, func(w io.Writer) (int, error) {
		return renderCredentials(w, hdr.AuthCredentials, opts)
	}))
}

// Render returns the string representation of the header.
func (hdr *ProxyAuthorization) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return hdr.RenderTo(w, opts) })
}

// RenderValue returns the header value without the name prefix.
func (hdr *ProxyAuthorization) RenderValue() string {
	if hdr == nil || hdr.AuthCredentials == nil {
		return ""
	}
	return hdr.AuthCredentials.Render(nil)
}

// String returns the string representation of the header value.
func (hdr *ProxyAuthorization) String() string { return hdr.RenderValue() }

// Clone returns a deep copy of the header.
func (hdr *ProxyAuthorization) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := *hdr
	hdr2.AuthCredentials = types.Clone[AuthCredentials](hdr.AuthCredentials)
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *ProxyAuthorization) Equal(val any) bool {
	var other *ProxyAuthorization
	switch v := val.(type) {
	case ProxyAuthorization:
		other = &v
	case *ProxyAuthorization:
		other = v
	default:
		return false
	}

	if hdr == other {
		return true
	} else if hdr == nil || other == nil {
		return false
	}
	return types.IsEqual(hdr.AuthCredentials, other.AuthCredentials)
}

// IsValid checks whether the header carries valid credentials.
func (hdr *ProxyAuthorization) IsValid() bool {
	return hdr != nil && types.IsValid(hdr.AuthCredentials)
}

func renderChallenge(w io.Writer, cln AuthChallenge, opts *RenderOptions) (int, error) {
	if cln == nil {
		return 0, nil
	}
	return errtrace.Wrap2(cln.RenderTo(w, opts))
}

func renderCredentials(w io.Writer, crd AuthCredentials, opts *RenderOptions) (int, error) {
	if crd == nil {
		return 0, nil
	}
	return errtrace.Wrap2(crd.RenderTo(w, opts))
}

// DigestChallenge represents a digest authentication challenge.
type DigestChallenge struct {
	Realm,
	Nonce,
	Opaque,
	Algorithm string
	Domain []uri.URI
	QOP    []string
	Stale  bool
	Params Values
}

// Clone returns a deep copy of the challenge.
func (cln *DigestChallenge) Clone() AuthChallenge {
	if cln == nil {
		return nil
	}

	cln2 := *cln
	cln2.QOP = slices.Clone(cln.QOP)
	if cln.Domain != nil {
		cln2.Domain = make([]uri.URI, len(cln.Domain))
		for i := range cln.Domain {
			cln2.Domain[i] = types.Clone[uri.URI](cln.Domain[i])
		}
	}
	cln2.Params = cln.Params.Clone()
	return &cln2
}

// RenderTo writes the challenge to the provided writer.
func (cln *DigestChallenge) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if cln == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprint("Digest ")

	kvs := make([]kv, 0, 6+len(cln.Params))
	for _, p := range [...]kv{
		{"realm", quoteNonEmpty(cln.Realm)},
		{"nonce", quoteNonEmpty(cln.Nonce)},
		{"opaque", quoteNonEmpty(cln.Opaque)},
		{"algorithm", cln.Algorithm},
		{"qop", quoteNonEmpty(strings.Join(cln.QOP, ","))},
	} {
		if p[1] != "" {
			kvs = append(kvs, p)
		}
	}
	if cln.Stale {
		kvs = append(kvs, kv{"stale", "true"})
	}
	if len(cln.Domain) > 0 {
		kvs = append(kvs, kv{"domain", quote(renderURIList(cln.Domain, opts))})
	}
	for k := range cln.Params {
		v, _ := cln.Params.Last(k)
		kvs = append(kvs, kv{util.LCase(k), v})
	}
	sortKVs(kvs)

	for i, p := range kvs {
		if i > 0 {
			cw.Fprint(", ")
		}
		cw.Fprint(p[0], "=", p[1])
	}
	return errtrace.Wrap2(cw.Result())
}

// Render returns the string representation of the challenge.
func (cln *DigestChallenge) Render(opts *RenderOptions) string {
	if cln == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return cln.RenderTo(w, opts) })
}

// String returns the string representation of the challenge.
func (cln *DigestChallenge) String() string { return cln.Render(nil) }

// Format implements fmt.Formatter for custom formatting of the challenge.
func (cln *DigestChallenge) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		if f.Flag('+') {
			cln.RenderTo(f, nil) //nolint:errcheck
			return
		}
		fmt.Fprint(f, cln.String())
		return
	case 'q':
		fmt.Fprint(f, strconv.Quote(cln.String()))
		return
	default:
		type hideMethods DigestChallenge
		type DigestChallenge hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*DigestChallenge)(cln))
		return
	}
}

// Equal compares this challenge with another for equality.
func (cln *DigestChallenge) Equal(val any) bool {
	var other *DigestChallenge
	switch v := val.(type) {
	case DigestChallenge:
		other = &v
	case *DigestChallenge:
		other = v
	default:
		return false
	}

	if cln == other {
		return true
	} else if cln == nil || other == nil {
		return false
	}

	return util.EqFold(cln.Realm, other.Realm) &&
		cln.Nonce == other.Nonce &&
		cln.Opaque == other.Opaque &&
		util.EqFold(cln.Algorithm, other.Algorithm) &&
		slices.EqualFunc(cln.Domain, other.Domain, func(v1, v2 uri.URI) bool { return types.IsEqual(v1, v2) }) &&
		slices.EqualFunc(cln.QOP, other.QOP, util.EqFold) &&
		cln.Stale == other.Stale
}

// IsValid checks whether the challenge is usable.
func (cln *DigestChallenge) IsValid() bool {
	return cln != nil &&
		cln.Realm != "" && cln.Nonce != "" &&
		(cln.Algorithm == "" || types.IsToken(cln.Algorithm)) &&
		!slices.ContainsFunc(cln.QOP, func(v string) bool { return !types.IsToken(v) })
}

// SupportsQOP reports whether the challenge offers the given qop value.
func (cln *DigestChallenge) SupportsQOP(qop string) bool {
	if cln == nil {
		return false
	}
	return slices.ContainsFunc(cln.QOP, func(v string) bool { return util.EqFold(v, qop) })
}

// DigestCredentials represents digest authentication credentials.
type DigestCredentials struct {
	Username,
	Realm,
	Nonce,
	Response,
	Algorithm,
	CNonce,
	Opaque,
	QOP string
	NonceCount uint
	URI        uri.URI
	Params     Values
}

// Clone returns a deep copy of the credentials.
func (crd *DigestCredentials) Clone() AuthCredentials {
	if crd == nil {
		return nil
	}

	crd2 := *crd
	crd2.URI = types.Clone[uri.URI](crd.URI)
	crd2.Params = crd.Params.Clone()
	return &crd2
}

// RenderTo writes the credentials to the provided writer.
func (crd *DigestCredentials) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if crd == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprint("Digest ")

	kvs := make([]kv, 0, 10+len(crd.Params))
	for _, p := range [...]kv{
		{"username", quoteNonEmpty(crd.Username)},
		{"realm", quoteNonEmpty(crd.Realm)},
		{"nonce", quoteNonEmpty(crd.Nonce)},
		{"response", quoteNonEmpty(crd.Response)},
		{"algorithm", crd.Algorithm},
		{"cnonce", quoteNonEmpty(crd.CNonce)},
		{"opaque", quoteNonEmpty(crd.Opaque)},
		{"qop", crd.QOP},
	} {
		if p[1] != "" {
			kvs = append(kvs, p)
		}
	}
	if crd.NonceCount > 0 {
		kvs = append(kvs, kv{"nc", fmt.Sprintf("%08x", crd.NonceCount)})
	}
	if crd.URI != nil {
		kvs = append(kvs, kv{"uri", quote(crd.URI.Render(opts))})
	}
	for k := range crd.Params {
		v, _ := crd.Params.Last(k)
		kvs = append(kvs, kv{util.LCase(k), v})
	}
	sortKVs(kvs)

	for i, p := range kvs {
		if i > 0 {
			cw.Fprint(", ")
		}
		cw.Fprint(p[0], "=", p[1])
	}
	return errtrace.Wrap2(cw.Result())
}

// Render returns the string representation of the credentials.
func (crd *DigestCredentials) Render(opts *RenderOptions) string {
	if crd == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return crd.RenderTo(w, opts) })
}

// String returns the string representation of the credentials.
func (crd *DigestCredentials) String() string { return crd.Render(nil) }

// Format implements fmt.Formatter for custom formatting of the credentials.
func (crd *DigestCredentials) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		if f.Flag('+') {
			crd.RenderTo(f, nil) //nolint:errcheck
			return
		}
		fmt.Fprint(f, crd.String())
		return
	case 'q':
		fmt.Fprint(f, strconv.Quote(crd.String()))
		return
	default:
		type hideMethods DigestCredentials
		type DigestCredentials hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*DigestCredentials)(crd))
		return
	}
}

// Equal compares these credentials with another for equality.
func (crd *DigestCredentials) Equal(val any) bool {
	var other *DigestCredentials
	switch v := val.(type) {
	case DigestCredentials:
		other = &v
	case *DigestCredentials:
		other = v
	default:
		return false
	}

	if crd == other {
		return true
	} else if crd == nil || other == nil {
		return false
	}

	return crd.Username == other.Username &&
		util.EqFold(crd.Realm, other.Realm) &&
		crd.Nonce == other.Nonce &&
		crd.Response == other.Response &&
		util.EqFold(crd.Algorithm, other.Algorithm) &&
		crd.CNonce == other.CNonce &&
		crd.Opaque == other.Opaque &&
		util.EqFold(crd.QOP, other.QOP) &&
		crd.NonceCount == other.NonceCount &&
		types.IsEqual(crd.URI, other.URI)
}

// IsValid checks whether the credentials are complete.
func (crd *DigestCredentials) IsValid() bool {
	return crd != nil &&
		crd.Username != "" && crd.Realm != "" && crd.Nonce != "" &&
		len(crd.Response) == 32 &&
		(crd.Algorithm == "" || types.IsToken(crd.Algorithm)) &&
		(crd.QOP == "" || types.IsToken(crd.QOP)) &&
		types.IsValid(crd.URI)
}

// AnyChallenge represents a generic authentication challenge of an
// arbitrary scheme.
type AnyChallenge struct {
	Scheme string
	Params Values
}

// Clone returns a deep copy of the challenge.
func (cln *AnyChallenge) Clone() AuthChallenge {
	if cln == nil {
		return nil
	}
	cln2 := *cln
	cln2.Params = cln.Params.Clone()
	return &cln2
}

// RenderTo writes the challenge to the provided writer.
func (cln *AnyChallenge) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if cln == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprint(cln.Scheme, " ")

	kvs := make([]kv, 0, len(cln.Params))
	for k := range cln.Params {
		v, _ := cln.Params.Last(k)
		kvs = append(kvs, kv{util.LCase(k), v})
	}
	sortKVs(kvs)

	for i, p := range kvs {
		if i > 0 {
			cw.Fprint(", ")
		}
		cw.Fprint(p[0], "=", p[1])
	}
	return errtrace.Wrap2(cw.Result())
}

// Render returns the string representation of the challenge.
func (cln *AnyChallenge) Render(opts *RenderOptions) string {
	if cln == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return cln.RenderTo(w, opts) })
}

// String returns the string representation of the challenge.
func (cln *AnyChallenge) String() string { return cln.Render(nil) }

// Equal compares this challenge with another for equality.
func (cln *AnyChallenge) Equal(val any) bool {
	var other *AnyChallenge
	switch v := val.(type) {
	case AnyChallenge:
		other = &v
	case *AnyChallenge:
		other = v
	default:
		return false
	}

	if cln == other {
		return true
	} else if cln == nil || other == nil {
		return false
	}
	return util.EqFold(cln.Scheme, other.Scheme) && types.IsEqual(cln.Params, other.Params)
}

// IsValid checks whether the challenge is usable.
func (cln *AnyChallenge) IsValid() bool {
	return cln != nil && types.IsToken(cln.Scheme) && len(cln.Params) > 0
}

func quoteNonEmpty(s string) string {
	if s == "" {
		return ""
	}
	return quote(s)
}

func renderURIList(uris []uri.URI, opts *RenderOptions) string {
	return renderToString(func(w io.Writer) (int, error) {
		cw := ioutil.GetCountingWriter(w)
		defer ioutil.FreeCountingWriter(cw)
		var j int
		for i := range uris {
			if uris[i] == nil {
				continue
			}
			if j > 0 {
				cw.Fprint(" ")
			}
			cw.Call(func(w io.Writer) (int, error) {
				return errtrace.Wrap2(uris[i].RenderTo(w, opts))
			})
			j++
		}
		return errtrace.Wrap2(cw.Result())
	})
}

var authParamRx = regexp.MustCompile(`([a-zA-Z0-9_-]+)\s*=\s*(?:"([^"]*)"|([^", ]+))`)

// ScanDigestChallenge extracts a digest challenge from a raw header value,
// e.g. `Digest realm="example.com", nonce="abc", qop="auth"`.
func ScanDigestChallenge(value string) (*DigestChallenge, bool) {
	rest, ok := cutAuthScheme(value, "digest")
	if !ok {
		return nil, false
	}

	cln := &DigestChallenge{}
	for _, m := range authParamRx.FindAllStringSubmatch(rest, -1) {
		v := m[2]
		if m[3] != "" {
			v = m[3]
		}
		switch util.LCase(m[1]) {
		case "realm":
			cln.Realm = v
		case "nonce":
			cln.Nonce = v
		case "opaque":
			cln.Opaque = v
		case "algorithm":
			cln.Algorithm = v
		case "stale":
			cln.Stale = util.EqFold(v, "true")
		case "qop":
			for q := range strings.SplitSeq(v, ",") {
				if q = util.TrimSP(q); q != "" {
					cln.QOP = append(cln.QOP, q)
				}
			}
		default:
			if cln.Params == nil {
				cln.Params = make(Values)
			}
			cln.Params.Set(util.LCase(m[1]), v)
		}
	}
	return cln, true
}

func cutAuthScheme(value, scheme string) (string, bool) {
	value = util.TrimSP(value)
	if len(value) <= len(scheme) || !util.EqFold(value[:len(scheme)], scheme) {
		return "", false
	}
	return value[len(scheme):], true
}
