// Package header defines the typed SIP headers used by the signaling core.
//
// Headers arrive already parsed into these structures; the package knows
// how to render, clone and compare them, plus a value-level scanner for
// digest auth parameters.
package header

//go:generate go tool errtrace -w .

import (
	"io"
	"net/textproto"
	"slices"
	"strings"

	"braces.dev/errtrace"

	"github.com/voicegrid/sipcore/internal/ioutil"
	"github.com/voicegrid/sipcore/internal/types"
	"github.com/voicegrid/sipcore/internal/util"
)

// Addr represents a network address consisting of a host and optional port.
type Addr = types.Addr

// Host creates an Addr from a hostname without a port.
func Host(host string) Addr { return types.Host(host) }

// HostPort creates an Addr from a hostname and port.
func HostPort(host string, port uint16) Addr { return types.HostPort(host, port) }

// Values represents header parameters as a multi-value map.
type Values = types.Values

// ProtoInfo represents SIP protocol information (name and version).
type ProtoInfo = types.ProtoInfo

// TransportProto represents a transport protocol (UDP, TCP, TLS, SCTP, WS, WSS).
type TransportProto = types.TransportProto

// RequestMethod represents a SIP request method (INVITE, ACK, BYE, etc.).
type RequestMethod = types.RequestMethod

// RenderOptions contains options for rendering headers and URIs.
type RenderOptions = types.RenderOptions

// Header represents a generic SIP header.
type Header interface {
	types.Renderer
	types.Cloneable[Header]
	types.ValidFlag
	types.Equalable
	CanonicName() Name
	CompactName() Name
	RenderValue() string
}

// Name represents a SIP header name.
type Name string

// ToCanonic converts the Name to its canonical form.
func (n Name) ToCanonic() Name { return CanonicName(n) }

// IsValid checks whether the Name is syntactically valid.
func (n Name) IsValid() bool { return types.IsToken(n) }

// Equal compares this Name with another for equality.
func (n Name) Equal(val any) bool {
	var other Name
	switch v := val.(type) {
	case Name:
		other = v
	case *Name:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return CanonicName(n) == CanonicName(other)
}

var hdrNames = map[string]Name{
	"c":                "Content-Type",
	"e":                "Content-Encoding",
	"f":                "From",
	"i":                "Call-ID",
	"k":                "Supported",
	"l":                "Content-Length",
	"m":                "Contact",
	"s":                "Subject",
	"t":                "To",
	"v":                "Via",
	"Call-Id":          "Call-ID",
	"Cseq":             "CSeq",
	"Mime-Version":     "MIME-Version",
	"Www-Authenticate": "WWW-Authenticate",
}

// CanonicName converts name to the canonical form.
// The canonicalization converts the first letter and any letter following a hyphen to upper case;
// the rest are converted to lowercase. Any compact name is converted to its full canonical
// form, e.g. "v" converts to "Via".
func CanonicName[T ~string](name T) Name {
	name = util.TrimSP(name)
	if n, ok := hdrNames[string(name)]; ok {
		return n
	}

	name = T(textproto.CanonicalMIMEHeaderKey(string(name)))
	if n, ok := hdrNames[string(name)]; ok {
		return n
	}
	return Name(name)
}

func hdrName(hdr Header, opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

// renderNamed writes "Name: value" using the header's own value renderer.
func renderNamed(w io.Writer, hdr Header, opts *RenderOptions, valueFn func(io.Writer) (int, error)) (int, error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprint(hdrName(hdr, opts), ": ")
	cw.Call(valueFn)
	return errtrace.Wrap2(cw.Result())
}

func renderToString(fn func(io.Writer) (int, error)) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	fn(sb) //nolint:errcheck
	return sb.String()
}

// quote wraps the value into double quotes as a quoted-string.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

type kv [2]string

func sortKVs(kvs []kv) {
	slices.SortFunc(kvs, func(a, b kv) int {
		return strings.Compare(a[0], b[0])
	})
}

func renderParams(w io.Writer, params Values) (int, error) {
	if len(params) == 0 {
		return 0, nil
	}

	kvs := make([]kv, 0, len(params))
	for k := range params {
		v, _ := params.Last(k)
		kvs = append(kvs, kv{util.LCase(k), v})
	}
	sortKVs(kvs)

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	for _, p := range kvs {
		cw.Fprint(";", p[0])
		if p[1] != "" {
			cw.Fprint("=", p[1])
		}
	}
	return errtrace.Wrap2(cw.Result())
}
