package header

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strconv"

	"braces.dev/errtrace"

	"github.com/voicegrid/sipcore/internal/ioutil"
)

// Via represents the Via header field.
// The Via header field indicates the path taken by the request so far
// and the location where the response is to be sent.
type Via []ViaHop

// CanonicName returns the canonical name of the header.
func (Via) CanonicName() Name { return "Via" }

// CompactName returns the compact name of the header.
func (Via) CompactName() Name { return "v" }

// RenderTo writes the header to the provided writer.
func (hdr Via) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderNamed(w, hdr, opts, hdr.renderValueTo))
}

func (hdr Via) renderValueTo(w io.Writer) (num int, err error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	for i := range hdr {
		if i > 0 {
			cw.Fprint(", ")
		}
		cw.Call(hdr[i].renderTo)
	}
	return errtrace.Wrap2(cw.Result())
}

// Render returns the string representation of the header.
func (hdr Via) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return hdr.RenderTo(w, opts) })
}

// RenderValue returns the header value without the name prefix.
func (hdr Via) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return renderToString(hdr.renderValueTo)
}

// String returns the string representation of the header value.
func (hdr Via) String() string { return hdr.RenderValue() }

// Format implements fmt.Formatter for custom formatting of the header.
func (hdr Via) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		if f.Flag('+') {
			hdr.RenderTo(f, nil) //nolint:errcheck
			return
		}
		fmt.Fprint(f, hdr.String())
		return
	case 'q':
		fmt.Fprint(f, strconv.Quote(hdr.String()))
		return
	default:
		type hideMethods Via
		type Via hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), Via(hdr))
		return
	}
}

// Clone returns a deep copy of the header.
func (hdr Via) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := make(Via, len(hdr))
	for i := range hdr {
		hdr2[i] = hdr[i].Clone()
	}
	return hdr2
}

// Equal compares this header with another for equality.
func (hdr Via) Equal(val any) bool {
	var other Via
	switch v := val.(type) {
	case Via:
		other = v
	case *Via:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	if len(hdr) != len(other) {
		return false
	}
	for i := range hdr {
		if !hdr[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// IsValid reports whether every hop of the header is valid.
func (hdr Via) IsValid() bool {
	if len(hdr) == 0 {
		return false
	}
	for i := range hdr {
		if !hdr[i].IsValid() {
			return false
		}
	}
	return true
}

// ViaHop represents a single entry of the Via header field.
type ViaHop struct {
	Proto     ProtoInfo
	Transport TransportProto
	Addr      Addr
	Params    Values
}

func (hop ViaHop) renderTo(w io.Writer) (num int, err error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprint(hop.Proto, "/", hop.Transport.ToUpper(), " ", hop.Addr)
	cw.Call(func(w io.Writer) (int, error) { return renderParams(w, hop.Params) })
	return errtrace.Wrap2(cw.Result())
}

// String returns the string representation of the ViaHop.
func (hop ViaHop) String() string {
	return renderToString(hop.renderTo)
}

// Branch returns the branch parameter value, if present.
func (hop ViaHop) Branch() (string, bool) {
	return hop.Params.Last("branch")
}

// SentBy returns the sent-by host and optional port of the hop.
func (hop ViaHop) SentBy() string { return hop.Addr.String() }

// MAddr returns the maddr parameter value, if present.
func (hop ViaHop) MAddr() (string, bool) {
	return hop.Params.Last("maddr")
}

// Received returns the received parameter as a parsed address, if present.
func (hop ViaHop) Received() (netip.Addr, bool) {
	v, ok := hop.Params.Last("received")
	if !ok {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// RPort returns the rport parameter value, if present and non-empty.
func (hop ViaHop) RPort() (uint16, bool) {
	v, ok := hop.Params.Last("rport")
	if !ok || v == "" {
		return 0, false
	}
	p, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(p), true
}

// Clone returns a deep copy of the hop.
func (hop ViaHop) Clone() ViaHop {
	hop.Addr = hop.Addr.Clone()
	hop.Params = hop.Params.Clone()
	return hop
}

// Equal compares this hop with another for equality.
func (hop ViaHop) Equal(val any) bool {
	var other ViaHop
	switch v := val.(type) {
	case ViaHop:
		other = v
	case *ViaHop:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	b1, _ := hop.Branch()
	b2, _ := other.Branch()
	return hop.Proto.Equal(other.Proto) &&
		hop.Transport.Equal(other.Transport) &&
		hop.Addr.Equal(other.Addr) &&
		b1 == b2
}

// IsValid reports whether the hop carries a protocol, transport and address.
func (hop ViaHop) IsValid() bool {
	return hop.Proto.IsValid() && hop.Transport.IsValid() && hop.Addr.IsValid()
}

// LogValue implements slog.LogValuer.
func (hop ViaHop) LogValue() slog.Value { return slog.StringValue(hop.String()) }
