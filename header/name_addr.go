package header

import (
	"fmt"
	"io"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/voicegrid/sipcore/internal/ioutil"
	"github.com/voicegrid/sipcore/internal/types"
	"github.com/voicegrid/sipcore/uri"
)

// NameAddr is the shared shape of address headers:
// an optional display name, a URI and header parameters.
type NameAddr struct {
	DisplayName string
	URI         uri.URI
	Params      Values
}

func (addr NameAddr) renderTo(w io.Writer) (num int, err error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	if addr.DisplayName != "" {
		cw.Fprint(quote(addr.DisplayName), " ")
	}
	cw.Fprint("<")
	if addr.URI != nil {
		cw.Call(func(w io.Writer) (int, error) {
			return errtrace.Wrap2(addr.URI.RenderTo(w, nil))
		})
	}
	cw.Fprint(">")
	cw.Call(func(w io.Writer) (int, error) { return renderParams(w, addr.Params) })
	return errtrace.Wrap2(cw.Result())
}

// String returns the string representation of the NameAddr.
func (addr NameAddr) String() string { return renderToString(addr.renderTo) }

// Tag returns the tag parameter value, if present.
func (addr NameAddr) Tag() (string, bool) { return addr.Params.Last("tag") }

func (addr NameAddr) clone() NameAddr {
	addr.URI = types.Clone[uri.URI](addr.URI)
	addr.Params = addr.Params.Clone()
	return addr
}

func (addr NameAddr) equal(other NameAddr) bool {
	t1, _ := addr.Tag()
	t2, _ := other.Tag()
	return types.IsEqual(addr.URI, other.URI) && t1 == t2
}

func (addr NameAddr) isValid() bool { return types.IsValid(addr.URI) }

// From represents the From header field.
type From NameAddr

// CanonicName returns the canonical name of the header.
func (*From) CanonicName() Name { return "From" }

// CompactName returns the compact name of the header.
func (*From) CompactName() Name { return "f" }

// RenderTo writes the header to the provided writer.
func (hdr *From) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderNamed(w, hdr, opts, NameAddr(*hdr).renderTo))
}

// Render returns the string representation of the header.
func (hdr *From) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return hdr.RenderTo(w, opts) })
}

// RenderValue returns the header value without the name prefix.
func (hdr *From) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return NameAddr(*hdr).String()
}

// String returns the string representation of the header value.
func (hdr *From) String() string { return hdr.RenderValue() }

// Format implements fmt.Formatter for custom formatting of the header.
func (hdr *From) Format(f fmt.State, verb rune) { formatNameAddr(f, verb, hdr) }

// Tag returns the tag parameter value, if present.
func (hdr *From) Tag() (string, bool) {
	if hdr == nil {
		return "", false
	}
	return NameAddr(*hdr).Tag()
}

// Clone returns a deep copy of the header.
func (hdr *From) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := From(NameAddr(*hdr).clone())
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *From) Equal(val any) bool {
	other, ok := asNameAddr[From](val)
	if !ok || hdr == nil {
		return hdr == nil && ok && other == nil
	}
	return other != nil && NameAddr(*hdr).equal(NameAddr(*other))
}

// IsValid reports whether the header carries a valid URI.
func (hdr *From) IsValid() bool { return hdr != nil && NameAddr(*hdr).isValid() }

// LogValue implements slog.LogValuer.
func (hdr *From) LogValue() slog.Value { return slog.StringValue(hdr.RenderValue()) }

// To represents the To header field.
type To NameAddr

// CanonicName returns the canonical name of the header.
func (*To) CanonicName() Name { return "To" }

// CompactName returns the compact name of the header.
func (*To) CompactName() Name { return "t" }

// RenderTo writes the header to the provided writer.
func (hdr *To) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderNamed(w, hdr, opts, NameAddr(*hdr).renderTo))
}

// Render returns the string representation of the header.
func (hdr *To) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return hdr.RenderTo(w, opts) })
}

// RenderValue returns the header value without the name prefix.
func (hdr *To) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return NameAddr(*hdr).String()
}

// String returns the string representation of the header value.
func (hdr *To) String() string { return hdr.RenderValue() }

// Format implements fmt.Formatter for custom formatting of the header.
func (hdr *To) Format(f fmt.State, verb rune) { formatNameAddr(f, verb, hdr) }

// Tag returns the tag parameter value, if present.
func (hdr *To) Tag() (string, bool) {
	if hdr == nil {
		return "", false
	}
	return NameAddr(*hdr).Tag()
}

// Clone returns a deep copy of the header.
func (hdr *To) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := To(NameAddr(*hdr).clone())
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *To) Equal(val any) bool {
	other, ok := asNameAddr[To](val)
	if !ok || hdr == nil {
		return hdr == nil && ok && other == nil
	}
	return other != nil && NameAddr(*hdr).equal(NameAddr(*other))
}

// IsValid reports whether the header carries a valid URI.
func (hdr *To) IsValid() bool { return hdr != nil && NameAddr(*hdr).isValid() }

// LogValue implements slog.LogValuer.
func (hdr *To) LogValue() slog.Value { return slog.StringValue(hdr.RenderValue()) }

// Contact represents a single Contact header field entry.
type Contact NameAddr

// CanonicName returns the canonical name of the header.
func (*Contact) CanonicName() Name { return "Contact" }

// CompactName returns the compact name of the header.
func (*Contact) CompactName() Name { return "m" }

// RenderTo writes the header to the provided writer.
func (hdr *Contact) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderNamed(w, hdr, opts, NameAddr(*hdr).renderTo))
}

// Render returns the string representation of the header.
func (hdr *Contact) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return hdr.RenderTo(w, opts) })
}

// RenderValue returns the header value without the name prefix.
func (hdr *Contact) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return NameAddr(*hdr).String()
}

// String returns the string representation of the header value.
func (hdr *Contact) String() string { return hdr.RenderValue() }

// Format implements fmt.Formatter for custom formatting of the header.
func (hdr *Contact) Format(f fmt.State, verb rune) { formatNameAddr(f, verb, hdr) }

// Expires returns the expires parameter value, if present.
func (hdr *Contact) Expires() (string, bool) {
	if hdr == nil {
		return "", false
	}
	return hdr.Params.Last("expires")
}

// Clone returns a deep copy of the header.
func (hdr *Contact) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := Contact(NameAddr(*hdr).clone())
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *Contact) Equal(val any) bool {
	other, ok := asNameAddr[Contact](val)
	if !ok || hdr == nil {
		return hdr == nil && ok && other == nil
	}
	return other != nil && NameAddr(*hdr).equal(NameAddr(*other))
}

// IsValid reports whether the header carries a valid URI.
func (hdr *Contact) IsValid() bool { return hdr != nil && NameAddr(*hdr).isValid() }

// Route represents a single Route header field entry.
type Route NameAddr

// CanonicName returns the canonical name of the header.
func (*Route) CanonicName() Name { return "Route" }

// CompactName returns the compact name of the header.
func (*Route) CompactName() Name { return "Route" }

// RenderTo writes the header to the provided writer.
func (hdr *Route) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderNamed(w, hdr, opts, NameAddr(*hdr).renderTo))
}

// Render returns the string representation of the header.
func (hdr *Route) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return hdr.RenderTo(w, opts) })
}

// RenderValue returns the header value without the name prefix.
func (hdr *Route) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return NameAddr(*hdr).String()
}

// String returns the string representation of the header value.
func (hdr *Route) String() string { return hdr.RenderValue() }

// Format implements fmt.Formatter for custom formatting of the header.
func (hdr *Route) Format(f fmt.State, verb rune) { formatNameAddr(f, verb, hdr) }

// IsLooseRouting reports whether the route URI carries the "lr" parameter.
func (hdr *Route) IsLooseRouting() bool {
	if hdr == nil {
		return false
	}
	return uri.GetParams(hdr.URI).Has("lr")
}

// Clone returns a deep copy of the header.
func (hdr *Route) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := Route(NameAddr(*hdr).clone())
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *Route) Equal(val any) bool {
	other, ok := asNameAddr[Route](val)
	if !ok || hdr == nil {
		return hdr == nil && ok && other == nil
	}
	return other != nil && NameAddr(*hdr).equal(NameAddr(*other))
}

// IsValid reports whether the header carries a valid URI.
func (hdr *Route) IsValid() bool { return hdr != nil && NameAddr(*hdr).isValid() }

// RecordRoute represents a single Record-Route header field entry.
type RecordRoute NameAddr

// CanonicName returns the canonical name of the header.
func (*RecordRoute) CanonicName() Name { return "Record-Route" }

// CompactName returns the compact name of the header.
func (*RecordRoute) CompactName() Name { return "Record-Route" }

// RenderTo writes the header to the provided writer.
func (hdr *RecordRoute) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderNamed(w, hdr, opts, NameAddr(*hdr).renderTo))
}

// Render returns the string representation of the header.
func (hdr *RecordRoute) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderToString(func(w io.Writer) (int, error) { return hdr.RenderTo(w, opts) })
}

// RenderValue returns the header value without the name prefix.
func (hdr *RecordRoute) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return NameAddr(*hdr).String()
}

// String returns the string representation of the header value.
func (hdr *RecordRoute) String() string { return hdr.RenderValue() }

// Format implements fmt.Formatter for custom formatting of the header.
func (hdr *RecordRoute) Format(f fmt.State, verb rune) { formatNameAddr(f, verb, hdr) }

// AsRoute converts the Record-Route entry to a Route entry.
func (hdr *RecordRoute) AsRoute() *Route {
	if hdr == nil {
		return nil
	}
	r := Route(NameAddr(*hdr).clone())
	return &r
}

// Clone returns a deep copy of the header.
func (hdr *RecordRoute) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := RecordRoute(NameAddr(*hdr).clone())
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *RecordRoute) Equal(val any) bool {
	other, ok := asNameAddr[RecordRoute](val)
	if !ok || hdr == nil {
		return hdr == nil && ok && other == nil
	}
	return other != nil && NameAddr(*hdr).equal(NameAddr(*other))
}

// IsValid reports whether the header carries a valid URI.
func (hdr *RecordRoute) IsValid() bool { return hdr != nil && NameAddr(*hdr).isValid() }

func asNameAddr[T any](val any) (*T, bool) {
	switch v := val.(type) {
	case T:
		return &v, true
	case *T:
		return v, true
	default:
		return nil, false
	}
}

func formatNameAddr(f fmt.State, verb rune, hdr interface {
	Header
	fmt.Stringer
}) {
	switch verb {
	case 's':
		if f.Flag('+') {
			hdr.RenderTo(f, nil) //nolint:errcheck
			return
		}
		fmt.Fprint(f, hdr.String())
		return
	case 'q':
		fmt.Fprintf(f, "%q", hdr.String())
		return
	default:
		fmt.Fprint(f, hdr.String())
		return
	}
}
