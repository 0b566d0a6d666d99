package sip

import (
	"io"
	"iter"
	"slices"

	"braces.dev/errtrace"

	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/internal/errorutil"
	"github.com/voicegrid/sipcore/internal/ioutil"
	"github.com/voicegrid/sipcore/internal/types"
)

// Headers is a collection of SIP message headers keyed by canonical name.
// Multiple headers of the same name keep their relative order.
type Headers map[HeaderName][]Header

// Get returns all headers with the given name.
func (hdrs Headers) Get(name HeaderName) []Header {
	return hdrs[name.ToCanonic()]
}

// First returns the first header with the given name.
func (hdrs Headers) First(name HeaderName) (Header, bool) {
	hs := hdrs.Get(name)
	if len(hs) == 0 {
		return nil, false
	}
	return hs[0], true
}

// Has reports whether at least one header with the given name is present.
func (hdrs Headers) Has(name HeaderName) bool {
	return len(hdrs.Get(name)) > 0
}

// Append adds the header to the end of the list of headers with the same name.
func (hdrs Headers) Append(hdr Header) Headers {
	if hdr == nil {
		return hdrs
	}
	name := hdr.CanonicName()
	hdrs[name] = append(hdrs[name], hdr)
	return hdrs
}

// Set replaces all headers with the same name by the given header.
func (hdrs Headers) Set(hdr Header) Headers {
	if hdr == nil {
		return hdrs
	}
	hdrs[hdr.CanonicName()] = []Header{hdr}
	return hdrs
}

// Del removes all headers with the given name.
func (hdrs Headers) Del(name HeaderName) Headers {
	delete(hdrs, name.ToCanonic())
	return hdrs
}

// Clone returns a deep copy of the headers.
func (hdrs Headers) Clone() Headers {
	if hdrs == nil {
		return nil
	}
	hdrs2 := make(Headers, len(hdrs))
	for name, hs := range hdrs {
		hs2 := make([]Header, len(hs))
		for i := range hs {
			hs2[i] = hs[i].Clone()
		}
		hdrs2[name] = hs2
	}
	return hdrs2
}

// CopyFrom copies clones of the named headers from other into hdrs.
func (hdrs Headers) CopyFrom(other Headers, name HeaderName, names ...HeaderName) Headers {
	for _, n := range append([]HeaderName{name}, names...) {
		for _, h := range other.Get(n) {
			hdrs.Append(h.Clone())
		}
	}
	return hdrs
}

// Via returns an iterator over all hops of all Via headers, topmost first.
func (hdrs Headers) Via() iter.Seq[header.ViaHop] {
	return func(yield func(header.ViaHop) bool) {
		for _, h := range hdrs.Get("Via") {
			via, ok := h.(header.Via)
			if !ok {
				continue
			}
			for i := range via {
				if !yield(via[i]) {
					return
				}
			}
		}
	}
}

// TopVia returns the topmost Via hop.
func (hdrs Headers) TopVia() (header.ViaHop, bool) {
	for hop := range hdrs.Via() {
		return hop, true
	}
	return header.ViaHop{}, false
}

// From returns the From header.
func (hdrs Headers) From() (*header.From, bool) {
	return firstHdrAs[*header.From](hdrs, "From")
}

// To returns the To header.
func (hdrs Headers) To() (*header.To, bool) {
	return firstHdrAs[*header.To](hdrs, "To")
}

// Contact returns the first Contact header.
func (hdrs Headers) Contact() (*header.Contact, bool) {
	return firstHdrAs[*header.Contact](hdrs, "Contact")
}

// CallID returns the Call-ID header.
func (hdrs Headers) CallID() (header.CallID, bool) {
	return firstHdrAs[header.CallID](hdrs, "Call-ID")
}

// CSeq returns the CSeq header.
func (hdrs Headers) CSeq() (*header.CSeq, bool) {
	return firstHdrAs[*header.CSeq](hdrs, "CSeq")
}

// MaxForwards returns the Max-Forwards header.
func (hdrs Headers) MaxForwards() (header.MaxForwards, bool) {
	return firstHdrAs[header.MaxForwards](hdrs, "Max-Forwards")
}

// Expires returns the Expires header.
func (hdrs Headers) Expires() (*header.Expires, bool) {
	return firstHdrAs[*header.Expires](hdrs, "Expires")
}

// ContentLength returns the Content-Length header.
func (hdrs Headers) ContentLength() (header.ContentLength, bool) {
	return firstHdrAs[header.ContentLength](hdrs, "Content-Length")
}

// Routes returns an iterator over all Route header entries in order.
func (hdrs Headers) Routes() iter.Seq[*header.Route] {
	return hdrSeq[*header.Route](hdrs, "Route")
}

// RecordRoutes returns an iterator over all Record-Route header entries in order.
func (hdrs Headers) RecordRoutes() iter.Seq[*header.RecordRoute] {
	return hdrSeq[*header.RecordRoute](hdrs, "Record-Route")
}

// WWWAuthenticate returns the first WWW-Authenticate header.
func (hdrs Headers) WWWAuthenticate() (*header.WWWAuthenticate, bool) {
	return firstHdrAs[*header.WWWAuthenticate](hdrs, "WWW-Authenticate")
}

// ProxyAuthenticate returns the first Proxy-Authenticate header.
func (hdrs Headers) ProxyAuthenticate() (*header.ProxyAuthenticate, bool) {
	return firstHdrAs[*header.ProxyAuthenticate](hdrs, "Proxy-Authenticate")
}

// Authorization returns the first Authorization header.
func (hdrs Headers) Authorization() (*header.Authorization, bool) {
	return firstHdrAs[*header.Authorization](hdrs, "Authorization")
}

// ProxyAuthorization returns the first Proxy-Authorization header.
func (hdrs Headers) ProxyAuthorization() (*header.ProxyAuthorization, bool) {
	return firstHdrAs[*header.ProxyAuthorization](hdrs, "Proxy-Authorization")
}

func firstHdrAs[T Header](hdrs Headers, name HeaderName) (T, bool) {
	var zero T
	h, ok := hdrs.First(name)
	if !ok {
		return zero, false
	}
	t, ok := h.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

func hdrSeq[T Header](hdrs Headers, name HeaderName) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, h := range hdrs.Get(name) {
			t, ok := h.(T)
			if !ok {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

// hdrRenderOrder fixes the render position of well known headers.
// Unlisted headers follow in lexicographic order, Content-Length always last.
var hdrRenderOrder = map[HeaderName]int{
	"Via":            0,
	"Record-Route":   1,
	"Route":          2,
	"Max-Forwards":   3,
	"From":           4,
	"To":             5,
	"Call-ID":        6,
	"CSeq":           7,
	"Contact":        8,
	"Expires":        9,
	"Content-Length": 1 << 10,
}

func renderHdrs(w io.Writer, hdrs Headers, opts *RenderOptions) (num int, err error) {
	names := make([]HeaderName, 0, len(hdrs))
	for name := range hdrs {
		names = append(names, name)
	}
	slices.SortFunc(names, func(n1, n2 HeaderName) int {
		o1, ok1 := hdrRenderOrder[n1]
		o2, ok2 := hdrRenderOrder[n2]
		switch {
		case ok1 && ok2:
			return o1 - o2
		case ok1:
			return -1
		case ok2:
			return 1
		case n1 < n2:
			return -1
		case n1 > n2:
			return 1
		}
		return 0
	})

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	for _, name := range names {
		for _, h := range hdrs[name] {
			cw.Call(func(w io.Writer) (int, error) {
				return errtrace.Wrap2(h.RenderTo(w, opts))
			})
			cw.Fprint("\r\n")
		}
	}
	return errtrace.Wrap2(cw.Result())
}

func compareHdrs(hdrs1, hdrs2 Headers) bool {
	if len(hdrs1) != len(hdrs2) {
		return false
	}
	for name, hs1 := range hdrs1 {
		hs2 := hdrs2.Get(name)
		if !slices.EqualFunc(hs1, hs2, func(h1, h2 Header) bool { return types.IsEqual(h1, h2) }) {
			return false
		}
	}
	return true
}

func validateHdrs(hdrs Headers) error {
	var errs []error
	for name, hs := range hdrs {
		for _, h := range hs {
			if !types.IsValid(h) {
				errs = append(errs, errorutil.Errorf("invalid %q header: %q", name, h.RenderValue()))
			}
		}
	}
	return errorutil.Join(errs...) //errtrace:skip
}
