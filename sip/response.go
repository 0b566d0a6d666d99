package sip

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"braces.dev/errtrace"

	"github.com/voicegrid/sipcore/internal/errorutil"
	"github.com/voicegrid/sipcore/internal/ioutil"
	"github.com/voicegrid/sipcore/internal/types"
	"github.com/voicegrid/sipcore/internal/util"
)

// ResponseStatus represents a SIP response status code.
// See [types.ResponseStatus].
type ResponseStatus = types.ResponseStatus

// ResponseReason represents a SIP response reason phrase.
// See [types.ResponseReason].
type ResponseReason = types.ResponseReason

// Response status constants.
// See [types.ResponseStatus].
const (
	ResponseStatusTrying                      = types.ResponseStatusTrying
	ResponseStatusRinging                     = types.ResponseStatusRinging
	ResponseStatusSessionProgress             = types.ResponseStatusSessionProgress
	ResponseStatusOK                          = types.ResponseStatusOK
	ResponseStatusAccepted                    = types.ResponseStatusAccepted
	ResponseStatusBadRequest                  = types.ResponseStatusBadRequest
	ResponseStatusUnauthorized                = types.ResponseStatusUnauthorized
	ResponseStatusForbidden                   = types.ResponseStatusForbidden
	ResponseStatusNotFound                    = types.ResponseStatusNotFound
	ResponseStatusMethodNotAllowed            = types.ResponseStatusMethodNotAllowed
	ResponseStatusProxyAuthenticationRequired = types.ResponseStatusProxyAuthenticationRequired
	ResponseStatusRequestTimeout              = types.ResponseStatusRequestTimeout
	ResponseStatusCallTransactionDoesNotExist = types.ResponseStatusCallTransactionDoesNotExist
	ResponseStatusBusyHere                    = types.ResponseStatusBusyHere
	ResponseStatusRequestTerminated           = types.ResponseStatusRequestTerminated
	ResponseStatusServerInternalError         = types.ResponseStatusServerInternalError
	ResponseStatusNotImplemented              = types.ResponseStatusNotImplemented
	ResponseStatusServiceUnavailable          = types.ResponseStatusServiceUnavailable
	ResponseStatusBusyEverywhere              = types.ResponseStatusBusyEverywhere
	ResponseStatusDecline                     = types.ResponseStatusDecline
)

// Response represents a SIP response message.
type Response struct {
	Status  ResponseStatus
	Reason  ResponseReason
	Proto   ProtoInfo
	Headers Headers
	Body    []byte
}

// IsProvisional returns whether the response status is 1xx.
func (res *Response) IsProvisional() bool { return res != nil && res.Status.IsProvisional() }

// IsSuccessful returns whether the response status is 2xx.
func (res *Response) IsSuccessful() bool { return res != nil && res.Status.IsSuccessful() }

// IsFinal returns whether the response status is final (>= 200).
func (res *Response) IsFinal() bool { return res != nil && res.Status.IsFinal() }

func (res *Response) reason() ResponseReason {
	if res.Reason != "" {
		return res.Reason
	}
	return res.Status.Reason()
}

// RenderTo renders the SIP response to the given writer.
func (res *Response) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if res == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Call(func(w io.Writer) (int, error) {
		return errtrace.Wrap2(res.renderStartLine(w))
	})
	cw.Fprint("\r\n")
	cw.Call(func(w io.Writer) (int, error) {
		return errtrace.Wrap2(renderHdrs(w, res.Headers, opts))
	})
	cw.Fprint("\r\n")
	cw.Write(res.Body)
	return errtrace.Wrap2(cw.Result())
}

func (res *Response) renderStartLine(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, res.Proto, " ", uint(res.Status), " ", res.reason()))
}

// Render renders the SIP response to a string.
func (res *Response) Render(opts *RenderOptions) string {
	if res == nil {
		return ""
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	res.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns a short string representation of the response.
func (res *Response) String() string {
	if res == nil {
		return "<nil>"
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	res.renderStartLine(sb) //nolint:errcheck
	return sb.String()
}

// Format implements [fmt.Formatter] for custom formatting.
func (res *Response) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		if f.Flag('+') {
			res.RenderTo(f, nil) //nolint:errcheck
			return
		}
		f.Write([]byte(res.String()))
		return
	case 'q':
		if f.Flag('+') {
			fmt.Fprint(f, strconv.Quote(res.Render(nil)))
			return
		}
		f.Write([]byte(strconv.Quote(res.String())))
		return
	default:
		type hideMethods Response
		type Response hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*Response)(res))
		return
	}
}

// LogValue implements [slog.LogValuer] for structured logging.
func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}

	attrs := make([]slog.Attr, 0, 7)
	attrs = append(attrs, slog.Uint64("status", uint64(res.Status)), slog.String("reason", string(res.reason())))
	if hop, ok := res.Headers.TopVia(); ok {
		attrs = append(attrs, slog.Any("Via", hop))
	}
	if from, ok := res.Headers.From(); ok {
		attrs = append(attrs, slog.Any("From", from))
	}
	if to, ok := res.Headers.To(); ok {
		attrs = append(attrs, slog.Any("To", to))
	}
	if callID, ok := res.Headers.CallID(); ok {
		attrs = append(attrs, slog.Any("Call-ID", callID))
	}
	if cseq, ok := res.Headers.CSeq(); ok {
		attrs = append(attrs, slog.Any("CSeq", cseq))
	}

	return slog.GroupValue(attrs...)
}

// Clone returns a deep copy of the response.
func (res *Response) Clone() Message {
	if res == nil {
		return nil
	}

	res2 := *res
	res2.Headers = res.Headers.Clone()
	res2.Body = slices.Clone(res.Body)
	return &res2
}

// Equal returns whether the response is equal to another value.
func (res *Response) Equal(val any) bool {
	var other *Response
	switch v := val.(type) {
	case Response:
		other = &v
	case *Response:
		other = v
	default:
		return false
	}

	if res == other {
		return true
	} else if res == nil || other == nil {
		return false
	}

	return res.Status == other.Status &&
		res.Proto.Equal(other.Proto) &&
		compareHdrs(res.Headers, other.Headers) &&
		slices.Equal(res.Body, other.Body)
}

// IsValid returns whether the response is valid.
func (res *Response) IsValid() bool {
	return res.Validate() == nil
}

var resMandatoryHdrs = map[HeaderName]bool{
	"Via":     true,
	"From":    true,
	"To":      true,
	"Call-ID": true,
	"CSeq":    true,
}

// Validate validates the response and returns an error if invalid.
func (res *Response) Validate() error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	errs := make([]error, 0, 10)

	if res.Status < 100 || res.Status > 699 {
		errs = append(errs, errorutil.Errorf("invalid status %d", uint(res.Status)))
	}
	if !res.Proto.IsValid() {
		errs = append(errs, errorutil.Errorf("invalid protocol %q", res.Proto))
	}
	if err := validateHdrs(res.Headers); err != nil {
		errs = append(errs, err)
	}
	for n := range resMandatoryHdrs {
		if !res.Headers.Has(n) {
			errs = append(errs, newMissHdrErr(n))
		}
	}

	if len(errs) > 0 {
		return errtrace.Wrap(NewInvalidMessageError(errorutil.Join(errs...)))
	}
	return nil
}

// InboundResponse is an envelope around a response received from a transport.
type InboundResponse struct {
	inboundMessage[*Response]
}

// NewInboundResponse wraps a received response with its local and remote addresses.
func NewInboundResponse(res *Response, laddr, raddr netip.AddrPort) *InboundResponse {
	return &InboundResponse{
		inboundMessage[*Response]{
			message[*Response]{
				msg:     res,
				msgTime: time.Now(),
				locAddr: laddr,
				rmtAddr: raddr,
				data:    new(MessageMetadata),
			},
		},
	}
}

// Status returns the response status.
func (r *InboundResponse) Status() ResponseStatus {
	if r == nil {
		return 0
	}
	return r.msg.Status
}

// Headers returns the headers of the wrapped response.
func (r *InboundResponse) Headers() Headers {
	if r == nil {
		return nil
	}
	return r.msg.Headers
}

// RenderTo renders the response to the given writer.
func (r *InboundResponse) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if r == nil {
		return 0, nil
	}
	return errtrace.Wrap2(r.msg.RenderTo(w, opts))
}

// Render renders the response to a string.
func (r *InboundResponse) Render(opts *RenderOptions) string {
	if r == nil {
		return ""
	}
	return r.msg.Render(opts)
}

// String returns a short string representation of the response.
func (r *InboundResponse) String() string {
	if r == nil {
		return "<nil>"
	}
	return r.msg.String()
}

// Format implements [fmt.Formatter] for custom formatting.
func (r *InboundResponse) Format(f fmt.State, verb rune) {
	if r == nil {
		f.Write([]byte("<nil>"))
		return
	}
	r.msg.Format(f, verb)
}

// LogValue implements [slog.LogValuer] for structured logging.
func (r *InboundResponse) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return r.msg.LogValue()
}

// Clone returns a deep copy of the envelope.
func (r *InboundResponse) Clone() Message {
	if r == nil {
		return nil
	}
	return &InboundResponse{
		inboundMessage[*Response]{
			message[*Response]{
				msg:     r.msg.Clone().(*Response), //nolint:forcetypeassert
				msgTime: time.Now(),
				locAddr: r.locAddr,
				rmtAddr: r.rmtAddr,
				data:    r.data.Clone(),
			},
		},
	}
}

// Equal returns whether the envelope wraps an equal response.
func (r *InboundResponse) Equal(v any) bool {
	if r == nil {
		return v == nil
	}
	if other, ok := v.(*InboundResponse); ok {
		return r.msg.Equal(other.msg)
	}
	return false
}

// IsValid returns whether the wrapped response is valid.
func (r *InboundResponse) IsValid() bool {
	if r == nil {
		return false
	}
	return r.msg.IsValid()
}

// Validate validates the wrapped response.
func (r *InboundResponse) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	return errtrace.Wrap(r.msg.Validate())
}

// OutboundResponse is an envelope around a response to be sent via a transport.
type OutboundResponse struct {
	outboundMessage[*Response]
}

// NewOutboundResponse wraps a response to be sent.
func NewOutboundResponse(res *Response) *OutboundResponse {
	return &OutboundResponse{
		outboundMessage[*Response]{
			message: message[*Response]{
				msg:     res,
				msgTime: time.Now(),
				data:    new(MessageMetadata),
			},
		},
	}
}

// Status returns the response status.
func (r *OutboundResponse) Status() ResponseStatus {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.Status
}

// Headers returns the headers of the wrapped response.
// The caller must not mutate them concurrently with sends.
func (r *OutboundResponse) Headers() Headers {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.Headers
}

// RenderTo renders the response to the given writer.
func (r *OutboundResponse) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if r == nil {
		return 0, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return errtrace.Wrap2(r.msg.RenderTo(w, opts))
}

// Render renders the response to a string.
func (r *OutboundResponse) Render(opts *RenderOptions) string {
	if r == nil {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.Render(opts)
}

// String returns a short string representation of the response.
func (r *OutboundResponse) String() string {
	if r == nil {
		return "<nil>"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.String()
}

// Format implements [fmt.Formatter] for custom formatting.
func (r *OutboundResponse) Format(f fmt.State, verb rune) {
	if r == nil {
		f.Write([]byte("<nil>"))
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	r.msg.Format(f, verb)
}

// LogValue implements [slog.LogValuer] for structured logging.
func (r *OutboundResponse) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.LogValue()
}

// Clone returns a deep copy of the envelope.
func (r *OutboundResponse) Clone() Message {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return &OutboundResponse{
		outboundMessage[*Response]{
			message: message[*Response]{
				msg:     r.msg.Clone().(*Response), //nolint:forcetypeassert
				msgTime: time.Now(),
				locAddr: r.locAddr,
				rmtAddr: r.rmtAddr,
				data:    r.data.Clone(),
			},
		},
	}
}

// Equal returns whether the envelope wraps an equal response.
func (r *OutboundResponse) Equal(v any) bool {
	if r == nil {
		return v == nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if other, ok := v.(*OutboundResponse); ok {
		return r.msg.Equal(other.msg)
	}
	return false
}

// IsValid returns whether the wrapped response is valid.
func (r *OutboundResponse) IsValid() bool {
	if r == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.msg.IsValid()
}

// Validate validates the wrapped response.
func (r *OutboundResponse) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return errtrace.Wrap(r.msg.Validate())
}
