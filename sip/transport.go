package sip

//go:generate go tool mockgen -destination=../internal/testutil/sipmock/resolver_mock.go -package=sipmock github.com/voicegrid/sipcore/sip DNSResolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/voicegrid/sipcore/dns"
	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/internal/log"
	"github.com/voicegrid/sipcore/internal/types"
	"github.com/voicegrid/sipcore/internal/util"
)

// TransportProto is a transport protocol.
type TransportProto = types.TransportProto

// Transport protocol constants.
// See [types.TransportProto].
const (
	TransportProtoUDP  = types.TransportProtoUDP
	TransportProtoTCP  = types.TransportProtoTCP
	TransportProtoTLS  = types.TransportProtoTLS
	TransportProtoSCTP = types.TransportProtoSCTP
	TransportProtoWS   = types.TransportProtoWS
	TransportProtoWSS  = types.TransportProtoWSS
)

const msgSendTimeout = time.Minute

var zeroAddrPort netip.AddrPort

// ClientTransport represents a client transport.
// It is used to send requests and receive responses.
type ClientTransport interface {
	// SendRequest sends a request to the remote address.
	SendRequest(ctx context.Context, req *OutboundRequest, opts *SendRequestOptions) error
	// OnResponse registers a response callback.
	OnResponse(fn TransportResponseHandler) (cancel func())
}

// SendRequestOptions are options for sending a request.
type SendRequestOptions struct {
	// Timeout is the timeout for the request sending process.
	// If zero, the default timeout 1m is used.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RenderCompact indicates whether the message should be rendered in compact form.
	RenderCompact bool `json:"render_compact,omitempty"`
}

func (o *SendRequestOptions) timeout() time.Duration {
	if o == nil || o.Timeout == 0 {
		return msgSendTimeout
	}
	return o.Timeout
}

func (o *SendRequestOptions) rendOpts() *RenderOptions {
	if o == nil {
		return nil
	}
	return &RenderOptions{Compact: o.RenderCompact}
}

// TransportResponseHandler handles responses received by a client transport.
type TransportResponseHandler = func(ctx context.Context, tp ClientTransport, res *InboundResponse)

const clnTranspCtxKey types.ContextKey = "client_transport"

// NewContextWithClientTransport returns a context carrying the [ClientTransport].
func NewContextWithClientTransport(ctx context.Context, tp ClientTransport) context.Context {
	return context.WithValue(ctx, clnTranspCtxKey, tp)
}

// ClientTransportFromContext returns the [ClientTransport] from the given context.
func ClientTransportFromContext(ctx context.Context) (ClientTransport, bool) {
	tp, ok := ctx.Value(clnTranspCtxKey).(ClientTransport)
	return tp, ok
}

// ServerTransport represents a server transport.
// It is used to receive requests and send responses.
type ServerTransport interface {
	// SendResponse sends a response to the remote address resolved with steps
	// defined in RFC 3261 Section 18.2.2 and RFC 3263 Section 5.
	SendResponse(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error
	// OnRequest registers a request callback.
	OnRequest(fn TransportRequestHandler) (cancel func())
}

// SendResponseOptions are options for sending a response.
type SendResponseOptions struct {
	// Timeout is the timeout for the response sending process.
	// If zero, the default timeout 1m is used.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RenderCompact indicates whether the message should be rendered in compact form.
	RenderCompact bool `json:"render_compact,omitempty"`
}

func (o *SendResponseOptions) timeout() time.Duration {
	if o == nil || o.Timeout == 0 {
		return msgSendTimeout
	}
	return o.Timeout
}

func (o *SendResponseOptions) rendOpts() *RenderOptions {
	if o == nil {
		return nil
	}
	return &RenderOptions{Compact: o.RenderCompact}
}

// TransportRequestHandler handles requests received by a server transport.
type TransportRequestHandler = func(ctx context.Context, tp ServerTransport, req *InboundRequest)

const srvTranspCtxKey types.ContextKey = "server_transport"

// NewContextWithServerTransport returns a context carrying the [ServerTransport].
func NewContextWithServerTransport(ctx context.Context, tp ServerTransport) context.Context {
	return context.WithValue(ctx, srvTranspCtxKey, tp)
}

// ServerTransportFromContext returns the [ServerTransport] from the given context.
func ServerTransportFromContext(ctx context.Context) (ServerTransport, bool) {
	tp, ok := ctx.Value(srvTranspCtxKey).(ServerTransport)
	return tp, ok
}

// Transport represents a combination of client and server transports.
type Transport interface {
	ClientTransport
	ServerTransport
	// Serve starts the transport read loop and blocks until the transport is closed.
	Serve() error
	// Close closes the transport.
	Close() error
}

// DNSResolver is used to resolve message destination addresses.
type DNSResolver interface {
	// LookupIP looks up the IP address for the given host.
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	// LookupSRV looks up the SRV record for the given service and protocol.
	LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error)
	// LookupNAPTR looks up the NAPTR record for the given host.
	LookupNAPTR(ctx context.Context, host string) ([]*dns.NAPTR, error)
}

// GetTransportProto probes the transport for its protocol.
func GetTransportProto(tp any) (TransportProto, bool) {
	if v, ok := tp.(interface{ Proto() TransportProto }); ok {
		return v.Proto(), true
	}
	return "", false
}

// GetTransportNetwork probes the transport for its network name ("udp", "tcp").
func GetTransportNetwork(tp any) (string, bool) {
	if v, ok := tp.(interface{ Network() string }); ok {
		return v.Network(), true
	}
	return "", false
}

// GetTransportLocalAddr probes the transport for its local address.
func GetTransportLocalAddr(tp any) (netip.AddrPort, bool) {
	if v, ok := tp.(interface{ LocalAddr() netip.AddrPort }); ok {
		return v.LocalAddr(), true
	}
	return zeroAddrPort, false
}

// IsReliableTransport reports whether the transport declares itself reliable.
// Transports that do not answer the probe are treated as unreliable.
func IsReliableTransport(tp any) bool {
	if v, ok := tp.(interface{ Reliable() bool }); ok {
		return v.Reliable()
	}
	return false
}

// IsSecuredTransport reports whether the transport declares itself secured.
func IsSecuredTransport(tp any) bool {
	if v, ok := tp.(interface{ Secured() bool }); ok {
		return v.Secured()
	}
	return false
}

// GetTransportDefaultPort probes the transport for its default port.
func GetTransportDefaultPort(tp any) (uint16, bool) {
	if v, ok := tp.(interface{ DefaultPort() uint16 }); ok {
		return v.DefaultPort(), true
	}
	return 0, false
}

// TransportMetadata is a snapshot of the transport probes.
type TransportMetadata struct {
	Proto       TransportProto
	Network     string
	Reliable    bool
	Secured     bool
	DefaultPort uint16
}

// GetTransportMetadata collects all transport probes into a snapshot.
func GetTransportMetadata(tp any) TransportMetadata {
	md := TransportMetadata{
		Reliable: IsReliableTransport(tp),
		Secured:  IsSecuredTransport(tp),
	}
	md.Proto, _ = GetTransportProto(tp)
	md.Network, _ = GetTransportNetwork(tp)
	md.DefaultPort, _ = GetTransportDefaultPort(tp)
	return md
}

func respondStateless(ctx context.Context, tp ServerTransport, req *InboundRequest, sts ResponseStatus) {
	logger := log.FromContext(ctx)
	if tp == nil {
		logger.LogAttrs(ctx, slog.LevelError, "silently discard inbound request due to missing transport",
			slog.Any("request", req),
		)
		return
	}
	if req.Method().Equal(RequestMethodAck) {
		logger.LogAttrs(ctx, slog.LevelDebug, "silently discard inbound ACK request", slog.Any("request", req))
		return
	}

	var hdrs Headers
	if sts == ResponseStatusServerInternalError || sts == ResponseStatusServiceUnavailable {
		hdrs = make(Headers).Append(&header.Any{Name: "Retry-After", Value: "60"})
	}
	res, err := req.NewResponse(sts, &ResponseOptions{
		Headers:  hdrs,
		LocalTag: stableStatelessToTag(req),
	})
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelError, "failed to build response on inbound request",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		return
	}

	if err := tp.SendResponse(ctx, res, nil); err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			logger.LogAttrs(ctx, slog.LevelDebug, "silently discard inbound request due to invalid response",
				slog.Any("request", req),
				slog.Any("response", res),
				slog.Any("error", err),
			)
			return
		}

		logger.LogAttrs(ctx, slog.LevelError, "failed to respond on inbound request",
			slog.Any("request", req),
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return
	}
}

// stableStatelessToTag derives a deterministic To tag from the request so
// that retransmits of the same request get the same tag in stateless replies.
func stableStatelessToTag(req *InboundRequest) string {
	if req == nil {
		return ""
	}

	hdrs := req.Headers()
	if hdrs == nil {
		return ""
	}

	var reqURI string
	if u := req.URI(); u != nil {
		reqURI = util.LCase(u.Render(nil))
	}

	var topVia string
	if hop, ok := hdrs.TopVia(); ok {
		topVia = util.LCase(hop.String())
	}

	callID, _ := hdrs.CallID()

	var fromTag string
	if from, ok := hdrs.From(); ok && from != nil {
		if t, ok := from.Tag(); ok {
			fromTag = t
		}
	}

	var cseqNum uint
	var cseqMethod RequestMethod
	if cseq, ok := hdrs.CSeq(); ok && cseq != nil {
		cseqNum = cseq.SeqNum
		cseqMethod = util.UCase(cseq.Method)
	}

	key := make([]byte, 0, 96)
	key = append(key, "uri="...)
	key = append(key, reqURI...)
	key = append(key, "|via="...)
	key = append(key, topVia...)
	key = append(key, "|callid="...)
	key = append(key, callID...)
	key = append(key, "|fromtag="...)
	key = append(key, fromTag...)
	key = append(key, "|cseq="...)
	key = strconv.AppendUint(key, uint64(cseqNum), 10)
	key = append(key, "|cseqm="...)
	key = append(key, cseqMethod...)

	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
