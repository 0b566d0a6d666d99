package sip_test

import (
	"iter"
	"net"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/mock/gomock"

	"github.com/voicegrid/sipcore/dns"
	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/internal/testutil/sipmock"
	"github.com/voicegrid/sipcore/sip"
	"github.com/voicegrid/sipcore/uri"
)

func testTransportMetas() map[sip.TransportProto]sip.TransportMetadata {
	return map[sip.TransportProto]sip.TransportMetadata{
		sip.TransportProtoUDP: {Proto: sip.TransportProtoUDP, Network: "udp", DefaultPort: 5060},
		sip.TransportProtoTCP: {Proto: sip.TransportProtoTCP, Network: "tcp", Reliable: true, DefaultPort: 5060},
	}
}

func collectAddrs(seq iter.Seq2[sip.TransportProto, netip.AddrPort]) []string {
	var got []string
	for proto, addr := range seq {
		got = append(got, string(proto)+" "+addr.String())
	}
	return got
}

func notFoundErr(host string) error {
	return &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestRequestAddrs_NumericHost(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	rslvr := sipmock.NewMockDNSResolver(ctrl)

	// no port: the default port of the preferred transport
	got := collectAddrs(sip.RequestAddrs(t.Context(),
		&uri.SIP{Addr: uri.Host("55.55.55.55")}, testTransportMetas(), rslvr))
	if diff := cmp.Diff([]string{"UDP 55.55.55.55:5060"}, got); diff != "" {
		t.Fatalf("RequestAddrs() mismatch (-want +got):\n%s", diff)
	}

	// an explicit port sticks
	got = collectAddrs(sip.RequestAddrs(t.Context(),
		&uri.SIP{Addr: uri.HostPort("55.55.55.55", 5080)}, testTransportMetas(), rslvr))
	if diff := cmp.Diff([]string{"UDP 55.55.55.55:5080"}, got); diff != "" {
		t.Fatalf("RequestAddrs() mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestAddrs_TransportParam(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	rslvr := sipmock.NewMockDNSResolver(ctrl)

	// the transport parameter pins TCP, SRV picks the hosts ordered by
	// priority
	rslvr.EXPECT().LookupSRV(gomock.Any(), "sip", "tcp", "voip.com").Return([]*dns.SRV{
		{Target: "srv2.voip.com", Port: 5061, Priority: 20},
		{Target: "srv1.voip.com", Port: 5062, Priority: 10},
	}, nil)
	rslvr.EXPECT().LookupIP(gomock.Any(), "ip", "srv1.voip.com").Return([]net.IP{net.IPv4(10, 0, 0, 1)}, nil)
	rslvr.EXPECT().LookupIP(gomock.Any(), "ip", "srv2.voip.com").Return([]net.IP{net.IPv4(10, 0, 0, 2)}, nil)

	u := &uri.SIP{
		Addr:   uri.Host("voip.com"),
		Params: make(uri.Values).Set("transport", "tcp"),
	}
	got := collectAddrs(sip.RequestAddrs(t.Context(), u, testTransportMetas(), rslvr))
	want := []string{"TCP 10.0.0.1:5062", "TCP 10.0.0.2:5061"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("RequestAddrs() mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestAddrs_MAddrOverride(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	rslvr := sipmock.NewMockDNSResolver(ctrl)

	u := &uri.SIP{
		Addr:   uri.Host("voip.com"),
		Params: make(uri.Values).Set("maddr", "224.0.1.75"),
	}
	got := collectAddrs(sip.RequestAddrs(t.Context(), u, testTransportMetas(), rslvr))
	if diff := cmp.Diff([]string{"UDP 224.0.1.75:5060"}, got); diff != "" {
		t.Fatalf("RequestAddrs() mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestAddrs_NAPTR(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	rslvr := sipmock.NewMockDNSResolver(ctrl)

	rslvr.EXPECT().LookupNAPTR(gomock.Any(), "voip.com").Return([]*dns.NAPTR{
		{Order: 10, Preference: 10, Flags: "s", Service: "SIP+D2T", Replacement: "_sip._tcp.voip.com"},
	}, nil)
	rslvr.EXPECT().LookupSRV(gomock.Any(), "", "", "_sip._tcp.voip.com").Return([]*dns.SRV{
		{Target: "srv1.voip.com", Port: 5060, Priority: 10},
	}, nil)
	rslvr.EXPECT().LookupIP(gomock.Any(), "ip", "srv1.voip.com").Return([]net.IP{net.IPv4(10, 0, 0, 1)}, nil)

	got := collectAddrs(sip.RequestAddrs(t.Context(),
		&uri.SIP{Addr: uri.Host("voip.com")}, testTransportMetas(), rslvr))
	if diff := cmp.Diff([]string{"TCP 10.0.0.1:5060"}, got); diff != "" {
		t.Fatalf("RequestAddrs() mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestAddrs_Fallback(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	rslvr := sipmock.NewMockDNSResolver(ctrl)

	// no NAPTR, no SRV: bare A/AAAA on the preferred transport
	rslvr.EXPECT().LookupNAPTR(gomock.Any(), "voip.com").Return(nil, notFoundErr("voip.com"))
	rslvr.EXPECT().LookupSRV(gomock.Any(), "sip", "udp", "voip.com").Return(nil, notFoundErr("voip.com"))
	rslvr.EXPECT().LookupSRV(gomock.Any(), "sip", "tcp", "voip.com").Return(nil, notFoundErr("voip.com"))
	rslvr.EXPECT().LookupIP(gomock.Any(), "ip", "voip.com").Return([]net.IP{net.IPv4(10, 0, 0, 9)}, nil)

	got := collectAddrs(sip.RequestAddrs(t.Context(),
		&uri.SIP{Addr: uri.Host("voip.com")}, testTransportMetas(), rslvr))
	if diff := cmp.Diff([]string{"UDP 10.0.0.9:5060"}, got); diff != "" {
		t.Fatalf("RequestAddrs() mismatch (-want +got):\n%s", diff)
	}
}

func TestResponseAddrs_ReceivedRPort(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	rslvr := sipmock.NewMockDNSResolver(ctrl)

	meta := sip.TransportMetadata{Proto: sip.TransportProtoUDP, Network: "udp", DefaultPort: 5060}
	via := header.ViaHop{
		Proto:     sip.ProtoVer20,
		Transport: sip.TransportProtoUDP,
		Addr:      header.HostPort("bob.voip.com", 5060),
		Params: make(header.Values).
			Set("received", "55.55.55.1").
			Set("rport", "5077"),
	}

	rslvr.EXPECT().LookupIP(gomock.Any(), "ip", "bob.voip.com").Return([]net.IP{net.IPv4(10, 0, 0, 1)}, nil)

	got := collectAddrs(sip.ResponseAddrs(t.Context(), via, meta, rslvr))
	want := []string{"UDP 55.55.55.1:5077", "UDP 10.0.0.1:5060"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ResponseAddrs() mismatch (-want +got):\n%s", diff)
	}
}

func TestResponseAddrs_SentByLiteral(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	rslvr := sipmock.NewMockDNSResolver(ctrl)

	meta := sip.TransportMetadata{Proto: sip.TransportProtoTCP, Network: "tcp", Reliable: true, DefaultPort: 5060}
	via := header.ViaHop{
		Proto:     sip.ProtoVer20,
		Transport: sip.TransportProtoTCP,
		Addr:      header.HostPort("55.55.55.55", 5060),
		Params:    make(header.Values).Set("branch", sip.MagicCookie+".resp-literal"),
	}

	got := collectAddrs(sip.ResponseAddrs(t.Context(), via, meta, rslvr))
	if diff := cmp.Diff([]string{"TCP 55.55.55.55:5060"}, got); diff != "" {
		t.Fatalf("ResponseAddrs() mismatch (-want +got):\n%s", diff)
	}

	// a hop of another transport never resolves through this one
	via.Transport = sip.TransportProtoUDP
	if got := collectAddrs(sip.ResponseAddrs(t.Context(), via, meta, rslvr)); len(got) != 0 {
		t.Fatalf("ResponseAddrs(mismatched transport) = %v, want none", got)
	}
}

func TestResponseAddrs_SRVOnSentBy(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	rslvr := sipmock.NewMockDNSResolver(ctrl)

	meta := sip.TransportMetadata{Proto: sip.TransportProtoTCP, Network: "tcp", Reliable: true, DefaultPort: 5060}
	via := header.ViaHop{
		Proto:     sip.ProtoVer20,
		Transport: sip.TransportProtoTCP,
		Addr:      header.Host("bob.voip.com"),
	}

	rslvr.EXPECT().LookupSRV(gomock.Any(), "sip", "tcp", "bob.voip.com").Return([]*dns.SRV{
		{Target: "srv1.voip.com", Port: 5061, Priority: 10},
	}, nil)
	rslvr.EXPECT().LookupIP(gomock.Any(), "ip", "srv1.voip.com").Return([]net.IP{net.IPv4(10, 0, 0, 1)}, nil)

	got := collectAddrs(sip.ResponseAddrs(t.Context(), via, meta, rslvr))
	if diff := cmp.Diff([]string{"TCP 10.0.0.1:5061"}, got); diff != "" {
		t.Fatalf("ResponseAddrs() mismatch (-want +got):\n%s", diff)
	}
}
