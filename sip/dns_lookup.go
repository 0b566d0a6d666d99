package sip

import (
	"context"
	"iter"
	"net/netip"

	"github.com/voicegrid/sipcore/dns"
	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/internal/types"
	"github.com/voicegrid/sipcore/uri"
)

const (
	defSIPPort  uint16 = 5060
	defSIPSPort uint16 = 5061
)

// RequestAddrs resolves the request URI into candidate destinations following
// RFC 3263 Section 4: the maddr and transport URI parameters, numeric hosts
// and explicit ports short-circuit the DNS procedure; otherwise NAPTR picks
// the transport, SRV the host/port and A/AAAA the final addresses.
//
// Candidates are yielded in selection order together with the transport
// protocol they should be sent over. Only transports present in tpsMeta are
// yielded.
//
//nolint:gocognit
func RequestAddrs(
	ctx context.Context,
	u uri.URI,
	tpsMeta map[TransportProto]TransportMetadata,
	dnsRslvr DNSResolver,
) iter.Seq2[TransportProto, netip.AddrPort] {
	return func(yield func(TransportProto, netip.AddrPort) bool) {
		if u == nil || !u.IsValid() || len(tpsMeta) == 0 {
			return
		}

		addr := uri.GetAddr(u)
		params := uri.GetParams(u)
		secured := uri.GetScheme(u) == "sips"

		host := addr
		var port uint16
		var hasPort bool
		if su, ok := u.(*uri.SIP); ok {
			host = su.Addr.Host()
			port, hasPort = su.Addr.Port()
		}
		// RFC 3263 Section 4.1: maddr overrides the URI host.
		if maddr, ok := params.Last("maddr"); ok && maddr != "" {
			host = maddr
		}

		proto, hasProto := protoFromParams(params, secured)
		if hasProto {
			if _, ok := tpsMeta[proto]; !ok {
				return
			}
		}

		// Numeric host: no DNS at all.
		if ip, err := netip.ParseAddr(host); err == nil {
			p := proto
			if !hasProto {
				p = defaultProto(tpsMeta, secured)
			}
			if p == "" {
				return
			}
			if !hasPort {
				port = defaultPort(tpsMeta[p], secured)
			}
			yield(p, netip.AddrPortFrom(ip.Unmap(), port))
			return
		}

		// Explicit port: A/AAAA only, RFC 3263 Section 4.2.
		if hasPort {
			p := proto
			if !hasProto {
				p = defaultProto(tpsMeta, secured)
			}
			if p == "" {
				return
			}
			yieldHostIPs(ctx, dnsRslvr, host, port, p, yield)
			return
		}

		if hasProto {
			resolveSRV(ctx, dnsRslvr, tpsMeta, host, proto, secured, yield)
			return
		}

		// NAPTR names the transports the domain supports, RFC 3263 Section 4.1.
		if recs, err := dnsRslvr.LookupNAPTR(ctx, host); err == nil && len(recs) > 0 {
			for _, rec := range recs {
				p, ok := rec.Transport()
				if !ok {
					continue
				}
				p = p.ToUpper()
				meta, ok := tpsMeta[p]
				if !ok {
					continue
				}
				if rec.Flags == "s" && rec.Replacement != "" {
					if !yieldSRVTargets(ctx, dnsRslvr, rec.Replacement, p, yield) {
						return
					}
					continue
				}
				if !yieldHostIPs(ctx, dnsRslvr, host, defaultPort(meta, secured), p, yield) {
					return
				}
			}
			return
		}

		// No NAPTR: SRV per supported transport, then bare A/AAAA.
		for _, p := range protoPreference(tpsMeta, secured) {
			service, network := dns.SRVService(p, secured)
			if srvs, err := dnsRslvr.LookupSRV(ctx, service, network, host); err == nil && len(srvs) > 0 {
				dns.SortSRV(srvs)
				for _, srv := range srvs {
					if !yieldHostIPs(ctx, dnsRslvr, srv.Target, srv.Port, p, yield) {
						return
					}
				}
				return
			}
		}

		if p := defaultProto(tpsMeta, secured); p != "" {
			yieldHostIPs(ctx, dnsRslvr, host, defaultPort(tpsMeta[p], secured), p, yield)
		}
	}
}

func resolveSRV(
	ctx context.Context,
	dnsRslvr DNSResolver,
	tpsMeta map[TransportProto]TransportMetadata,
	host string,
	proto TransportProto,
	secured bool,
	yield func(TransportProto, netip.AddrPort) bool,
) {
	service, network := dns.SRVService(proto, secured)
	if srvs, err := dnsRslvr.LookupSRV(ctx, service, network, host); err == nil && len(srvs) > 0 {
		dns.SortSRV(srvs)
		for _, srv := range srvs {
			if !yieldHostIPs(ctx, dnsRslvr, srv.Target, srv.Port, proto, yield) {
				return
			}
		}
		return
	}
	yieldHostIPs(ctx, dnsRslvr, host, defaultPort(tpsMeta[proto], secured), proto, yield)
}

func yieldSRVTargets(
	ctx context.Context,
	dnsRslvr DNSResolver,
	name string,
	proto TransportProto,
	yield func(TransportProto, netip.AddrPort) bool,
) bool {
	srvs, err := dnsRslvr.LookupSRV(ctx, "", "", name)
	if err != nil {
		return true
	}
	dns.SortSRV(srvs)
	for _, srv := range srvs {
		if !yieldHostIPs(ctx, dnsRslvr, srv.Target, srv.Port, proto, yield) {
			return false
		}
	}
	return true
}

func yieldHostIPs(
	ctx context.Context,
	dnsRslvr DNSResolver,
	host string,
	port uint16,
	proto TransportProto,
	yield func(TransportProto, netip.AddrPort) bool,
) bool {
	if ip, err := netip.ParseAddr(host); err == nil {
		return yield(proto, netip.AddrPortFrom(ip.Unmap(), port))
	}

	ips, err := dnsRslvr.LookupIP(ctx, "ip", host)
	if err != nil {
		return true
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if addrPort := netip.AddrPortFrom(addr.Unmap(), port); addrPort.IsValid() && !yield(proto, addrPort) {
			return false
		}
	}
	return true
}

func protoFromParams(params types.Values, secured bool) (TransportProto, bool) {
	tp, ok := params.Last("transport")
	if !ok || tp == "" {
		return "", false
	}
	proto := TransportProto(tp).ToUpper()
	if secured && proto == TransportProtoTCP {
		proto = TransportProtoTLS
	}
	return proto, true
}

// defaultProto picks the transport used when the URI pins none:
// UDP for sip, TLS for sips, constrained to the registered transports.
func defaultProto(tpsMeta map[TransportProto]TransportMetadata, secured bool) TransportProto {
	for _, p := range protoPreference(tpsMeta, secured) {
		return p
	}
	return ""
}

func protoPreference(tpsMeta map[TransportProto]TransportMetadata, secured bool) []TransportProto {
	var order []TransportProto
	if secured {
		order = []TransportProto{TransportProtoTLS, TransportProtoWSS}
	} else {
		order = []TransportProto{
			TransportProtoUDP, TransportProtoTCP, TransportProtoTLS,
			TransportProtoSCTP, TransportProtoWS, TransportProtoWSS,
		}
	}

	prefs := make([]TransportProto, 0, len(order))
	for _, p := range order {
		if _, ok := tpsMeta[p]; ok {
			prefs = append(prefs, p)
		}
	}
	return prefs
}

func defaultPort(meta TransportMetadata, secured bool) uint16 {
	if meta.DefaultPort > 0 {
		return meta.DefaultPort
	}
	if secured || meta.Secured {
		return defSIPSPort
	}
	return defSIPPort
}

// ResponseAddrs resolves the destinations for a response from the topmost Via
// hop of the request it answers, RFC 3261 Section 18.2.2 and RFC 3263
// Section 5: maddr for multicast, received/rport for NAT traversal, then the
// sent-by host through SRV and A/AAAA.
//
//nolint:gocognit
func ResponseAddrs(
	ctx context.Context,
	via header.ViaHop,
	tpMeta TransportMetadata,
	dnsRslvr DNSResolver,
) iter.Seq2[TransportProto, netip.AddrPort] {
	return func(yield func(TransportProto, netip.AddrPort) bool) {
		if !via.IsValid() || !via.Transport.Equal(tpMeta.Proto) {
			return
		}

		port, hasPort := via.Addr.Port()
		if !hasPort {
			port = defaultPort(tpMeta, tpMeta.Secured)
		}

		// RFC 3261 Section 18.2.2, bullet 2: multicast address.
		if !tpMeta.Reliable {
			if maddr, ok := via.MAddr(); ok {
				yieldHostIPs(ctx, dnsRslvr, maddr, port, via.Transport, yield)
				return
			}
		}

		// RFC 3261 Section 18.2.2, bullets 1 and 3, RFC 3581 Section 4.
		if addr, ok := via.Received(); ok {
			p := port
			if !tpMeta.Reliable {
				if rport, ok := via.RPort(); ok {
					p = rport
				}
			}
			if addrPort := netip.AddrPortFrom(addr, p); addrPort.IsValid() && !yield(via.Transport, addrPort) {
				return
			}
		}

		// Sent-by IP literal.
		if via.Addr.IP() != nil {
			if addr, ok := netip.AddrFromSlice(via.Addr.IP()); ok {
				yield(via.Transport, netip.AddrPortFrom(addr.Unmap(), port))
			}
			return
		}

		// Sent-by host with explicit port: A/AAAA, RFC 3263 Section 5.
		if hasPort {
			yieldHostIPs(ctx, dnsRslvr, via.Addr.Host(), port, via.Transport, yield)
			return
		}

		// No port: SRV on the sent-by host.
		service, network := dns.SRVService(tpMeta.Proto, tpMeta.Secured)
		if srvs, err := dnsRslvr.LookupSRV(ctx, service, network, via.Addr.Host()); err == nil && len(srvs) > 0 {
			dns.SortSRV(srvs)
			for _, srv := range srvs {
				if !yieldHostIPs(ctx, dnsRslvr, srv.Target, srv.Port, via.Transport, yield) {
					return
				}
			}
			return
		}

		yieldHostIPs(ctx, dnsRslvr, via.Addr.Host(), port, via.Transport, yield)
	}
}
