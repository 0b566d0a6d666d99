// Package dns provides the DNS lookups needed for SIP destination
// resolution per RFC 3263: IP, SRV and NAPTR queries.
package dns

//go:generate go tool errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/voicegrid/sipcore/internal/types"
)

// SRV is a DNS SRV record.
type SRV = net.SRV

// NAPTR represents a NAPTR DNS record as defined in RFC 3403.
// For SIP (RFC 3263) NAPTR records advertise the transports a domain
// supports: "SIP+D2U" (UDP), "SIP+D2T" (TCP), "SIP+D2S" (SCTP),
// "SIPS+D2T" (TLS).
type NAPTR struct {
	// Order specifies the order in which NAPTR records must be processed.
	Order uint16
	// Preference breaks ties between records with equal Order.
	Preference uint16
	// Flags control interpretation: "s" (SRV lookup), "a" (A/AAAA lookup).
	Flags string
	// Service names the service and protocol available.
	Service string
	// Regexp is a substitution expression, usually empty for SIP.
	Regexp string
	// Replacement is the next domain name to query.
	Replacement string
}

// Transport returns the SIP transport protocol advertised by the record
// service field.
func (r *NAPTR) Transport() (types.TransportProto, bool) {
	switch r.Service {
	case "SIP+D2U":
		return types.TransportProtoUDP, true
	case "SIP+D2T":
		return types.TransportProtoTCP, true
	case "SIP+D2S":
		return types.TransportProtoSCTP, true
	case "SIPS+D2T":
		return types.TransportProtoTLS, true
	}
	return "", false
}

// SRVService returns the SRV service label for the transport,
// e.g. "_sip._udp" for UDP.
func SRVService(proto types.TransportProto, secured bool) (service, network string) {
	service = "sip"
	if secured {
		service = "sips"
	}
	switch proto.ToUpper() {
	case types.TransportProtoUDP:
		network = "udp"
	case types.TransportProtoSCTP:
		network = "sctp"
	default:
		network = "tcp"
	}
	return service, network
}

// Resolver wraps net.Resolver with the NAPTR lookup missing from the
// standard library.
type Resolver struct {
	net.Resolver

	// NameServer specifies the DNS server address (e.g., "8.8.8.8:53").
	// If empty, the system's default resolver configuration is used.
	NameServer string
	// Timeout specifies the timeout for NAPTR queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

// LookupIP looks up IP addresses for the host.
// IPv4-mapped addresses are normalized to 4-byte form.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, err := r.Resolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			ips[i] = ip4
		}
	}
	return ips, nil
}

// LookupSRV looks up SRV records for the service and protocol.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvs, nil
}

// LookupNAPTR queries NAPTR records for the given host.
// Records are returned sorted by Order, then by Preference (RFC 3403).
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}

	slices.SortFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})

	return recs, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}

	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

// DefaultResolver returns the process wide resolver.
func DefaultResolver() *Resolver { return defResolver }

// SortSRV orders SRV records by priority ascending, then weight descending.
func SortSRV(srvs []*SRV) {
	slices.SortFunc(srvs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return cmp.Compare(a.Target, b.Target)
	})
}
