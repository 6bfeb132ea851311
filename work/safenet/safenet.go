// Package safenet resolves and fetches upstream URLs while refusing to touch
// private, link-local or otherwise internal address space. Every outbound
// connection the relay makes goes through a Resolver so that a hostile
// playlist or DNS answer cannot redirect the proxy at the host network.
package safenet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
)

var (
	// ErrBlockedHost is returned for hostnames refused before resolution.
	ErrBlockedHost = errors.New("hostname is blocked")
	// ErrDisallowedAddress is returned when a host resolves into a
	// forbidden address range.
	ErrDisallowedAddress = errors.New("address not allowed")
	// ErrTooManyRedirects is returned when a fetch chain exceeds the
	// redirect cap.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// MaxRedirects caps how many redirect hops FetchSafe will follow.
const MaxRedirects = 5

// blockedHostnames are refused outright, before any DNS query. Cloud
// metadata endpoints stay here even though their addresses would also be
// caught by the range policy.
var blockedHostnames = map[string]struct{}{
	"localhost":                 {},
	"metadata":                  {},
	"metadata.google.internal":  {},
	"metadata.goog":             {},
	"instance-data":             {},
	"169.254.169.254":           {},
	"metadata.azure.com":        {},
	"metadata.packet.net":       {},
	"metadata.platformequinix.com": {},
}

// disallowedPrefixes is the address range policy. An address matching any of
// these is refused unless an operator allow-list re-admits it.
var disallowedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),        // unspecified / "this network"
	netip.MustParsePrefix("10.0.0.0/8"),       // RFC1918
	netip.MustParsePrefix("100.64.0.0/10"),    // CGNAT
	netip.MustParsePrefix("127.0.0.0/8"),      // loopback
	netip.MustParsePrefix("169.254.0.0/16"),   // link-local
	netip.MustParsePrefix("172.16.0.0/12"),    // RFC1918
	netip.MustParsePrefix("192.0.0.0/24"),     // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),     // TEST-NET-1
	netip.MustParsePrefix("192.168.0.0/16"),   // RFC1918
	netip.MustParsePrefix("198.18.0.0/15"),    // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"),  // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),   // TEST-NET-3
	netip.MustParsePrefix("224.0.0.0/4"),      // multicast
	netip.MustParsePrefix("240.0.0.0/4"),      // reserved
	netip.MustParsePrefix("::/128"),           // unspecified
	netip.MustParsePrefix("::1/128"),          // loopback
	netip.MustParsePrefix("fc00::/7"),         // unique local
	netip.MustParsePrefix("fe80::/10"),        // link-local
	netip.MustParsePrefix("ff00::/8"),         // multicast
}

// Resolver vets hostnames and addresses before the relay connects to them.
// The zero value is not usable; construct one with NewResolver.
type Resolver struct {
	allowed []netip.Prefix
	lookup  func(ctx context.Context, host string) ([]netip.Addr, error)
}

// NewResolver builds a Resolver. allowedCIDRs re-admit specific internal
// ranges (a lab headend on 10.x, say); invalid entries are logged and
// skipped rather than silently widening the policy.
func NewResolver(allowedCIDRs []string) *Resolver {
	r := &Resolver{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
	for _, cidr := range allowedCIDRs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			logger.Warn("{safenet/safenet - NewResolver} ignoring invalid allowed CIDR %q: %v", cidr, err)
			continue
		}
		r.allowed = append(r.allowed, prefix)
	}
	return r
}

// CheckHost refuses blacklisted hostnames before any DNS query happens.
func (r *Resolver) CheckHost(host string) error {
	h := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if h == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedHost)
	}
	if _, bad := blockedHostnames[h]; bad {
		return fmt.Errorf("%w: %s", ErrBlockedHost, h)
	}
	if strings.HasSuffix(h, ".localhost") {
		return fmt.Errorf("%w: %s", ErrBlockedHost, h)
	}
	return nil
}

// CheckAddr applies the range policy to a single address.
func (r *Resolver) CheckAddr(addr netip.Addr) error {
	// Normalize v4-mapped v6 so ::ffff:10.0.0.1 hits the v4 rules.
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	for _, prefix := range r.allowed {
		if prefix.Contains(addr) {
			return nil
		}
	}
	if !addr.IsValid() {
		return fmt.Errorf("%w: invalid address", ErrDisallowedAddress)
	}
	for _, prefix := range disallowedPrefixes {
		if prefix.Contains(addr) {
			return fmt.Errorf("%w: %s", ErrDisallowedAddress, addr)
		}
	}
	return nil
}

// Resolve returns an address for host that is safe to connect to.
//
// Behavior:
//   - Literal IPs skip DNS and go straight through the range policy.
//   - Hostnames are checked against the blacklist, then resolved; if ANY
//     returned address violates the policy the whole host is refused, so a
//     split DNS answer cannot smuggle one internal record past the check.
//   - Resolution errors fail closed.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if err := r.CheckAddr(addr); err != nil {
			metrics.BlockedLookups.Inc()
			return netip.Addr{}, err
		}
		return addr.Unmap(), nil
	}

	if err := r.CheckHost(host); err != nil {
		metrics.BlockedLookups.Inc()
		return netip.Addr{}, err
	}

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		metrics.BlockedLookups.Inc()
		return netip.Addr{}, fmt.Errorf("lookup %s failed: %w", host, err)
	}
	if len(addrs) == 0 {
		metrics.BlockedLookups.Inc()
		return netip.Addr{}, fmt.Errorf("lookup %s returned no addresses", host)
	}

	for _, addr := range addrs {
		if err := r.CheckAddr(addr); err != nil {
			metrics.BlockedLookups.Inc()
			logger.Warn("{safenet/safenet - Resolve} refusing %s: resolves to %s", host, addr)
			return netip.Addr{}, err
		}
	}

	return addrs[0].Unmap(), nil
}

// DialContext resolves host through the policy and dials the vetted address
// directly, so the connection cannot land somewhere other than what was
// checked.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	addr, err := r.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
}

// Client returns an http.Client whose transport dials only through the
// resolver and never follows redirects on its own; redirect hops must be
// re-vetted by FetchSafe.
func (r *Resolver) Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           r.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
