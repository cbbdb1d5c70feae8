package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// Sentinel errors surfaced to the HTTP layer as client errors.
var (
	ErrInvalidHost = errors.New("invalid host")
	ErrNoSuchHost  = errors.New("no such host")
)

// RFC 1035 bounds a full domain name to 253 characters.
const maxHostLength = 253

// ParseHost classifies raw input as an IP literal or a hostname without
// touching the network. Literals come back normalized: IPv4-mapped forms
// unmapped, IPv6 zones stripped, bracketed IPv6 unwrapped. Hostname input
// is validated against DNS label grammar and lowercased. Exactly one of
// the returned address and name is set.
func ParseHost(raw string) (netip.Addr, string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return netip.Addr{}, "", fmt.Errorf("%w: empty host", ErrInvalidHost)
	}
	if len(host) > maxHostLength {
		return netip.Addr{}, "", fmt.Errorf("%w: host exceeds %d characters", ErrInvalidHost, maxHostLength)
	}

	literal := host
	if strings.HasPrefix(literal, "[") && strings.HasSuffix(literal, "]") {
		literal = literal[1 : len(literal)-1]
	}
	if addr, err := netip.ParseAddr(literal); err == nil {
		return canonical(addr), "", nil
	}

	name := strings.ToLower(strings.TrimSuffix(host, "."))
	if !validHostname(name) {
		return netip.Addr{}, "", fmt.Errorf("%w: %q is neither an IP literal nor a hostname", ErrInvalidHost, raw)
	}
	return netip.Addr{}, name, nil
}

// canonical strips the zone and unmaps v4-in-v6 so equal addresses always
// compare and render identically.
func canonical(addr netip.Addr) netip.Addr {
	return addr.Unmap().WithZone("")
}

func validHostname(name string) bool {
	if name == "" {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
				continue
			}
			return false
		}
	}
	return true
}

// ipResolver is the slice of net.Resolver the Resolver depends on.
type ipResolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Resolver answers hostname queries with every distinct address the system
// resolver returns for them, IPv4 results ahead of IPv6.
type Resolver struct {
	resolver ipResolver
	timeout  time.Duration
}

// New creates a Resolver whose queries share one timeout per Resolve call.
func New(timeout time.Duration) *Resolver {
	return &Resolver{
		resolver: net.DefaultResolver,
		timeout:  timeout,
	}
}

// Resolve issues the A and AAAA queries concurrently and waits for both.
// Partial failure is tolerated: the result is the union of whatever
// succeeded, deduplicated by canonical address with insertion order kept
// (A-derived before AAAA-derived). Only when both queries produce nothing
// does it fail, with ErrNoSuchHost.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type answer struct {
		ips []net.IP
		err error
	}

	networks := []string{"ip4", "ip6"}
	answers := make([]answer, len(networks))

	var wg sync.WaitGroup
	for i, network := range networks {
		wg.Add(1)
		go func(i int, network string) {
			defer wg.Done()
			ips, err := r.resolver.LookupIP(ctx, network, host)
			answers[i] = answer{ips: ips, err: err}
		}(i, network)
	}
	wg.Wait()

	seen := make(map[netip.Addr]struct{})
	var addrs []netip.Addr
	for _, ans := range answers {
		if ans.err != nil {
			continue
		}
		for _, ip := range ans.ips {
			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			addr = canonical(addr)
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			addrs = append(addrs, addr)
		}
	}

	if len(addrs) == 0 {
		for _, ans := range answers {
			if ans.err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNoSuchHost, ans.err)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNoSuchHost, host)
	}

	return addrs, nil
}
