package config

import (
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

// ValidateDomain checks domain is a syntactically valid, ASCII-normalized
// DNS domain name usable as a tunnel suffix. Grounded on the teacher's
// validation.ValidateHostname (idna.ToASCII normalization, wrapped
// errors) generalized from an HTTP hostname to a bare DNS domain.
func ValidateDomain(domain string) error {
	if domain == "" {
		return errors.New("config: domain is required")
	}
	ascii, err := idna.ToASCII(strings.ToLower(domain))
	if err != nil {
		return errors.Wrapf(err, "config: domain %q has invalid ASCII encoding", domain)
	}
	if _, ok := dns.IsDomainName(dns.Fqdn(ascii)); !ok {
		return errors.Errorf("config: %q is not a valid DNS domain name", domain)
	}
	return nil
}

// ValidateResolvers checks that every entry parses as a host:port with a
// non-empty host and port and that no entry is repeated, rejecting the
// empty set (the client has nowhere to send queries). Names are not
// resolved here; ResolveAll does that.
func ValidateResolvers(resolvers []string) error {
	if len(resolvers) == 0 {
		return errors.New("config: at least one resolver is required")
	}
	seen := make(map[string]bool, len(resolvers))
	for _, r := range resolvers {
		host, port, err := net.SplitHostPort(r)
		if err != nil {
			return errors.Wrapf(err, "config: invalid resolver address %q", r)
		}
		if host == "" || port == "" {
			return errors.Errorf("config: resolver address %q is missing a host or port", r)
		}
		if seen[r] {
			return errors.Errorf("config: duplicate resolver address %q", r)
		}
		seen[r] = true
	}
	return nil
}

// ResolveAll resolves every configured resolver string to a *net.UDPAddr,
// matching the Runtime Loop's "resolve resolvers" outer-loop step
// (SPEC_FULL.md §4.1): done fresh on every reconnect attempt so DNS
// changes for the resolver hostnames themselves are picked up.
func ResolveAll(resolvers []string) ([]*net.UDPAddr, error) {
	out := make([]*net.UDPAddr, 0, len(resolvers))
	for _, r := range resolvers {
		addr, err := net.ResolveUDPAddr("udp", r)
		if err != nil {
			return nil, errors.Wrapf(err, "config: resolving resolver address %q", r)
		}
		out = append(out, addr)
	}
	return out, nil
}
