package ingress

import (
	"fmt"
	"net"
	"net/url"

	"github.com/cuemby/portacode-agent/pkg/types"
)

// ContainerNetLookup resolves a managed container's DHCP identity (MAC and
// hostname) from its device ID, so the ingress controller can find its
// current lease IP. Wired from the infrastructure provisioner, which owns
// the hypervisor API client this requires.
type ContainerNetLookup func(deviceID string) (mac string, hostname string, err error)

// BuildIngressEntries resolves every rule's destination to a concrete
// "hostname -> service" pair. Device destinations are cached per device ID
// since a device may appear in multiple rules.
func BuildIngressEntries(rules []NormalizedRule, leases []Lease, lookup ContainerNetLookup) ([]types.IngressEntry, error) {
	entries := make([]types.IngressEntry, 0, len(rules))
	ipCache := map[string]string{}

	for _, rule := range rules {
		service, err := resolveServiceEndpoint(rule.Parsed, leases, lookup, ipCache)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Hostname, err)
		}
		entries = append(entries, types.IngressEntry{
			Hostname:      rule.Hostname,
			Path:          rule.Parsed.Path,
			Service:       service,
			NoTLSVerifyIP: requiresNoTLSVerify(service),
		})
	}
	return entries, nil
}

func resolveServiceEndpoint(parsed ParsedDestination, leases []Lease, lookup ContainerNetLookup, cache map[string]string) (string, error) {
	if parsed.Kind == DestURL {
		return parsed.ServiceURL, nil
	}
	if lookup == nil {
		return "", fmt.Errorf("device destinations require infrastructure provisioning to be configured")
	}
	ip, cached := cache[parsed.DeviceID]
	if !cached {
		mac, hostname, err := lookup(parsed.DeviceID)
		if err != nil {
			return "", err
		}
		resolved, ok := LookupLeaseIP(leases, mac, hostname)
		if !ok {
			return "", fmt.Errorf("unable to find DHCP lease for device %s (mac=%s, hostname=%s)", parsed.DeviceID, mac, hostname)
		}
		ip = resolved
		cache[parsed.DeviceID] = ip
	}
	return fmt.Sprintf("%s://%s:%d", parsed.Scheme, ip, parsed.Port), nil
}

// requiresNoTLSVerify reports whether service is an https endpoint whose
// host is a raw IP address rather than a hostname, in which case the
// IP's certificate SANs can't possibly match and the edge tunnel must
// skip TLS verification.
func requiresNoTLSVerify(service string) bool {
	u, err := url.Parse(service)
	if err != nil || u.Scheme != "https" {
		return false
	}
	return net.ParseIP(u.Hostname()) != nil
}
