package ingress

import (
	"fmt"
	"os"
	"strings"
)

// Lease is one entry parsed from the dnsmasq leases file: epoch, mac,
// ip, hostname, client-id, space-separated, one per line.
type Lease struct {
	MAC      string
	IP       string
	Hostname string
}

// LoadLeases parses the dnsmasq leases file at path.
func LoadLeases(path string) ([]Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s does not exist; run dnsmasq first", path)
		}
		return nil, err
	}

	var leases []Lease
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		lease := Lease{MAC: strings.ToLower(parts[1]), IP: parts[2]}
		if len(parts) > 3 {
			lease.Hostname = strings.ToLower(parts[3])
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// LookupLeaseIP finds the IP for mac, falling back to hostname.
func LookupLeaseIP(leases []Lease, mac, hostname string) (string, bool) {
	if mac != "" {
		target := strings.ToLower(mac)
		for _, l := range leases {
			if l.MAC == target {
				return l.IP, true
			}
		}
	}
	if hostname != "" {
		target := strings.ToLower(hostname)
		for _, l := range leases {
			if l.Hostname == target {
				return l.IP, true
			}
		}
	}
	return "", false
}
