package ingress

import (
	"fmt"
	"strings"

	"github.com/cuemby/portacode-agent/pkg/privileged"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// WriteCloudflaredConfig writes the fixed cloudflared ingress dialect to
// path: a tunnel id, an optional credentials file (token-run tunnels have
// none), an ordered list of hostname/path/service rules, and a trailing
// catch-all 404. The file is owned by cloudflared, not JSON, so it
// bypasses pkg/state's document store.
func WriteCloudflaredConfig(path, tunnelID, credentialsFile string, entries []types.IngressEntry) error {
	if tunnelID == "" {
		return fmt.Errorf("cloudflare tunnel ID missing; re-run tunnel setup")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "tunnel: %s\n", tunnelID)
	if credentialsFile != "" {
		fmt.Fprintf(&b, "credentials-file: %s\n", credentialsFile)
	}
	b.WriteString("ingress:\n")
	for _, entry := range entries {
		fmt.Fprintf(&b, "  - hostname: %s\n", entry.Hostname)
		if entry.Path != "" {
			fmt.Fprintf(&b, "    path: %s\n", entry.Path)
		}
		fmt.Fprintf(&b, "    service: %s\n", entry.Service)
		if entry.NoTLSVerifyIP {
			b.WriteString("    originRequest:\n      noTLSVerify: true\n")
		}
	}
	b.WriteString("  - service: http_status:404\n")

	return privileged.WriteFile(path, []byte(b.String()), 0o644)
}

// RouteDNS registers a CNAME for every hostname against the named tunnel,
// deduplicating repeats within one rule set.
func RouteDNS(hostnames []string, tunnelName string) error {
	seen := make(map[string]struct{}, len(hostnames))
	for _, hostname := range hostnames {
		if _, ok := seen[hostname]; ok {
			continue
		}
		seen[hostname] = struct{}{}
		if _, err := privileged.RunChecked([]string{"cloudflared", "tunnel", "route", "dns", tunnelName, hostname}, true); err != nil {
			return fmt.Errorf("route dns for %s: %w", hostname, err)
		}
	}
	return nil
}
