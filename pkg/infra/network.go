package infra

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/portacode-agent/pkg/initsystem"
	"github.com/cuemby/portacode-agent/pkg/privileged"
)

const (
	bridgeIP    = "10.10.0.1"
	dhcpStart   = "10.10.0.100"
	dhcpEnd     = "10.10.0.200"
	dnsServer   = "1.1.1.1"
	ifacesPath  = "/etc/network/interfaces"
	sysctlPath  = "/etc/sysctl.d/99-portacode-forward.conf"
)

// NetworkResult reports the outcome of EnsureBridge.
type NetworkResult struct {
	Applied bool
	Bridge  string
	Message string
	Healthy bool
}

func natUnitName(bridge string) string { return fmt.Sprintf("portacode-%s-nat", bridge) }
func dnsUnitName(bridge string) string { return fmt.Sprintf("portacode-%s-dnsmasq", bridge) }

// EnsureBridge brings up a Layer-2 bridge with a static subnet, enables
// IPv4 forwarding, installs NAT and dnsmasq service units, and validates
// external connectivity. On a failed connectivity check it reverts the
// bridge.
func EnsureBridge(ctx context.Context, mgr initsystem.Manager, bridge string) (NetworkResult, error) {
	if !privileged.IsRoot() {
		return NetworkResult{}, fmt.Errorf("bridge setup requires root privileges")
	}
	if !privileged.Have("dnsmasq") {
		if !privileged.Have("apt-get") {
			return NetworkResult{}, fmt.Errorf("dnsmasq is missing and apt-get is unavailable to install it")
		}
		if _, err := privileged.RunChecked([]string{"apt-get", "update"}, true); err != nil {
			return NetworkResult{}, err
		}
		if _, err := privileged.RunChecked([]string{"apt-get", "install", "-y", "dnsmasq"}, true); err != nil {
			return NetworkResult{}, err
		}
	}

	if err := writeBridgeIfaceBlock(bridge); err != nil {
		return NetworkResult{}, err
	}
	if err := ensureSysctlForwarding(); err != nil {
		return NetworkResult{}, err
	}

	if mgr != nil {
		if err := mgr.Install(ctx, natUnitName(bridge), []byte(natUnitContent(bridge))); err != nil {
			return NetworkResult{}, err
		}
		if err := mgr.Install(ctx, dnsUnitName(bridge), []byte(dnsUnitContent(bridge))); err != nil {
			return NetworkResult{}, err
		}
		if err := mgr.Enable(ctx, natUnitName(bridge)); err != nil {
			return NetworkResult{}, err
		}
		if err := mgr.Start(ctx, natUnitName(bridge)); err != nil {
			return NetworkResult{}, err
		}
		if err := mgr.Enable(ctx, dnsUnitName(bridge)); err != nil {
			return NetworkResult{}, err
		}
		if err := mgr.Start(ctx, dnsUnitName(bridge)); err != nil {
			return NetworkResult{}, err
		}
	}

	_, _ = privileged.Run([]string{"ifup", bridge}, true)

	time.Sleep(2 * time.Second)
	healthy := verifyConnectivity()
	if !healthy {
		_ = RevertBridge(ctx, mgr, bridge)
		return NetworkResult{Applied: false, Bridge: bridge, Message: "connectivity check failed; bridge reverted"}, nil
	}
	return NetworkResult{Applied: true, Bridge: bridge, Message: fmt.Sprintf("bridge %s configured", bridge), Healthy: true}, nil
}

// RevertBridge stops the managed units; it does not disable them. It does not attempt
// to strip the interfaces-file block, since ifdown/reload of a live
// bridge risks cutting the agent's own network path.
func RevertBridge(ctx context.Context, mgr initsystem.Manager, bridge string) error {
	if mgr == nil {
		return nil
	}
	_ = mgr.Stop(ctx, natUnitName(bridge))
	_ = mgr.Stop(ctx, dnsUnitName(bridge))
	return nil
}

func writeBridgeIfaceBlock(bridge string) error {
	begin := fmt.Sprintf("# Portacode INFRA BEGIN %s", bridge)
	end := fmt.Sprintf("# Portacode INFRA END %s", bridge)

	current := ""
	if data, err := os.ReadFile(ifacesPath); err == nil {
		current = string(data)
	}
	if strings.Contains(current, begin) {
		return nil
	}

	var block strings.Builder
	if current != "" && !strings.HasSuffix(current, "\n") {
		block.WriteString("\n")
	}
	fmt.Fprintf(&block, "%s\nauto %s\niface %s inet static\n    address %s/24\n    bridge-ports none\n    bridge-stp off\n    bridge-fd 0\n%s\n", begin, bridge, bridge, bridgeIP, end)

	return privileged.WriteFile(ifacesPath, []byte(current+block.String()), 0o644)
}

func ensureSysctlForwarding() error {
	if err := privileged.WriteFile(sysctlPath, []byte("net.ipv4.ip_forward=1\n"), 0o644); err != nil {
		return err
	}
	_, err := privileged.RunChecked([]string{"sysctl", "-w", "net.ipv4.ip_forward=1"}, true)
	return err
}

func verifyConnectivity() bool {
	res, err := privileged.Run([]string{"ping", "-c", "2", dnsServer}, false)
	return err == nil && res.ExitCode == 0
}

func natUnitContent(bridge string) string {
	return fmt.Sprintf(`[Unit]
Description=Portacode NAT for %[1]s
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
RemainAfterExit=yes
ExecStart=/usr/sbin/iptables -t nat -A POSTROUTING -s %[2]s/24 -o vmbr0 -j MASQUERADE
ExecStart=/usr/sbin/iptables -A FORWARD -i %[1]s -o vmbr0 -j ACCEPT
ExecStart=/usr/sbin/iptables -A FORWARD -i vmbr0 -o %[1]s -m state --state RELATED,ESTABLISHED -j ACCEPT
ExecStop=/usr/sbin/iptables -t nat -D POSTROUTING -s %[2]s/24 -o vmbr0 -j MASQUERADE
ExecStop=/usr/sbin/iptables -D FORWARD -i %[1]s -o vmbr0 -j ACCEPT
ExecStop=/usr/sbin/iptables -D FORWARD -i vmbr0 -o %[1]s -m state --state RELATED,ESTABLISHED -j ACCEPT

[Install]
WantedBy=multi-user.target
`, bridge, bridgeIP)
}

func dnsUnitContent(bridge string) string {
	return fmt.Sprintf(`[Unit]
Description=Portacode dnsmasq for %[1]s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=/usr/sbin/dnsmasq --keep-in-foreground --interface=%[1]s --bind-interfaces --listen-address=%[2]s --port=0 --dhcp-range=%[3]s,%[4]s,12h --dhcp-option=option:router,%[2]s --dhcp-option=option:dns-server,%[5]s --conf-file=/dev/null --pid-file=/run/portacode_dnsmasq.pid --dhcp-leasefile=/var/lib/misc/portacode_dnsmasq.leases
Restart=always

[Install]
WantedBy=multi-user.target
`, bridge, bridgeIP, dhcpStart, dhcpEnd, dnsServer)
}
