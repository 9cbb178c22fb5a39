package state

import (
	"os"
	"path/filepath"
)

const appDirName = "portacode"

// ConfigDir returns the platform-appropriate config directory root the
// agent owns, honoring PORTACODE_CONFIG_DIR
// for tests and containerized deployments.
func ConfigDir() (string, error) {
	if override := os.Getenv("PORTACODE_CONFIG_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

// MustConfigDir is ConfigDir but falls back to a relative directory if
// the platform config dir cannot be determined (e.g. $HOME unset under a
// minimal service account).
func MustConfigDir() string {
	dir, err := ConfigDir()
	if err != nil {
		return filepath.Join(".", appDirName)
	}
	return dir
}

// TunnelStatePath is <cfg>/portacode/cloudflare_tunnel.json.
func TunnelStatePath() string { return filepath.Join(MustConfigDir(), "cloudflare_tunnel.json") }

// ForwardingStatePath is <cfg>/portacode/cloudflare_forwarding.json.
func ForwardingStatePath() string {
	return filepath.Join(MustConfigDir(), "cloudflare_forwarding.json")
}

// ProxmoxInfraPath is <cfg>/portacode/proxmox_infra.json.
func ProxmoxInfraPath() string { return filepath.Join(MustConfigDir(), "proxmox_infra.json") }

// ContainerRecordPath is <cfg>/portacode/containers/ct-<vmid>.json.
func ContainerRecordPath(vmid int) string {
	return filepath.Join(MustConfigDir(), "containers", containerFileName(vmid))
}

func containerFileName(vmid int) string {
	return "ct-" + itoa(vmid) + ".json"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// AutomationStatePath is the fixed automation root document path.
func AutomationStatePath() string {
	if override := os.Getenv("PORTACODE_AUTOMATION_STATE_PATH"); override != "" {
		return override
	}
	return filepath.Join(os.TempDir(), "portacode_automation_v2_state.json")
}

// KeypairDir is <cfg>/portacode/keypair.
func KeypairDir() string { return filepath.Join(MustConfigDir(), "keypair") }

// ContainerDBPath is the bbolt index of every managed container this
// agent has provisioned, <cfg>/portacode/containers.db.
func ContainerDBPath() string { return filepath.Join(MustConfigDir(), "containers.db") }

// DHCPLeasesPath is the dnsmasq leases file the ingress controller reads
// to resolve a managed container's IP, honoring PORTACODE_DHCP_LEASES_PATH
// for tests and alternate dnsmasq deployments.
func DHCPLeasesPath() string {
	if override := os.Getenv("PORTACODE_DHCP_LEASES_PATH"); override != "" {
		return override
	}
	return "/var/lib/misc/portacode_dnsmasq.leases"
}
