package tunnel

import (
	"os"
	"path/filepath"

	"github.com/cuemby/portacode-agent/pkg/privileged"
	"github.com/cuemby/portacode-agent/pkg/state"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// SystemConfigPath is where the edge CLI expects its config when the
// agent runs as root.
const SystemConfigPath = "/etc/cloudflared/config.yml"

// DefaultCloudflaredDir is the CLI's own state directory, used for login
// certs and per-tunnel credential files.
func DefaultCloudflaredDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cloudflared")
}

// DefaultCertPath is where `cloudflared tunnel login` writes its cert.
func DefaultCertPath() string { return filepath.Join(DefaultCloudflaredDir(), "cert.pem") }

// DefaultConfigPath picks the system-wide config path when running as
// root, falling back to the CLI's own per-user directory otherwise.
func DefaultConfigPath() string {
	if privileged.IsRoot() {
		return SystemConfigPath
	}
	return filepath.Join(DefaultCloudflaredDir(), "config.yml")
}

// CredentialsPathForTunnel is where the CLI stores (or the agent
// downloads) a tunnel's credentials JSON.
func CredentialsPathForTunnel(tunnelID string) string {
	return filepath.Join(DefaultCloudflaredDir(), tunnelID+".json")
}

// TokenPathForTunnel is where the fallback run token is persisted when no
// credentials JSON could be produced.
func TokenPathForTunnel(tunnelID string) string {
	return filepath.Join(DefaultCloudflaredDir(), tunnelID+".token")
}

// LoadTunnelState reads the persisted tunnel state, returning a zero value
// (Configured == false) if none has been saved yet.
func LoadTunnelState(path string) (types.TunnelState, error) {
	var st types.TunnelState
	if err := state.Load(path, &st); err != nil && err != state.ErrNotExist {
		return types.TunnelState{}, err
	}
	return st, nil
}

// SaveTunnelState persists st 0600; it carries the tunnel token path.
func SaveTunnelState(path string, st types.TunnelState) error {
	return state.Save(path, st, 0o600)
}
