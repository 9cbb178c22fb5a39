package tunnel

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cuemby/portacode-agent/pkg/privileged"
)

// TunnelInfo is one entry from `cloudflared tunnel list --output json`.
type TunnelInfo struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func runCLI(args ...string) (stdout, stderr string, err error) {
	cmd := exec.Command("cloudflared", args...)
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// ListTunnels returns every tunnel known to the CLI's current login.
func ListTunnels() ([]TunnelInfo, error) {
	stdout, stderr, err := runCLI("tunnel", "list", "--output", "json")
	if err != nil {
		return nil, fmt.Errorf("list tunnels: %s", strings.TrimSpace(stderr))
	}
	stdout = strings.TrimSpace(stdout)
	if stdout == "" {
		return nil, nil
	}
	var tunnels []TunnelInfo
	if err := json.Unmarshal([]byte(stdout), &tunnels); err != nil {
		return nil, fmt.Errorf("parse tunnel list: %w", err)
	}
	return tunnels, nil
}

// FindTunnel returns the tunnel named name, or (zero, false) if absent.
func FindTunnel(name string) (TunnelInfo, bool, error) {
	tunnels, err := ListTunnels()
	if err != nil {
		return TunnelInfo{}, false, err
	}
	for _, t := range tunnels {
		if t.Name == name {
			return t, true, nil
		}
	}
	return TunnelInfo{}, false, nil
}

// CreateTunnel creates a new named tunnel.
func CreateTunnel(name string) error {
	_, stderr, err := runCLI("tunnel", "create", name)
	if err != nil {
		return fmt.Errorf("create tunnel %s: %s", name, strings.TrimSpace(stderr))
	}
	return nil
}

// DeleteTunnel removes a tunnel by ID.
func DeleteTunnel(tunnelID string) error {
	if tunnelID == "" {
		return fmt.Errorf("tunnel id is required to delete a tunnel")
	}
	_, stderr, err := runCLI("tunnel", "delete", tunnelID)
	if err != nil {
		return fmt.Errorf("delete tunnel %s: %s", tunnelID, strings.TrimSpace(stderr))
	}
	return nil
}

// DownloadTunnelCredentials fetches a token for tunnelID and stores it as
// a credentials file 0600, the fallback path when the CLI's login flow
// did not already produce one.
func DownloadTunnelCredentials(tunnelID, credentialsPath string) error {
	if tunnelID == "" {
		return fmt.Errorf("tunnel id is required to download credentials")
	}
	if err := privileged.EnsureDir(parentDir(credentialsPath), 0o700); err != nil {
		return err
	}
	_, stderr, err := runCLI("tunnel", "token", tunnelID, "--cred-file", credentialsPath)
	if err != nil {
		return fmt.Errorf("download credentials for tunnel %s: %s", tunnelID, strings.TrimSpace(stderr))
	}
	return os.Chmod(credentialsPath, 0o600)
}

// FetchTunnelToken asks the CLI for tunnelID's run token and stores it at
// tokenPath 0600, the last-resort credential when no credentials JSON can
// be produced.
func FetchTunnelToken(tunnelID, tokenPath string) (string, error) {
	if tunnelID == "" {
		return "", fmt.Errorf("tunnel id is required to fetch a token")
	}
	stdout, stderr, err := runCLI("tunnel", "token", tunnelID)
	if err != nil {
		return "", fmt.Errorf("fetch token for tunnel %s: %s", tunnelID, strings.TrimSpace(stderr))
	}
	token := strings.TrimSpace(stdout)
	if token == "" {
		return "", fmt.Errorf("cloudflared returned an empty token for tunnel %s", tunnelID)
	}
	if err := privileged.EnsureDir(parentDir(tokenPath), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", err
	}
	return token, nil
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
