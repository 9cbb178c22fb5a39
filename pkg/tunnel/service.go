package tunnel

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/portacode-agent/pkg/initsystem"
	"github.com/cuemby/portacode-agent/pkg/privileged"
)

const serviceName = "portacode-cloudflared"
const wrapperPath = "/usr/local/bin/portacode-cloudflared-launch.sh"

// WriteMinimalConfig writes the tunnel id, optional credentials file, and
// a bare catch-all ingress rule. Ingress entries are
// layered on top later by the ingress controller's own config writer.
func WriteMinimalConfig(configPath, tunnelID, credentialsFile string) error {
	if tunnelID == "" {
		return fmt.Errorf("tunnel id is required to write config")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "tunnel: %s\n", tunnelID)
	if credentialsFile != "" {
		fmt.Fprintf(&b, "credentials-file: %s\n", credentialsFile)
	}
	b.WriteString("ingress:\n  - service: http_status:404\n")
	return privileged.WriteFile(configPath, []byte(b.String()), 0o644)
}

// InstallService writes a launch wrapper that runs the tunnel with either
// a credentials file (preferred) or an exported token, then installs and
// enables the corresponding systemd unit or OpenRC init script.
func InstallService(ctx context.Context, mgr initsystem.Manager, configPath, token string) error {
	if err := writeWrapperScript(configPath, token); err != nil {
		return err
	}
	content := serviceUnitContent(mgr.Kind())
	if err := mgr.Install(ctx, serviceName, content); err != nil {
		return err
	}
	if err := mgr.Enable(ctx, serviceName); err != nil {
		return err
	}
	return mgr.Start(ctx, serviceName)
}

// UninstallService stops the managed tunnel service; it does not disable it.
func UninstallService(ctx context.Context, mgr initsystem.Manager) error {
	return mgr.Stop(ctx, serviceName)
}

func writeWrapperScript(configPath, token string) error {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n")
	if token != "" {
		fmt.Fprintf(&b, "export TUNNEL_TOKEN=%q\nexec cloudflared tunnel run --token \"$TUNNEL_TOKEN\"\n", token)
	} else {
		fmt.Fprintf(&b, "exec cloudflared tunnel --config %q run\n", configPath)
	}
	return privileged.WriteFile(wrapperPath, []byte(b.String()), 0o700)
}

func serviceUnitContent(kind initsystem.Kind) []byte {
	if kind == initsystem.OpenRC {
		return []byte(fmt.Sprintf(`#!/sbin/openrc-run
name="%[1]s"
command="%[2]s"
command_background="yes"
pidfile="/run/%[1]s.pid"

depend() {
	need net
}
`, serviceName, wrapperPath))
	}
	return []byte(fmt.Sprintf(`[Unit]
Description=Portacode managed Cloudflare tunnel
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s
Restart=always

[Install]
WantedBy=multi-user.target
`, wrapperPath))
}
