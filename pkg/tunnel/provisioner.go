package tunnel

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/portacode-agent/pkg/initsystem"
	"github.com/cuemby/portacode-agent/pkg/metrics"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// EventSender delivers a tunnel lifecycle event over the live connection,
// rebound per dispatch by its handler, the same shape as pkg/infra's sender.
type EventSender func(frame types.ResponseFrame)

// Provisioner runs the full "ensure a named tunnel exists" pipeline
// and persists the result.
type Provisioner struct {
	statePath string
	sender    EventSender
}

// NewProvisioner returns a Provisioner persisting to statePath.
func NewProvisioner(statePath string) *Provisioner { return &Provisioner{statePath: statePath} }

// SetEventSender rebinds the event delivery path.
func (p *Provisioner) SetEventSender(sender EventSender) { p.sender = sender }

func (p *Provisioner) emit(requestID, event string, fields map[string]interface{}) {
	if p.sender == nil {
		return
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	p.sender(types.ResponseFrame{Event: event, BypassSessionGate: true, Fields: fields})
}

// EnsureTunnel runs the full pipeline: install the CLI if missing,
// drive an interactive login if no cert exists yet (emitting an interim
// cloudflare_tunnel_login event with the scraped URL), find-or-create the
// named tunnel, obtain credentials, write a minimal config, and install
// the supervised service.
func (p *Provisioner) EnsureTunnel(ctx context.Context, requestID, tunnelName string, loginTimeout time.Duration) (types.TunnelState, error) {
	timer := metrics.NewTimer()
	state, err := p.ensureTunnel(ctx, requestID, tunnelName, loginTimeout)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.TunnelSetupTotal.WithLabelValues(outcome).Inc()
	timer.ObserveDuration(metrics.TunnelSetupDuration)
	return state, err
}

func (p *Provisioner) ensureTunnel(ctx context.Context, requestID, tunnelName string, loginTimeout time.Duration) (types.TunnelState, error) {
	if _, err := EnsureCloudflaredInstalled(); err != nil {
		return types.TunnelState{}, fmt.Errorf("ensure cloudflared installed: %w", err)
	}

	certPath := DefaultCertPath()
	if info, err := os.Stat(certPath); err != nil || info.Size() == 0 {
		result, err := RunLogin(ctx, certPath, loginTimeout, func(url string) {
			p.emit(requestID, "cloudflare_tunnel_login", map[string]interface{}{"login_url": url})
		})
		if err != nil {
			return types.TunnelState{}, err
		}
		if !result.CertDetected {
			if result.TimedOut {
				return types.TunnelState{}, fmt.Errorf("tunnel login timed out before a certificate was issued")
			}
			return types.TunnelState{}, fmt.Errorf("tunnel login exited (code %d) before a certificate was issued", result.ExitCode)
		}
	}

	domain, err := authenticatedDomain(ctx, certPath)
	if err != nil {
		return types.TunnelState{}, fmt.Errorf("determine authenticated domain: %w", err)
	}

	tunnel, existed, err := FindTunnel(tunnelName)
	if err != nil {
		return types.TunnelState{}, err
	}
	if !existed {
		if err := CreateTunnel(tunnelName); err != nil {
			return types.TunnelState{}, err
		}
		tunnel, existed, err = FindTunnel(tunnelName)
		if err != nil {
			return types.TunnelState{}, err
		}
		if !existed {
			return types.TunnelState{}, fmt.Errorf("tunnel %s created but not found afterward", tunnelName)
		}
	}

	// Prefer a credentials JSON; fall back to a stored run token when the
	// CLI can't reconstruct one.
	credentialsPath := CredentialsPathForTunnel(tunnel.ID)
	var token, tokenPath string
	if info, statErr := os.Stat(credentialsPath); statErr != nil || info.Size() == 0 {
		if dlErr := DownloadTunnelCredentials(tunnel.ID, credentialsPath); dlErr != nil {
			tokenPath = TokenPathForTunnel(tunnel.ID)
			token, err = FetchTunnelToken(tunnel.ID, tokenPath)
			if err != nil {
				return types.TunnelState{}, fmt.Errorf("no credentials file and no token for tunnel %s: %w (credentials error: %v)", tunnel.ID, err, dlErr)
			}
			credentialsPath = ""
		}
	}

	configPath := DefaultConfigPath()
	if err := WriteMinimalConfig(configPath, tunnel.ID, credentialsPath); err != nil {
		return types.TunnelState{}, err
	}

	kind := initsystem.Detect()
	mgr, err := initsystem.New(kind)
	if err != nil {
		return types.TunnelState{}, err
	}
	if err := InstallService(ctx, mgr, configPath, token); err != nil {
		return types.TunnelState{}, err
	}

	state := types.TunnelState{
		Configured:       true,
		Domain:           domain,
		TunnelName:       tunnelName,
		TunnelID:         tunnel.ID,
		CredentialsFile:  credentialsPath,
		TokenFile:        tokenPath,
		ConfigPath:       configPath,
		CertPath:         certPath,
		ServiceInstalled: true,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := SaveTunnelState(p.statePath, state); err != nil {
		return types.TunnelState{}, err
	}

	p.emit(requestID, "cloudflare_tunnel_configured", map[string]interface{}{
		"tunnel_id":   state.TunnelID,
		"tunnel_name": state.TunnelName,
	})
	return state, nil
}
