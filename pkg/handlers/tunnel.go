package handlers

import (
	"context"
	"time"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/connection"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// defaultTunnelLoginTimeout bounds how long EnsureTunnel waits for
// `cloudflared tunnel login` to produce a stabilized cert file.
const defaultTunnelLoginTimeout = 5 * time.Minute

// setupTunnelPayload decodes setup_cloudflare_tunnel.
type setupTunnelPayload struct {
	DeviceID       string `json:"device_id" validate:"required"`
	TimeoutSeconds *int   `json:"timeout"`
}

// SetupTunnelHandler implements setup_cloudflare_tunnel: runs the
// install-detect -> login -> tunnel-create -> config -> service-install
// pipeline, relaying the interim cloudflare_tunnel_login event as soon as
// a login URL is scraped.
type SetupTunnelHandler struct{ Deps *Deps }

func (h SetupTunnelHandler) HandleSync(ctx context.Context, frame types.CommandFrame, sender connection.Sender) (types.ResponseFrame, error) {
	var payload setupTunnelPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return types.ResponseFrame{}, &agenterrors.ValidationError{Reason: err.Error()}
	}
	if err := h.Deps.Reg.ValidatePayload(&payload); err != nil {
		return types.ResponseFrame{}, err
	}

	timeout := defaultTunnelLoginTimeout
	if payload.TimeoutSeconds != nil {
		timeout = time.Duration(*payload.TimeoutSeconds) * time.Second
	}

	h.Deps.Tunnel.SetEventSender(progressSender(sender, frame))
	state, err := h.Deps.Tunnel.EnsureTunnel(ctx, frame.RequestID, payload.DeviceID, timeout)
	if err != nil {
		return types.ResponseFrame{}, err
	}

	return types.ResponseFrame{
		Event: "cloudflare_tunnel_configured",
		Fields: map[string]interface{}{
			"domain":      state.Domain,
			"tunnel_name": state.TunnelName,
			"tunnel_id":   state.TunnelID,
		},
	}, nil
}
