package handlers

import (
	"context"
	"fmt"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/connection"
	"github.com/cuemby/portacode-agent/pkg/exposure"
	"github.com/cuemby/portacode-agent/pkg/ingress"
	"github.com/cuemby/portacode-agent/pkg/tunnel"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// configureForwardingPayload decodes configure_cloudflare_forwarding.
// Rules is optional: an omitted or empty list reapplies the persisted
// rule set unchanged.
type configureForwardingPayload struct {
	DeviceID string                 `json:"device_id" validate:"required"`
	Rules    []types.ForwardingRule `json:"rules"`
}

// ConfigureForwardingHandler implements configure_cloudflare_forwarding.
type ConfigureForwardingHandler struct {
	Deps        *Deps
	TunnelState func() (types.TunnelState, error)
}

func (h ConfigureForwardingHandler) HandleSync(ctx context.Context, frame types.CommandFrame, sender connection.Sender) (types.ResponseFrame, error) {
	var payload configureForwardingPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return types.ResponseFrame{}, &agenterrors.ValidationError{Reason: err.Error()}
	}
	if err := h.Deps.Reg.ValidatePayload(&payload); err != nil {
		return types.ResponseFrame{}, err
	}

	tunnelState, err := h.TunnelState()
	if err != nil {
		return types.ResponseFrame{}, err
	}

	var rules []types.ForwardingRule
	if len(payload.Rules) > 0 {
		rules = payload.Rules
	}

	result, err := h.Deps.Ingress.Apply(ctx, ingress.ApplyRequest{
		DeviceID:    payload.DeviceID,
		Rules:       rules,
		TunnelState: tunnelState,
	})
	if err != nil {
		return types.ResponseFrame{}, err
	}

	hostnames := make([]string, 0, len(result.Rules))
	for _, rule := range result.Rules {
		hostnames = append(hostnames, rule.Hostname)
	}

	return types.ResponseFrame{
		Event: "cloudflare_forwarding_configured",
		Fields: map[string]interface{}{
			"device_id": payload.DeviceID,
			"hostnames": hostnames,
			"updated_at": result.UpdatedAt,
		},
	}, nil
}

// exposePortsPayload decodes configure_proxmox_container_expose_ports.
type exposePortsPayload struct {
	ChildDeviceID string `json:"child_device_id" validate:"required"`
	ExposePorts   []int  `json:"expose_ports" validate:"max=3,dive,min=1,max=65535"`
}

// ExposePortsHandler implements configure_proxmox_container_expose_ports:
// compute+merge forwarding rules for the device, apply them, then push
// the resulting exposure table into the container via pkg/exposure.
type ExposePortsHandler struct {
	Deps        *Deps
	TunnelState func() (types.TunnelState, error)
	// ResolveVMID maps a child device id to its container's vmid, since
	// exposure propagation pushes files through `pct push`, not DNS.
	ResolveVMID func(deviceID string) (int, error)
}

func (h ExposePortsHandler) HandleSync(ctx context.Context, frame types.CommandFrame, sender connection.Sender) (types.ResponseFrame, error) {
	var payload exposePortsPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return types.ResponseFrame{}, &agenterrors.ValidationError{Reason: err.Error()}
	}
	if err := h.Deps.Reg.ValidatePayload(&payload); err != nil {
		return types.ResponseFrame{}, err
	}

	tunnelState, err := h.TunnelState()
	if err != nil {
		return types.ResponseFrame{}, err
	}

	_, services, err := h.Deps.Ingress.ApplyExpose(ctx, ingress.ExposeRequest{
		DeviceID:    payload.ChildDeviceID,
		Ports:       payload.ExposePorts,
		TunnelState: tunnelState,
	})
	if err != nil {
		return types.ResponseFrame{}, err
	}

	if len(services) > 0 && h.ResolveVMID != nil {
		vmid, err := h.ResolveVMID(payload.ChildDeviceID)
		if err != nil {
			return types.ResponseFrame{}, fmt.Errorf("resolve container for %s: %w", payload.ChildDeviceID, err)
		}
		if err := exposure.Propagate(ctx, h.Deps.containerExecutor(), vmid, services); err != nil {
			return types.ResponseFrame{}, err
		}
	}

	return types.ResponseFrame{
		Event: "proxmox_container_expose_ports_configured",
		Fields: map[string]interface{}{
			"child_device_id": payload.ChildDeviceID,
			"services":        services,
		},
	}, nil
}

// tunnelStateReader builds the TunnelState accessor shared by the
// forwarding handlers: read whatever is persisted, regardless of
// whether setup_cloudflare_tunnel ran in this process lifetime.
func tunnelStateReader(statePath string) func() (types.TunnelState, error) {
	return func() (types.TunnelState, error) {
		return tunnel.LoadTunnelState(statePath)
	}
}
