package handlers

import (
	"github.com/cuemby/portacode-agent/pkg/router"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// Register wires every gateway command name onto reg. deps
// must already carry the subsystems every handler needs (see NewDeps);
// accessors supplies the lazily-constructed pieces that depend on the
// inbound device/tunnel context rather than process-wide state.
func Register(reg *router.Registry, deps *Deps, accessors Accessors) {
	reg.RegisterAsync("automation_v2_start", AutomationStartHandler{Deps: deps})
	reg.RegisterAsync("automation_v2_state", AutomationStateHandler{Deps: deps})
	reg.RegisterAsync("automation_v2_cancel", AutomationCancelHandler{Deps: deps})

	reg.RegisterSync("configure_cloudflare_forwarding", ConfigureForwardingHandler{
		Deps:        deps,
		TunnelState: accessors.TunnelState,
	})
	reg.RegisterSync("configure_proxmox_container_expose_ports", ExposePortsHandler{
		Deps:        deps,
		TunnelState: accessors.TunnelState,
		ResolveVMID: accessors.ResolveVMID,
	})

	reg.RegisterSync("setup_cloudflare_tunnel", SetupTunnelHandler{Deps: deps})

	reg.RegisterSync("setup_proxmox_infra", SetupInfraHandler{Deps: deps, APIHost: accessors.HypervisorHost})
	reg.RegisterSync("create_proxmox_container", CreateContainerHandler{Deps: deps})

	reg.RegisterAsync("update_portacode_cli", UpdateCLIHandler{Deps: deps})
}

// Accessors carries the small pieces of context Register's handlers need
// that aren't plain long-lived subsystems: reading persisted tunnel
// state, resolving a device id to a container vmid, and the configured
// hypervisor host.
type Accessors struct {
	TunnelState    func() (types.TunnelState, error)
	ResolveVMID    func(deviceID string) (int, error)
	HypervisorHost string
}
