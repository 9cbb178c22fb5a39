package handlers

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/portacode-agent/pkg/automation"
	"github.com/cuemby/portacode-agent/pkg/infra"
	"github.com/cuemby/portacode-agent/pkg/ingress"
	"github.com/cuemby/portacode-agent/pkg/initsystem"
	"github.com/cuemby/portacode-agent/pkg/log"
	"github.com/cuemby/portacode-agent/pkg/router"
	"github.com/cuemby/portacode-agent/pkg/tunnel"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// hypervisorTimeout bounds every Proxmox REST call the infra provisioner
// issues through Deps-constructed clients.
const hypervisorTimeout = 30 * time.Second

// Deps holds every long-lived subsystem a handler may need, constructed
// once at process startup and shared across every dispatched frame: an
// application-scoped service locator, not package-level singletons.
type Deps struct {
	Automation *automation.Runtime
	Ingress    *ingress.Controller
	Tunnel     *tunnel.Provisioner

	// Reg provides struct-tag payload validation; handlers call
	// Reg.ValidatePayload after decoding a command's payload.
	Reg *router.Registry

	InitKind initsystem.Kind
	InitMgr  initsystem.Manager

	// RequestExit, if set, is called by update_portacode_cli once its
	// acknowledgement has been sent, asking the supervising process to
	// shut down with the given exit code.
	RequestExit func(code int)

	containerDBPath string
	infraCfgPath    string

	infraMu sync.Mutex
	infra   *infra.Provisioner
	node    string
}

// NewDeps wires the subsystems together against the given state-file
// roots. If infra has previously been configured, its provisioner is
// reconstructed immediately so create_proxmox_container can be served
// without a redundant setup_proxmox_infra call first.
func NewDeps(reg *router.Registry, automationRuntime *automation.Runtime, ingressController *ingress.Controller, tunnelProvisioner *tunnel.Provisioner, containerDBPath, infraCfgPath string) *Deps {
	kind := initsystem.Detect()
	mgr, err := initsystem.New(kind)
	handlersLog := log.WithComponent("handlers")
	if err != nil {
		handlersLog.Warn().Err(err).Msg("no init system manager detected; service lifecycle calls will fail")
	}

	d := &Deps{
		Automation:      automationRuntime,
		Ingress:         ingressController,
		Tunnel:          tunnelProvisioner,
		Reg:             reg,
		InitKind:        kind,
		InitMgr:         mgr,
		containerDBPath: containerDBPath,
		infraCfgPath:    infraCfgPath,
	}

	cfg, loadErr := infra.LoadInfraConfig(infraCfgPath)
	if loadErr == nil && cfg.Configured {
		if _, buildErr := d.rebuildProvisioner(cfg); buildErr != nil {
			handlersLog.Warn().Err(buildErr).Msg("failed to reconstruct infra provisioner from persisted config")
		}
	}
	return d
}

// infraProvisioner returns the current provisioner, or an error if
// setup_proxmox_infra has not run yet.
func (d *Deps) infraProvisioner() (*infra.Provisioner, error) {
	d.infraMu.Lock()
	defer d.infraMu.Unlock()
	if d.infra == nil {
		return nil, fmt.Errorf("proxmox infrastructure is not configured yet")
	}
	return d.infra, nil
}

// rebuildProvisioner constructs a hypervisor REST client and Provisioner
// from a persisted config and caches it, closing any prior instance.
func (d *Deps) rebuildProvisioner(cfg types.ProxmoxInfraConfig) (*infra.Provisioner, error) {
	user, tokenName, err := infra.ParseToken(cfg.TokenIdentifier)
	if err != nil {
		return nil, err
	}
	client := infra.NewRESTClient(cfg.APIHost, user, tokenName, cfg.TokenValue, cfg.VerifySSL, hypervisorTimeout)

	d.infraMu.Lock()
	defer d.infraMu.Unlock()
	if d.infra != nil {
		_ = d.infra.Close()
	}
	provisioner, err := infra.NewProvisioner(client, d.InitMgr, infra.PctExecutor{}, cfg.Node, d.infraCfgPath, d.containerDBPath)
	if err != nil {
		return nil, err
	}
	d.infra = provisioner
	d.node = cfg.Node

	// Device-reference forwarding destinations ("http://[42]:8080") need
	// the hypervisor client to map a vmid to its DHCP identity.
	d.Ingress.SetContainerNetLookup(infra.ContainerNetLookup(client, cfg.Node))
	return provisioner, nil
}

// containerExecutor is the executor exposure propagation pushes files
// through; it needs no hypervisor client, only the local `pct` CLI.
func (d *Deps) containerExecutor() infra.ContainerExecutor {
	return infra.PctExecutor{}
}

// ResolveVMID maps a device id to the vmid of the container it was
// created for, used by configure_proxmox_container_expose_ports to find
// which container exposure propagation should push files into.
func (d *Deps) ResolveVMID(deviceID string) (int, error) {
	provisioner, err := d.infraProvisioner()
	if err != nil {
		return 0, err
	}
	record, found, err := provisioner.FindByDeviceID(deviceID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("no container found for device id %q", deviceID)
	}
	return record.VMID, nil
}
