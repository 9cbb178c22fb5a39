package ingress

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/initsystem"
	"github.com/cuemby/portacode-agent/pkg/metrics"
	"github.com/cuemby/portacode-agent/pkg/state"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// cloudflaredServiceName is the init-system unit name reloaded after every
// config apply.
const cloudflaredServiceName = "cloudflared"

// Controller applies forwarding rule changes one at a time: every call
// to Apply is fully serialized so two concurrent requests can never
// interleave writes to the rule store or the cloudflared config file.
type Controller struct {
	mu sync.Mutex

	statePath  string
	leasesPath string
	configPath string
	init       initsystem.Manager
	netLookup  ContainerNetLookup
	routeDNS   func(hostnames []string, tunnelName string) error
}

// New constructs a Controller. init may be nil until an init system is
// detected; Apply then skips the reload step.
func New(statePath, leasesPath, configPath string, init initsystem.Manager) *Controller {
	return &Controller{
		statePath:  statePath,
		leasesPath: leasesPath,
		configPath: configPath,
		init:       init,
		routeDNS:   RouteDNS,
	}
}

// SetDNSRouter overrides the DNS registration step; tests use this to
// avoid shelling out to the real edge CLI.
func (c *Controller) SetDNSRouter(routeDNS func(hostnames []string, tunnelName string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routeDNS = routeDNS
}

// SetContainerNetLookup wires device-destination resolution to the
// infrastructure provisioner once it has discovered a hypervisor.
func (c *Controller) SetContainerNetLookup(lookup ContainerNetLookup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.netLookup = lookup
}

// ApplyRequest carries everything Apply needs beyond controller-level config.
type ApplyRequest struct {
	DeviceID    string
	Rules       []types.ForwardingRule // nil means "reuse the persisted rule set"
	TunnelState types.TunnelState
}

// ApplyResult is returned on a successful Apply.
type ApplyResult struct {
	Rules     []NormalizedRule
	UpdatedAt time.Time
}

// Apply validates and persists req.Rules (or the previously stored set),
// resolves every destination, rewrites the cloudflared config, registers
// DNS routes, and reloads the cloudflared service.
func (c *Controller) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(ctx, req)
}

// ExposeRequest carries the container-expose variant's inputs.
type ExposeRequest struct {
	DeviceID    string
	Ports       []int
	TunnelState types.TunnelState
}

// ApplyExpose computes the forwarding rules for exposing req.Ports on
// req.DeviceID, merges them into the persisted rule set (replacing any
// prior rules for that device), and runs the standard publish pipeline.
// It returns the applied rules plus the exposed-services table the caller
// should propagate into the container.
func (c *Controller) ApplyExpose(ctx context.Context, req ExposeRequest) (*ApplyResult, []types.ExposedService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	domain := strings.TrimSpace(req.TunnelState.Domain)
	computedRules, services, err := ComputeExposeRules(req.DeviceID, domain, req.Ports)
	if err != nil {
		return nil, nil, err
	}

	var stored types.ForwardingState
	if err := state.Load(c.statePath, &stored); err != nil && err != state.ErrNotExist {
		return nil, nil, err
	}
	merged := MergeDeviceRules(stored.Rules, strings.TrimSpace(req.DeviceID), computedRules)

	result, err := c.applyLocked(ctx, ApplyRequest{DeviceID: req.DeviceID, Rules: merged, TunnelState: req.TunnelState})
	if err != nil {
		return nil, nil, err
	}
	return result, services, nil
}

func (c *Controller) applyLocked(ctx context.Context, req ApplyRequest) (result *ApplyResult, err error) {
	timer := metrics.NewTimer()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.IngressApplyTotal.WithLabelValues(outcome).Inc()
		timer.ObserveDuration(metrics.IngressApplyDuration)
	}()
	return c.doApplyLocked(ctx, req)
}

func (c *Controller) doApplyLocked(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if !req.TunnelState.Configured {
		return nil, &agenterrors.ConflictError{Reason: "cloudflare tunnel is not configured yet"}
	}
	domain := strings.TrimSpace(req.TunnelState.Domain)
	tunnelName := strings.TrimSpace(req.TunnelState.TunnelName)
	if domain == "" || tunnelName == "" {
		return nil, &agenterrors.ConflictError{Reason: "cloudflare domain or tunnel name missing from state"}
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return nil, &agenterrors.ValidationError{Field: "device_id", Reason: "required"}
	}

	rawRules := req.Rules
	if rawRules == nil {
		var stored types.ForwardingState
		if err := state.Load(c.statePath, &stored); err != nil && err != state.ErrNotExist {
			return nil, err
		}
		rawRules = stored.Rules
	}

	normalized, err := NormalizeRules(rawRules, domain)
	if err != nil {
		return nil, err
	}

	persisted := types.ForwardingState{Rules: rawRulesFromNormalized(normalized), UpdatedAt: time.Now().UTC()}
	if err := state.Save(c.statePath, persisted, 0o600); err != nil {
		return nil, err
	}

	requiresDevice := false
	for _, rule := range normalized {
		if rule.Parsed.Kind == DestDevice {
			requiresDevice = true
			break
		}
	}

	var leases []Lease
	if requiresDevice {
		leases, err = LoadLeases(c.leasesPath)
		if err != nil {
			return nil, err
		}
	}

	entries, err := BuildIngressEntries(normalized, leases, c.netLookup)
	if err != nil {
		return nil, err
	}

	if err := WriteCloudflaredConfig(c.configPath, req.TunnelState.TunnelID, req.TunnelState.CredentialsFile, entries); err != nil {
		return nil, err
	}

	hostnames := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Hostname != "" {
			hostnames = append(hostnames, entry.Hostname)
		}
	}
	if len(hostnames) > 0 && c.routeDNS != nil {
		if err := c.routeDNS(hostnames, tunnelName); err != nil {
			return nil, err
		}
	}

	if c.init != nil {
		if err := reloadOrRestart(ctx, c.init, cloudflaredServiceName); err != nil {
			return nil, err
		}
	}

	return &ApplyResult{Rules: normalized, UpdatedAt: persisted.UpdatedAt}, nil
}

func rawRulesFromNormalized(normalized []NormalizedRule) []types.ForwardingRule {
	rules := make([]types.ForwardingRule, len(normalized))
	for i, n := range normalized {
		rules[i] = types.ForwardingRule{Hostname: n.Hostname, Destination: n.Destination}
	}
	return rules
}

// reloadOrRestart tries a graceful reload first, falling back to a full
// restart if the service doesn't support (or fails) an in-place reload.
func reloadOrRestart(ctx context.Context, mgr initsystem.Manager, name string) error {
	if err := mgr.Reload(ctx, name); err != nil {
		return mgr.Restart(ctx, name)
	}
	return nil
}
