package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/initsystem"
	"github.com/cuemby/portacode-agent/pkg/metrics"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// EventSender delivers a proxmox_container_progress event over the live
// connection, rebound by the dispatcher on every handler invocation, same
// shape as pkg/automation's EventSender.
type EventSender func(frame types.ResponseFrame)

// phaseNetwork etc. name the lifecycle phases reported in progress events.
const (
	phaseNetwork   = "network"
	phaseCreate    = "create"
	phaseStart     = "start"
	phaseBootstrap = "bootstrap"
	phaseRevert    = "revert"
)

// Provisioner ties the hypervisor client, init-system manager, and
// container index together to run the full create/start/bootstrap
// pipeline, emitting progress events at every
// lifecycle and bootstrap step.
type Provisioner struct {
	client  HypervisorClient
	mgr     initsystem.Manager
	exec    ContainerExecutor
	node    string
	cfgPath string
	store   *ContainerStore

	sender EventSender
}

// NewProvisioner opens the container index at dbPath and returns a ready
// Provisioner bound to node.
func NewProvisioner(client HypervisorClient, mgr initsystem.Manager, executor ContainerExecutor, node, cfgPath, dbPath string) (*Provisioner, error) {
	store, err := OpenContainerStore(dbPath)
	if err != nil {
		return nil, err
	}
	if executor == nil {
		executor = PctExecutor{}
	}
	return &Provisioner{client: client, mgr: mgr, exec: executor, node: node, cfgPath: cfgPath, store: store}, nil
}

// Close releases the container index.
func (p *Provisioner) Close() error { return p.store.Close() }

// SetEventSender rebinds the progress event delivery path.
func (p *Provisioner) SetEventSender(sender EventSender) { p.sender = sender }

func (p *Provisioner) emit(requestID, stepName, phase, status string, stepIndex, totalSteps int, message string, details map[string]interface{}) {
	if p.sender == nil {
		return
	}
	fields := map[string]interface{}{
		"step_name":   stepName,
		"step_label":  friendlyStepLabel(stepName),
		"status":      status,
		"phase":       phase,
		"step_index":  stepIndex,
		"total_steps": totalSteps,
		"message":     message,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if details != nil {
		fields["details"] = details
	}
	p.sender(types.ResponseFrame{Event: "proxmox_container_progress", BypassSessionGate: true, Fields: fields})
}

// Configure validates the token identifier, brings up the managed bridge
// network, then persists the hypervisor credentials. EnsureBridge reverts
// the bridge units when its connectivity check fails; on any failure the
// config is left unpersisted.
func (p *Provisioner) Configure(ctx context.Context, requestID, tokenIdentifier, tokenValue, apiHost string, verifySSL bool) (types.ProxmoxInfraConfig, error) {
	p.emit(requestID, "validate_token", phaseNetwork, "in_progress", 0, 2, "validating token identifier", nil)
	user, tokenName, err := ParseToken(tokenIdentifier)
	if err != nil {
		p.emit(requestID, "validate_token", phaseNetwork, "failed", 0, 2, err.Error(), nil)
		return types.ProxmoxInfraConfig{}, err
	}
	p.emit(requestID, "validate_token", phaseNetwork, "completed", 0, 2, "token identifier valid", nil)

	p.emit(requestID, "ensure_bridge", phaseNetwork, "in_progress", 1, 2, "configuring bridge network", nil)
	result, err := EnsureBridge(ctx, p.mgr, DefaultBridge)
	if err != nil || !result.Applied {
		message := result.Message
		if err != nil {
			message = err.Error()
		}
		p.emit(requestID, "ensure_bridge", phaseNetwork, "failed", 1, 2, message, nil)
		if err != nil {
			return types.ProxmoxInfraConfig{}, err
		}
		return types.ProxmoxInfraConfig{}, fmt.Errorf("%s", message)
	}
	p.emit(requestID, "ensure_bridge", phaseNetwork, "completed", 1, 2, result.Message, nil)

	cfg := types.ProxmoxInfraConfig{
		TokenIdentifier: fmt.Sprintf("%s!%s", user, tokenName),
		TokenValue:      tokenValue,
		APIHost:         apiHost,
		Node:            p.node,
		VerifySSL:       verifySSL,
		BridgeName:      DefaultBridge,
		BridgeCIDR:      BridgeCIDR,
		Configured:      true,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := SaveInfraConfig(p.cfgPath, cfg); err != nil {
		return types.ProxmoxInfraConfig{}, err
	}
	return cfg, nil
}

// Revert tears down the managed bridge network, the failure path of
// Configure exposed as its own operation.
func (p *Provisioner) Revert(ctx context.Context, requestID string) error {
	p.emit(requestID, "revert_bridge", phaseRevert, "in_progress", 0, 1, "reverting bridge network", nil)
	if err := RevertBridge(ctx, p.mgr, DefaultBridge); err != nil {
		p.emit(requestID, "revert_bridge", phaseRevert, "failed", 0, 1, err.Error(), nil)
		return err
	}
	p.emit(requestID, "revert_bridge", phaseRevert, "completed", 0, 1, "bridge network reverted", nil)
	return nil
}

// Snapshot returns the persisted config and the full container index, used
// by get_infra_snapshot-equivalent callers.
func (p *Provisioner) Snapshot() (types.ProxmoxInfraConfig, []types.ContainerRecord, error) {
	cfg, err := LoadInfraConfig(p.cfgPath)
	if err != nil {
		return types.ProxmoxInfraConfig{}, nil, err
	}
	records, err := p.store.List()
	if err != nil {
		return types.ProxmoxInfraConfig{}, nil, err
	}
	return cfg, records, nil
}

// FindByDeviceID returns the container record whose DeviceID matches
// deviceID, used to resolve a configure_proxmox_container_expose_ports
// request back to the vmid exposure propagation pushes files into.
func (p *Provisioner) FindByDeviceID(deviceID string) (types.ContainerRecord, bool, error) {
	records, err := p.store.List()
	if err != nil {
		return types.ContainerRecord{}, false, err
	}
	for _, record := range records {
		if record.DeviceID == deviceID {
			return record, true, nil
		}
	}
	return types.ContainerRecord{}, false, nil
}

// CreateAndBootstrap runs the full pipeline: create, start, then an
// in-container bootstrap step sequence, emitting a progress event for
// every lifecycle and bootstrap step.
func (p *Provisioner) CreateAndBootstrap(ctx context.Context, requestID string, req CreateContainerRequest) (types.ContainerRecord, error) {
	timer := metrics.NewTimer()
	record, err := p.createAndBootstrap(ctx, requestID, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ContainersProvisionedTotal.WithLabelValues(outcome).Inc()
	timer.ObserveDuration(metrics.ContainerCreateDuration)
	return record, err
}

func (p *Provisioner) createAndBootstrap(ctx context.Context, requestID string, req CreateContainerRequest) (types.ContainerRecord, error) {
	cfg, err := LoadInfraConfig(p.cfgPath)
	if err != nil {
		return types.ContainerRecord{}, err
	}
	if !cfg.Configured {
		return types.ContainerRecord{}, &agenterrors.ValidationError{Field: "infra", Reason: "infrastructure is not configured"}
	}

	steps := BuildBootstrapSteps(req.Username, req.Password, req.SSHKey)
	totalSteps := 2 + len(steps) // create, start, then bootstrap steps

	p.emit(requestID, "create_container", phaseCreate, "in_progress", 0, totalSteps, "creating container", nil)
	vmid, spec, user, err := CreateManagedContainer(ctx, p.client, p.node, req, cfg)
	if err != nil {
		p.emit(requestID, "create_container", phaseCreate, "failed", 0, totalSteps, err.Error(), nil)
		return types.ContainerRecord{}, err
	}
	p.emit(requestID, "create_container", phaseCreate, "completed", 0, totalSteps, fmt.Sprintf("container %d created", vmid), map[string]interface{}{"vmid": vmid})

	record := types.ContainerRecord{
		VMID:         vmid,
		DeviceID:     req.DeviceID,
		Hostname:     spec.Hostname,
		Template:     spec.Template,
		Storage:      req.Storage,
		DiskGiB:      req.DiskGiB,
		RAMMiB:       spec.MemoryMiB,
		CPUs:         spec.Cores,
		Username:     user,
		Password:     spec.Password,
		SSHPublicKey: spec.SSHPublicKey,
		Description:  spec.Description,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.store.Put(record); err != nil {
		return types.ContainerRecord{}, err
	}

	p.emit(requestID, "start_container", phaseStart, "in_progress", 1, totalSteps, "starting container", map[string]interface{}{"vmid": vmid})
	if err := StartManagedContainer(ctx, p.client, p.node, vmid); err != nil {
		p.emit(requestID, "start_container", phaseStart, "failed", 1, totalSteps, err.Error(), map[string]interface{}{"vmid": vmid})
		return record, err
	}
	p.emit(requestID, "start_container", phaseStart, "completed", 1, totalSteps, "container started", map[string]interface{}{"vmid": vmid})

	progress := func(sp StepProgress) {
		var details map[string]interface{}
		if sp.Result != nil {
			details = map[string]interface{}{"exit_code": sp.Result.ExitCode, "attempt": sp.Attempt}
		}
		message := sp.ErrSummary
		if message == "" {
			message = fmt.Sprintf("running %s", sp.Step.Name)
		}
		p.emit(requestID, sp.Step.Name, phaseBootstrap, sp.Status, sp.Index, sp.Total, message, details)
	}

	publicKey, ok := RunBootstrapSteps(ctx, p.exec, vmid, user, steps, 2, totalSteps, progress)
	if !ok {
		return record, fmt.Errorf("bootstrap failed for container %d", vmid)
	}

	record.DevicePublicKey = publicKey
	if err := p.store.Put(record); err != nil {
		return record, err
	}
	return record, nil
}
