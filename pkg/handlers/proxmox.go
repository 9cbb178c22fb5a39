package handlers

import (
	"context"
	"fmt"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/connection"
	"github.com/cuemby/portacode-agent/pkg/infra"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// setupInfraPayload decodes setup_proxmox_infra.
type setupInfraPayload struct {
	TokenIdentifier string `json:"token_identifier" validate:"required"`
	TokenValue      string `json:"token_value" validate:"required"`
	VerifySSL       *bool  `json:"verify_ssl"`
}

// SetupInfraHandler implements setup_proxmox_infra: validate the token,
// discover the hypervisor's node, bring up the managed bridge network,
// and persist credentials.
type SetupInfraHandler struct {
	Deps    *Deps
	APIHost string // configured hypervisor address, default infra.DefaultHost
}

func (h SetupInfraHandler) HandleSync(ctx context.Context, frame types.CommandFrame, sender connection.Sender) (types.ResponseFrame, error) {
	var payload setupInfraPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return types.ResponseFrame{}, &agenterrors.ValidationError{Reason: err.Error()}
	}
	if err := h.Deps.Reg.ValidatePayload(&payload); err != nil {
		return types.ResponseFrame{}, err
	}

	verifySSL := true
	if payload.VerifySSL != nil {
		verifySSL = *payload.VerifySSL
	}

	apiHost := h.APIHost
	if apiHost == "" {
		apiHost = infra.DefaultHost
	}

	user, tokenName, err := infra.ParseToken(payload.TokenIdentifier)
	if err != nil {
		return types.ResponseFrame{}, err
	}
	probeClient := infra.NewRESTClient(apiHost, user, tokenName, payload.TokenValue, verifySSL, hypervisorTimeout)
	nodes, err := probeClient.ListNodes(ctx)
	if err != nil {
		return types.ResponseFrame{}, fmt.Errorf("list hypervisor nodes: %w", err)
	}
	node := infra.DefaultHost
	if len(nodes) > 0 {
		node = nodes[0]
	}

	temp, err := infra.NewProvisioner(probeClient, h.Deps.InitMgr, infra.PctExecutor{}, node, h.Deps.infraCfgPath, h.Deps.containerDBPath)
	if err != nil {
		return types.ResponseFrame{}, err
	}
	temp.SetEventSender(progressSender(sender, frame))

	cfg, err := temp.Configure(ctx, frame.RequestID, payload.TokenIdentifier, payload.TokenValue, apiHost, verifySSL)
	temp.Close() // close before rebuildProvisioner reopens the same container index
	if err != nil {
		return types.ResponseFrame{}, err
	}

	if _, err := h.Deps.rebuildProvisioner(cfg); err != nil {
		return types.ResponseFrame{}, err
	}

	return types.ResponseFrame{
		Event: "proxmox_infra_configured",
		Fields: map[string]interface{}{
			"node":        cfg.Node,
			"bridge_name": cfg.BridgeName,
			"bridge_cidr": cfg.BridgeCIDR,
		},
	}, nil
}

// createContainerPayload decodes create_proxmox_container. Every field
// is optional; the provisioner fills in sensible defaults (next free
// VMID, default template/storage, generated password).
type createContainerPayload struct {
	Template string `json:"template"`
	Hostname string `json:"hostname"`
	DiskGiB  int    `json:"disk_gib"`
	RAMMiB   int    `json:"ram_mib"`
	CPUs     int    `json:"cpus"`
	Storage  string `json:"storage"`
	Username string `json:"username"`
	Password string `json:"password"`
	SSHKey   string `json:"ssh_key"`
	// DeviceID is not part of the documented command table but, when the
	// caller supplies it, links the created container to the device id
	// configure_proxmox_container_expose_ports later addresses it by.
	DeviceID string `json:"device_id"`
}

// CreateContainerHandler implements create_proxmox_container: run the
// full create/start/bootstrap pipeline, streaming proxmox_container_progress
// events and returning the final container record.
type CreateContainerHandler struct{ Deps *Deps }

func (h CreateContainerHandler) HandleSync(ctx context.Context, frame types.CommandFrame, sender connection.Sender) (types.ResponseFrame, error) {
	var payload createContainerPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return types.ResponseFrame{}, &agenterrors.ValidationError{Reason: err.Error()}
	}

	provisioner, err := h.Deps.infraProvisioner()
	if err != nil {
		return types.ResponseFrame{}, &agenterrors.ConflictError{Reason: err.Error()}
	}
	provisioner.SetEventSender(progressSender(sender, frame))

	record, err := provisioner.CreateAndBootstrap(ctx, frame.RequestID, infra.CreateContainerRequest{
		Template: payload.Template,
		Hostname: payload.Hostname,
		DiskGiB:  payload.DiskGiB,
		RAMMiB:   payload.RAMMiB,
		CPUs:     payload.CPUs,
		Storage:  payload.Storage,
		Username: payload.Username,
		Password: payload.Password,
		SSHKey:   payload.SSHKey,
		DeviceID: payload.DeviceID,
	})
	if err != nil {
		return types.ResponseFrame{}, err
	}

	return types.ResponseFrame{
		Event:  "proxmox_container_created",
		Fields: map[string]interface{}{"container": record},
	}, nil
}

// progressSender adapts a connection.Sender into the EventSender shape
// pkg/infra and pkg/tunnel use for interim progress events, echoing the
// originating frame's request_id/client_sessions the same way
// router.Registry.reply does for final responses.
func progressSender(sender connection.Sender, frame types.CommandFrame) func(types.ResponseFrame) {
	return func(event types.ResponseFrame) {
		if event.RequestID == "" {
			event.RequestID = frame.RequestID
		}
		if frame.SourceClientSession != "" && len(event.ClientSessions) == 0 {
			event.ClientSessions = []string{frame.SourceClientSession}
		}
		_ = sender.Send(event)
	}
}
