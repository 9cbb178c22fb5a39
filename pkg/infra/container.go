package infra

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/log"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// CreateContainerRequest carries the caller-supplied fields for
// create_proxmox_container.
type CreateContainerRequest struct {
	Template string
	Hostname string
	DiskGiB  int
	RAMMiB   int
	CPUs     int
	Storage  string
	Username string
	Password string
	SSHKey   string
	// DeviceID links this container to the device id the forwarding and
	// exposure subsystems address it by, so a later
	// configure_proxmox_container_expose_ports call can resolve it back
	// to a vmid.
	DeviceID string
}

// pickNode prefers the local node name, falling back to the first
// reported node.
func pickNode(nodes []string, preferred string) string {
	for _, n := range nodes {
		if n == preferred {
			return n
		}
	}
	if len(nodes) > 0 {
		return nodes[0]
	}
	return preferred
}

// pickStorage selects the rootdir-capable storage with the most
// available space, preferring pools with nonzero availability.
func pickStorage(storages []Storage) string {
	var withSpace, any []Storage
	for _, s := range storages {
		if !strings.Contains(s.Content, "rootdir") {
			continue
		}
		any = append(any, s)
		if s.AvailByte > 0 {
			withSpace = append(withSpace, s)
		}
	}
	candidates := withSpace
	if len(candidates) == 0 {
		candidates = any
	}
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, s := range candidates[1:] {
		if s.AvailByte > best.AvailByte {
			best = s
		}
	}
	return best.Name
}

func storageType(storages []Storage, name string) string {
	for _, s := range storages {
		if s.Name == name {
			return s.Type
		}
	}
	return ""
}

// formatRootfs renders the disk expression for a create request: LVM-
// backed pools take a raw gibibyte count, everything else wants an
// explicit "G" suffix.
func formatRootfs(storage string, diskGiB int, sType string) string {
	if sType == "lvm" || sType == "lvmthin" {
		return fmt.Sprintf("%s:%d", storage, diskGiB)
	}
	return fmt.Sprintf("%s:%dG", storage, diskGiB)
}

func positiveIntOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

// provisioningUserInfo fills in defaults for the in-container account:
// "svcuser" when no username is given, a random password when none is
// supplied.
func provisioningUserInfo(username, password, sshKey string) (user, pass, key string, err error) {
	user = strings.TrimSpace(username)
	if user == "" {
		user = "svcuser"
	}
	pass = password
	if pass == "" {
		pass, err = randomPassword()
		if err != nil {
			return "", "", "", err
		}
	}
	return user, pass, strings.TrimSpace(sshKey), nil
}

func randomPassword() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// buildContainerPayload assembles a create spec from a request, the
// already-resolved storage pool name, and the persisted hypervisor
// topology. Rootfs/vmid/node are filled in by the caller once a vmid has
// been allocated.
func buildContainerPayload(req CreateContainerRequest, cfg types.ProxmoxInfraConfig, storage string, availableTemplates []string) (spec CreateContainerSpec, diskGiB int, user string, err error) {
	template := req.Template
	if template == "" && len(availableTemplates) > 0 {
		template = availableTemplates[0]
	}
	if template == "" {
		return CreateContainerSpec{}, 0, "", &agenterrors.ValidationError{Field: "template", Reason: "required"}
	}
	if storage == "" {
		return CreateContainerSpec{}, 0, "", &agenterrors.ValidationError{Field: "storage", Reason: "could not be determined"}
	}

	diskGiB = positiveIntOr(req.DiskGiB, 32)
	ramMiB := positiveIntOr(req.RAMMiB, 2048)
	cpus := positiveIntOr(req.CPUs, 1)

	user, pass, sshKey, err := provisioningUserInfo(req.Username, req.Password, req.SSHKey)
	if err != nil {
		return CreateContainerSpec{}, 0, "", err
	}

	shape := resourceShape(ramMiB, cpus)
	infraLog := log.WithComponent("infra")
	infraLog.Debug().
		Int64("memory_limit_bytes", *shape.Memory.Limit).
		Str("cpuset", shape.CPU.Cpus).
		Uint64("cpu_shares", *shape.CPU.Shares).
		Msg("resolved requested container resource shape")

	spec = CreateContainerSpec{
		Hostname:     strings.TrimSpace(req.Hostname),
		Template:     template,
		MemoryMiB:    ramMiB,
		SwapMiB:      0,
		Cores:        cpus,
		CPUUnits:     maxInt(cpus*1024, 10),
		Net0:         fmt.Sprintf("name=eth0,bridge=%s,ip=dhcp", cfg.BridgeName),
		Unprivileged: true,
		Description:  ManagedMarker,
		Password:     pass,
		SSHPublicKey: sshKey,
	}
	return spec, diskGiB, user, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// resourceShape describes a requested container's RAM/CPU in OCI runtime-spec
// vocabulary (specs.LinuxResources) before it is translated into the
// Proxmox-specific CreateContainerSpec fields below. Proxmox has no notion
// of an OCI bundle, but expressing the request this way gives us one
// resource-shape type shared with anything in this codebase that talks to
// an OCI-style runtime, and a stable shape to log for diagnosing capacity
// rejections.
func resourceShape(ramMiB, cpus int) *specs.LinuxResources {
	limitBytes := int64(ramMiB) * 1024 * 1024
	shares := uint64(maxInt(cpus*1024, 10))
	return &specs.LinuxResources{
		Memory: &specs.LinuxMemory{
			Limit: &limitBytes,
		},
		CPU: &specs.LinuxCPU{
			Shares: &shares,
			Cpus:   fmt.Sprintf("0-%d", maxInt(cpus-1, 0)),
		},
	}
}

// checkStartBudget refuses to start a container if doing so would push
// aggregate RAM or CPU usage across already-running managed containers
// past the node's reported capacity.
func checkStartBudget(node NodeStatus, running []LXCConfig, target LXCConfig) error {
	var usedMemMiB, usedCores int
	for _, ct := range running {
		usedMemMiB += ct.MemoryMiB
		usedCores += ct.Cores
	}
	if node.MemTotalMiB > 0 && int64(usedMemMiB+target.MemoryMiB) > node.MemTotalMiB {
		return fmt.Errorf("not enough RAM to start this container safely")
	}
	if node.CPUCores > 0 && usedCores+target.Cores > node.CPUCores {
		return fmt.Errorf("not enough CPU cores to start this container safely")
	}
	return nil
}

// CreateManagedContainer resolves storage/template, allocates the next
// vmid, computes the rootfs expression for the storage's type, and calls
// the hypervisor create API, waiting for the task to finish.
func CreateManagedContainer(ctx context.Context, client HypervisorClient, node string, req CreateContainerRequest, cfg types.ProxmoxInfraConfig) (vmid int, spec CreateContainerSpec, user string, err error) {
	storages, err := client.ListStorage(ctx, node)
	if err != nil {
		return 0, CreateContainerSpec{}, "", err
	}
	storage := req.Storage
	if storage == "" {
		storage = pickStorage(storages)
	}
	templates, err := client.ListTemplates(ctx, node, storages)
	if err != nil {
		return 0, CreateContainerSpec{}, "", err
	}

	spec, diskGiB, user, err := buildContainerPayload(req, cfg, storage, templates)
	if err != nil {
		return 0, CreateContainerSpec{}, "", err
	}

	vmid, err = client.NextVMID(ctx)
	if err != nil {
		return 0, CreateContainerSpec{}, "", err
	}
	if spec.Hostname == "" {
		spec.Hostname = fmt.Sprintf("ct%d", vmid)
	}
	spec.VMID = vmid
	spec.Rootfs = formatRootfs(storage, diskGiB, storageType(storages, storage))

	upid, err := client.CreateContainer(ctx, node, spec)
	if err != nil {
		return 0, CreateContainerSpec{}, "", fmt.Errorf("create container: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := client.WaitTask(waitCtx, node, upid); err != nil {
		return 0, CreateContainerSpec{}, "", err
	}
	return vmid, spec, user, nil
}

// StartManagedContainer starts vmid if not already running, enforcing
// the RAM/CPU budget check first.
func StartManagedContainer(ctx context.Context, client HypervisorClient, node string, vmid int) error {
	status, err := client.LXCStatus(ctx, node, vmid)
	if err != nil {
		return err
	}
	if status.Status == "running" {
		return nil
	}

	nodeStatus, err := client.NodeStatus(ctx, node)
	if err != nil {
		return err
	}
	running, err := client.ListRunningManaged(ctx, node, ManagedMarker)
	if err != nil {
		return err
	}
	target, err := client.LXCConfig(ctx, node, vmid)
	if err != nil {
		return err
	}
	if err := checkStartBudget(nodeStatus, running, target); err != nil {
		return err
	}

	upid, err := client.StartLXC(ctx, node, vmid)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	return client.WaitTask(waitCtx, node, upid)
}
