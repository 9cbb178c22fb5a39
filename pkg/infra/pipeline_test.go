package infra

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/portacode-agent/pkg/types"
)

func TestCreateManagedContainerAllocatesVMIDAndFormatsRootfs(t *testing.T) {
	client := newFakeHypervisorClient()
	cfg := types.ProxmoxInfraConfig{BridgeName: "vmbr1"}
	req := CreateContainerRequest{DiskGiB: 20, RAMMiB: 1024, CPUs: 2}

	vmid, spec, user, err := CreateManagedContainer(context.Background(), client, "pve1", req, cfg)
	require.NoError(t, err)
	require.Equal(t, 100, vmid)
	require.Equal(t, "local-lvm:20", spec.Rootfs)
	require.Equal(t, "ct100", spec.Hostname)
	require.Equal(t, "svcuser", user)

	stored, ok := client.created[vmid]
	require.True(t, ok)
	require.Equal(t, spec.Rootfs, stored.Rootfs)
}

func TestCreateManagedContainerHonorsExplicitStorageAndHostname(t *testing.T) {
	client := newFakeHypervisorClient()
	client.storages = append(client.storages, Storage{Name: "local", Type: "dir", Content: "rootdir", AvailByte: 1})
	req := CreateContainerRequest{Storage: "local", Hostname: "edge-1", DiskGiB: 10}

	_, spec, _, err := CreateManagedContainer(context.Background(), client, "pve1", req, types.ProxmoxInfraConfig{})
	require.NoError(t, err)
	require.Equal(t, "local:10G", spec.Rootfs)
	require.Equal(t, "edge-1", spec.Hostname)
}

func TestStartManagedContainerNoOpsWhenAlreadyRunning(t *testing.T) {
	client := newFakeHypervisorClient()
	vmid, _, _, err := CreateManagedContainer(context.Background(), client, "pve1", CreateContainerRequest{}, types.ProxmoxInfraConfig{})
	require.NoError(t, err)
	client.status[vmid] = LXCStatus{Status: "running"}

	require.NoError(t, StartManagedContainer(context.Background(), client, "pve1", vmid))
}

func TestStartManagedContainerRejectsOverBudgetStart(t *testing.T) {
	client := newFakeHypervisorClient()
	client.node = NodeStatus{Node: "pve1", MemTotalMiB: 1024, CPUCores: 1}
	vmid, _, _, err := CreateManagedContainer(context.Background(), client, "pve1", CreateContainerRequest{RAMMiB: 2048, CPUs: 2}, types.ProxmoxInfraConfig{})
	require.NoError(t, err)

	err = StartManagedContainer(context.Background(), client, "pve1", vmid)
	require.Error(t, err)
}

func TestStartManagedContainerStartsWithinBudget(t *testing.T) {
	client := newFakeHypervisorClient()
	vmid, _, _, err := CreateManagedContainer(context.Background(), client, "pve1", CreateContainerRequest{RAMMiB: 512, CPUs: 1}, types.ProxmoxInfraConfig{})
	require.NoError(t, err)

	require.NoError(t, StartManagedContainer(context.Background(), client, "pve1", vmid))
	status, err := client.LXCStatus(context.Background(), "pve1", vmid)
	require.NoError(t, err)
	require.Equal(t, "running", status.Status)
}

func TestContainerNetLookupParsesHwaddrFromNet0(t *testing.T) {
	client := newFakeHypervisorClient()
	client.lxc[100] = LXCConfig{Hostname: "ct100", Net0: "name=eth0,bridge=vmbr1,hwaddr=AA:BB:CC:DD:EE:FF,ip=dhcp"}

	lookup := ContainerNetLookup(client, "pve1")
	mac, hostname, err := lookup("100")
	require.NoError(t, err)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", mac)
	require.Equal(t, "ct100", hostname)
}

func TestContainerNetLookupRejectsNonNumericDeviceID(t *testing.T) {
	client := newFakeHypervisorClient()
	lookup := ContainerNetLookup(client, "pve1")
	_, _, err := lookup("not-a-vmid")
	require.Error(t, err)
}
