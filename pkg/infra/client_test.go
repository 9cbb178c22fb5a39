package infra

import (
	"context"
	"fmt"
	"strings"
)

// fakeHypervisorClient is an in-memory HypervisorClient used across this
// package's tests, standing in for the REST implementation.
type fakeHypervisorClient struct {
	nodes     []string
	storages  []Storage
	templates []string
	nextVMID  int

	created map[int]CreateContainerSpec
	lxc     map[int]LXCConfig
	status  map[int]LXCStatus
	node    NodeStatus

	createErr error
	waitErr   error
}

func newFakeHypervisorClient() *fakeHypervisorClient {
	return &fakeHypervisorClient{
		nodes:     []string{"pve1"},
		storages:  []Storage{{Name: "local-lvm", Type: "lvmthin", Content: "rootdir,images", AvailByte: 100 << 30}},
		templates: []string{"debian-12-standard_12.2-1_amd64.tar.zst"},
		nextVMID:  100,
		created:   map[int]CreateContainerSpec{},
		lxc:       map[int]LXCConfig{},
		status:    map[int]LXCStatus{},
		node:      NodeStatus{Node: "pve1", MemTotalMiB: 16384, CPUCores: 8},
	}
}

func (f *fakeHypervisorClient) ListNodes(ctx context.Context) ([]string, error) { return f.nodes, nil }

func (f *fakeHypervisorClient) NodeStatus(ctx context.Context, node string) (NodeStatus, error) {
	return f.node, nil
}

func (f *fakeHypervisorClient) ListStorage(ctx context.Context, node string) ([]Storage, error) {
	return f.storages, nil
}

func (f *fakeHypervisorClient) ListTemplates(ctx context.Context, node string, storages []Storage) ([]string, error) {
	return f.templates, nil
}

func (f *fakeHypervisorClient) NextVMID(ctx context.Context) (int, error) {
	id := f.nextVMID
	f.nextVMID++
	return id, nil
}

func (f *fakeHypervisorClient) CreateContainer(ctx context.Context, node string, spec CreateContainerSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created[spec.VMID] = spec
	f.lxc[spec.VMID] = LXCConfig{Hostname: spec.Hostname, Net0: spec.Net0, MemoryMiB: spec.MemoryMiB, Cores: spec.Cores, Description: spec.Description}
	f.status[spec.VMID] = LXCStatus{Status: "stopped"}
	return fmt.Sprintf("UPID:pve1:create:%d", spec.VMID), nil
}

func (f *fakeHypervisorClient) WaitTask(ctx context.Context, node, upid string) error {
	return f.waitErr
}

func (f *fakeHypervisorClient) LXCConfig(ctx context.Context, node string, vmid int) (LXCConfig, error) {
	cfg, ok := f.lxc[vmid]
	if !ok {
		return LXCConfig{}, fmt.Errorf("no such container %d", vmid)
	}
	return cfg, nil
}

func (f *fakeHypervisorClient) LXCStatus(ctx context.Context, node string, vmid int) (LXCStatus, error) {
	status, ok := f.status[vmid]
	if !ok {
		return LXCStatus{}, fmt.Errorf("no such container %d", vmid)
	}
	return status, nil
}

func (f *fakeHypervisorClient) StartLXC(ctx context.Context, node string, vmid int) (string, error) {
	f.status[vmid] = LXCStatus{Status: "running"}
	return fmt.Sprintf("UPID:pve1:start:%d", vmid), nil
}

func (f *fakeHypervisorClient) ListRunningManaged(ctx context.Context, node, marker string) ([]LXCConfig, error) {
	var managed []LXCConfig
	for vmid, status := range f.status {
		if status.Status != "running" {
			continue
		}
		if cfg, ok := f.lxc[vmid]; ok && strings.Contains(cfg.Description, marker) {
			managed = append(managed, cfg)
		}
	}
	return managed, nil
}
