package infra

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// NodeStatus is the subset of a hypervisor node's status report this
// package needs for RAM/CPU budgeting.
type NodeStatus struct {
	Node        string
	MemTotalMiB int64
	CPUCores    int
}

// Storage describes one storage pool on a node.
type Storage struct {
	Name      string
	Type      string
	Content   string
	AvailByte int64
}

// LXCConfig is the subset of a container's config this package reads
// back (hostname, network interface string, resource shape, marker).
type LXCConfig struct {
	Hostname    string
	Net0        string
	MemoryMiB   int
	Cores       int
	Description string
}

// LXCStatus reports whether a container is running and for how long.
type LXCStatus struct {
	Status string
	Uptime int64
}

// CreateContainerSpec is everything the hypervisor create endpoint needs.
type CreateContainerSpec struct {
	VMID         int
	Hostname     string
	Template     string
	Rootfs       string
	MemoryMiB    int
	SwapMiB      int
	Cores        int
	CPUUnits     int
	Net0         string
	Unprivileged bool
	Description  string
	Password     string
	SSHPublicKey string
}

// HypervisorClient abstracts the token-authenticated hypervisor API. A
// REST implementation backs production use; tests supply a fake.
type HypervisorClient interface {
	ListNodes(ctx context.Context) ([]string, error)
	NodeStatus(ctx context.Context, node string) (NodeStatus, error)
	ListStorage(ctx context.Context, node string) ([]Storage, error)
	ListTemplates(ctx context.Context, node string, storages []Storage) ([]string, error)
	NextVMID(ctx context.Context) (int, error)
	CreateContainer(ctx context.Context, node string, spec CreateContainerSpec) (upid string, err error)
	WaitTask(ctx context.Context, node, upid string) error
	LXCConfig(ctx context.Context, node string, vmid int) (LXCConfig, error)
	LXCStatus(ctx context.Context, node string, vmid int) (LXCStatus, error)
	StartLXC(ctx context.Context, node string, vmid int) (upid string, err error)
	ListRunningManaged(ctx context.Context, node, marker string) ([]LXCConfig, error)
}

// RESTClient talks to a Proxmox-shaped REST API using a PVEAPIToken
// header (`user@realm!tokenname=value`).
type RESTClient struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
}

// NewRESTClient builds a client against host (scheme defaults to https,
// port defaults to 8006) authenticating with user@realm!tokenname and
// tokenValue.
func NewRESTClient(host, user, tokenName, tokenValue string, verifySSL bool, timeout time.Duration) *RESTClient {
	base := host
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	if u, err := url.Parse(base); err == nil && u.Port() == "" {
		u.Host = u.Host + ":8006"
		base = u.String()
	}
	base = strings.TrimSuffix(base, "/") + "/api2/json"

	transport := http.DefaultTransport
	if !verifySSL {
		transport = insecureTransport()
	}
	return &RESTClient{
		baseURL:    base,
		authHeader: fmt.Sprintf("PVEAPIToken=%s!%s=%s", user, tokenName, tokenValue),
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
	}
}

func insecureTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return t
}

func (c *RESTClient) request(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		form := url.Values{}
		for k, v := range body.(map[string]string) {
			form.Set(k, v)
		}
		reader = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.authHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hypervisor request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hypervisor request %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode hypervisor response: %w", err)
	}
	return json.Unmarshal(envelope.Data, out)
}

func (c *RESTClient) ListNodes(ctx context.Context) ([]string, error) {
	var raw []struct {
		Node string `json:"node"`
	}
	if err := c.request(ctx, http.MethodGet, "/nodes", nil, &raw); err != nil {
		return nil, err
	}
	nodes := make([]string, len(raw))
	for i, n := range raw {
		nodes[i] = n.Node
	}
	return nodes, nil
}

func (c *RESTClient) NodeStatus(ctx context.Context, node string) (NodeStatus, error) {
	var raw struct {
		Memory struct {
			Total int64 `json:"total"`
		} `json:"memory"`
		CPUInfo struct {
			Cores int `json:"cores"`
		} `json:"cpuinfo"`
	}
	if err := c.request(ctx, http.MethodGet, "/nodes/"+node+"/status", nil, &raw); err != nil {
		return NodeStatus{}, err
	}
	return NodeStatus{Node: node, MemTotalMiB: raw.Memory.Total / (1024 * 1024), CPUCores: raw.CPUInfo.Cores}, nil
}

func (c *RESTClient) ListStorage(ctx context.Context, node string) ([]Storage, error) {
	var raw []struct {
		Storage string `json:"storage"`
		Type    string `json:"type"`
		Content string `json:"content"`
		Avail   int64  `json:"avail"`
	}
	if err := c.request(ctx, http.MethodGet, "/nodes/"+node+"/storage", nil, &raw); err != nil {
		return nil, err
	}
	storages := make([]Storage, len(raw))
	for i, s := range raw {
		storages[i] = Storage{Name: s.Storage, Type: s.Type, Content: s.Content, AvailByte: s.Avail}
	}
	return storages, nil
}

func (c *RESTClient) ListTemplates(ctx context.Context, node string, storages []Storage) ([]string, error) {
	var templates []string
	for _, storage := range storages {
		var raw []struct {
			Content string `json:"content"`
			VolID   string `json:"volid"`
		}
		if err := c.request(ctx, http.MethodGet, "/nodes/"+node+"/storage/"+storage.Name+"/content", nil, &raw); err != nil {
			continue
		}
		for _, item := range raw {
			if item.Content == "vztmpl" && item.VolID != "" {
				templates = append(templates, item.VolID)
			}
		}
	}
	return templates, nil
}

func (c *RESTClient) NextVMID(ctx context.Context) (int, error) {
	var raw string
	if err := c.request(ctx, http.MethodGet, "/cluster/nextid", nil, &raw); err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

func (c *RESTClient) CreateContainer(ctx context.Context, node string, spec CreateContainerSpec) (string, error) {
	body := map[string]string{
		"vmid":        strconv.Itoa(spec.VMID),
		"hostname":    spec.Hostname,
		"ostemplate":  spec.Template,
		"rootfs":      spec.Rootfs,
		"memory":      strconv.Itoa(spec.MemoryMiB),
		"swap":        strconv.Itoa(spec.SwapMiB),
		"cores":       strconv.Itoa(spec.Cores),
		"cpuunits":    strconv.Itoa(spec.CPUUnits),
		"net0":        spec.Net0,
		"description": spec.Description,
	}
	if spec.Unprivileged {
		body["unprivileged"] = "1"
	} else {
		body["unprivileged"] = "0"
	}
	if spec.Password != "" {
		body["password"] = spec.Password
	}
	if spec.SSHPublicKey != "" {
		body["ssh-public-keys"] = spec.SSHPublicKey
	}

	var upid string
	if err := c.request(ctx, http.MethodPost, "/nodes/"+node+"/lxc", body, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

func (c *RESTClient) WaitTask(ctx context.Context, node, upid string) error {
	for {
		var status struct {
			Status   string `json:"status"`
			ExitCode string `json:"exitstatus"`
		}
		if err := c.request(ctx, http.MethodGet, "/nodes/"+node+"/tasks/"+url.PathEscape(upid)+"/status", nil, &status); err != nil {
			return err
		}
		if status.Status == "stopped" {
			if status.ExitCode != "" && status.ExitCode != "OK" {
				return fmt.Errorf("hypervisor task %s failed: %s", upid, status.ExitCode)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
}

func (c *RESTClient) LXCConfig(ctx context.Context, node string, vmid int) (LXCConfig, error) {
	var raw struct {
		Hostname    string `json:"hostname"`
		Net0        string `json:"net0"`
		Memory      int    `json:"memory"`
		Cores       int    `json:"cores"`
		Description string `json:"description"`
	}
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/lxc/%d/config", node, vmid), nil, &raw); err != nil {
		return LXCConfig{}, err
	}
	return LXCConfig{Hostname: raw.Hostname, Net0: raw.Net0, MemoryMiB: raw.Memory, Cores: raw.Cores, Description: raw.Description}, nil
}

func (c *RESTClient) LXCStatus(ctx context.Context, node string, vmid int) (LXCStatus, error) {
	var raw struct {
		Status string `json:"status"`
		Uptime int64  `json:"uptime"`
	}
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/lxc/%d/status/current", node, vmid), nil, &raw); err != nil {
		return LXCStatus{}, err
	}
	return LXCStatus{Status: raw.Status, Uptime: raw.Uptime}, nil
}

func (c *RESTClient) StartLXC(ctx context.Context, node string, vmid int) (string, error) {
	var upid string
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/lxc/%d/status/start", node, vmid), map[string]string{}, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

func (c *RESTClient) ListRunningManaged(ctx context.Context, node, marker string) ([]LXCConfig, error) {
	var raw []struct {
		VMID   int    `json:"vmid"`
		Status string `json:"status"`
	}
	if err := c.request(ctx, http.MethodGet, "/nodes/"+node+"/lxc", nil, &raw); err != nil {
		return nil, err
	}
	var managed []LXCConfig
	for _, ct := range raw {
		if ct.Status != "running" {
			continue
		}
		cfg, err := c.LXCConfig(ctx, node, ct.VMID)
		if err != nil {
			continue
		}
		if strings.Contains(cfg.Description, marker) {
			managed = append(managed, cfg)
		}
	}
	return managed, nil
}
