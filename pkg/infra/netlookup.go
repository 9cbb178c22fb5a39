package infra

import (
	"context"
	"strconv"
	"strings"
)

// parseNet0 splits a Proxmox-style "name=eth0,bridge=vmbr1,hwaddr=AA:BB..."
// interface string into its key/value pairs.
func parseNet0(net0 string) map[string]string {
	values := map[string]string{}
	for _, part := range strings.Split(net0, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return values
}

// ContainerNetLookup resolves a device ID (the vmid, as a string) to its
// DHCP identity by reading the container's net0 config back from the
// hypervisor. Satisfies pkg/ingress.ContainerNetLookup.
func ContainerNetLookup(client HypervisorClient, node string) func(deviceID string) (mac, hostname string, err error) {
	return func(deviceID string) (string, string, error) {
		vmid, err := strconv.Atoi(strings.TrimSpace(deviceID))
		if err != nil {
			return "", "", &invalidDeviceIDError{deviceID: deviceID}
		}
		cfg, err := client.LXCConfig(context.Background(), node, vmid)
		if err != nil {
			return "", "", err
		}
		mac := parseNet0(cfg.Net0)["hwaddr"]
		return mac, cfg.Hostname, nil
	}
}

type invalidDeviceIDError struct{ deviceID string }

func (e *invalidDeviceIDError) Error() string {
	return "device id is not a valid container vmid: " + e.deviceID
}
