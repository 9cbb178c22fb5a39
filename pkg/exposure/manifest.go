package exposure

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/portacode-agent/pkg/types"
)

// Remote paths the exposure table is written to inside a container.
const (
	JSONPath           = "/etc/portacode/exposed_services.json"
	EnvPath            = "/etc/portacode/exposed_services.env"
	ProfileDPath       = "/etc/profile.d/portacode_exposed_services.sh"
	EnvironmentDPath   = "/etc/environment.d/90-portacode-exposed-services.conf"
	DefaultPath        = "/etc/default/portacode_exposed_services"
	SystemdDropInPath  = "/etc/systemd/system.conf.d/90-portacode-exposed-services.conf"
	OpenRCDropInPath   = "/etc/conf.d/portacode_exposed_services"
	EtcEnvironmentPath = "/etc/environment"
)

// envVarPrefix namespaces every per-service variable this package writes,
// so /etc/environment's managed-key strip can recognize its own
// keys without a separate marker file.
const envVarPrefix = "PORTACODE_EXPOSED_"

// aggregateVar mirrors the agent-side override env var, reused here as
// the container-side aggregate table variable.
const aggregateVar = "PORTACODE_EXPOSED_SERVICES_JSON"

// manifest is the JSON document written to JSONPath.
type manifest struct {
	Services  []types.ExposedService `json:"services"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// BuildJSON renders the exposure table as the fixed JSON manifest. The
// input is sorted by port first so repeated calls with the same table
// produce byte-identical output.
func BuildJSON(services []types.ExposedService, updatedAt time.Time) ([]byte, error) {
	sorted := sortedServices(services)
	doc := manifest{Services: sorted, UpdatedAt: updatedAt.UTC()}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// envVars renders the table as KEY=VALUE pairs: one aggregate JSON blob
// plus one URL variable per service, keyed by port so a shell script can
// reference a specific exposed port without parsing JSON.
func envVars(services []types.ExposedService) ([][2]string, error) {
	sorted := sortedServices(services)
	aggregate, err := json.Marshal(sorted)
	if err != nil {
		return nil, err
	}
	vars := [][2]string{{aggregateVar, string(aggregate)}}
	for _, svc := range sorted {
		key := fmt.Sprintf("%sPORT_%d_URL", envVarPrefix, svc.Port)
		vars = append(vars, [2]string{key, svc.URL})
	}
	return vars, nil
}

func sortedServices(services []types.ExposedService) []types.ExposedService {
	sorted := append([]types.ExposedService(nil), services...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Port < sorted[j].Port })
	return sorted
}

// BuildShellEnvFile renders vars as POSIX-shell-sourceable assignments,
// the format shared by EnvPath, DefaultPath, and OpenRCDropInPath.
func BuildShellEnvFile(services []types.ExposedService) ([]byte, error) {
	vars, err := envVars(services)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("# Managed-By: portacode-agent -- do not edit, regenerated on every forwarding change\n")
	for _, kv := range vars {
		fmt.Fprintf(&b, "%s=%s\n", kv[0], shellQuote(kv[1]))
	}
	return []byte(b.String()), nil
}

// BuildProfileDScript renders the login-shell hook that sources EnvPath.
func BuildProfileDScript() []byte {
	return []byte(`#!/bin/sh
# Managed-By: portacode-agent -- do not edit
if [ -r "` + EnvPath + `" ]; then
  set -a
  . "` + EnvPath + `"
  set +a
fi
`)
}

// BuildSystemdDropIn renders the [Manager] DefaultEnvironment drop-in.
func BuildSystemdDropIn(services []types.ExposedService) ([]byte, error) {
	vars, err := envVars(services)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("# Managed-By: portacode-agent -- do not edit\n[Manager]\n")
	for _, kv := range vars {
		fmt.Fprintf(&b, "DefaultEnvironment=%s=%s\n", kv[0], shellQuote(kv[1]))
	}
	return []byte(b.String()), nil
}

// BuildEnvironmentD renders the pam_env-compatible KEY=VALUE drop-in.
func BuildEnvironmentD(services []types.ExposedService) ([]byte, error) {
	return buildKeyValueLines(services)
}

func buildKeyValueLines(services []types.ExposedService) ([]byte, error) {
	vars, err := envVars(services)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("# Managed-By: portacode-agent -- do not edit\n")
	for _, kv := range vars {
		fmt.Fprintf(&b, "%s=%s\n", kv[0], kv[1])
	}
	return []byte(b.String()), nil
}

// MergeEtcEnvironment strips any previously-managed PORTACODE_EXPOSED_*
// keys from current's lines and appends the fresh set, preserving every
// other non-blank line and its order. Blank lines are dropped.
func MergeEtcEnvironment(current []byte, services []types.ExposedService) ([]byte, error) {
	vars, err := envVars(services)
	if err != nil {
		return nil, err
	}

	var kept []string
	for _, line := range strings.Split(string(current), "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" {
			continue
		}
		key, _, _ := strings.Cut(trimmed, "=")
		if strings.HasPrefix(strings.TrimSpace(key), envVarPrefix) {
			continue
		}
		kept = append(kept, trimmed)
	}
	for _, kv := range vars {
		kept = append(kept, fmt.Sprintf("%s=%s", kv[0], kv[1]))
	}
	return []byte(strings.Join(kept, "\n") + "\n"), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
