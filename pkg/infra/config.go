package infra

import (
	"strings"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/state"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// DefaultHost is used when no explicit hypervisor address is configured.
const DefaultHost = "localhost"

// DefaultBridge is the bridge interface the network setup step manages.
const DefaultBridge = "vmbr1"

// BridgeCIDR is the static subnet assigned to DefaultBridge.
const BridgeCIDR = "10.10.0.1/24"

// ManagedMarker tags every container this agent creates so budget checks
// and revert logic can tell managed containers from unrelated ones.
const ManagedMarker = "portacode-managed:true"

// ParseToken splits a "user@realm!tokenname" identifier into its user and
// token-name parts.
func ParseToken(identifier string) (user, tokenName string, err error) {
	identifier = strings.TrimSpace(identifier)
	if !strings.Contains(identifier, "!") || !strings.Contains(identifier, "@") {
		return "", "", &agenterrors.ValidationError{Field: "token_identifier", Reason: "expected user@realm!tokenname"}
	}
	userPart, name, _ := strings.Cut(identifier, "!")
	userPart = strings.TrimSpace(userPart)
	name = strings.TrimSpace(name)
	if !strings.Contains(userPart, "@") {
		return "", "", &agenterrors.ValidationError{Field: "token_identifier", Reason: "missing user realm (user@realm)"}
	}
	if name == "" {
		return "", "", &agenterrors.ValidationError{Field: "token_identifier", Reason: "missing token name"}
	}
	return userPart, name, nil
}

// LoadInfraConfig reads the persisted hypervisor config, returning a zero
// value (Configured == false) if none has been saved yet.
func LoadInfraConfig(path string) (types.ProxmoxInfraConfig, error) {
	var cfg types.ProxmoxInfraConfig
	if err := state.Load(path, &cfg); err != nil && err != state.ErrNotExist {
		return types.ProxmoxInfraConfig{}, err
	}
	return cfg, nil
}

// SaveInfraConfig persists cfg 0600; it holds the API token value.
func SaveInfraConfig(path string, cfg types.ProxmoxInfraConfig) error {
	return state.Save(path, cfg, 0o600)
}
