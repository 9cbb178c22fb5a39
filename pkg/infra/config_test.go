package infra

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/types"
)

func TestParseTokenAcceptsWellFormedIdentifier(t *testing.T) {
	user, name, err := ParseToken("root@pam!agent")
	require.NoError(t, err)
	require.Equal(t, "root@pam", user)
	require.Equal(t, "agent", name)
}

func TestParseTokenRejectsMissingRealm(t *testing.T) {
	_, _, err := ParseToken("root!agent")
	require.Error(t, err)
	var verr *agenterrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestParseTokenRejectsMissingTokenName(t *testing.T) {
	_, _, err := ParseToken("root@pam!")
	require.Error(t, err)
}

func TestSaveAndLoadInfraConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxmox_infra.json")

	cfg := types.ProxmoxInfraConfig{
		TokenIdentifier: "root@pam!agent",
		TokenValue:      "secret",
		Node:            "pve1",
		Configured:      true,
	}
	require.NoError(t, SaveInfraConfig(path, cfg))

	loaded, err := LoadInfraConfig(path)
	require.NoError(t, err)
	require.Equal(t, cfg.TokenIdentifier, loaded.TokenIdentifier)
	require.True(t, loaded.Configured)
}

func TestLoadInfraConfigToleratesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	cfg, err := LoadInfraConfig(path)
	require.NoError(t, err)
	require.False(t, cfg.Configured)
}
