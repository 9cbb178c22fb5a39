package exposure

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/portacode-agent/pkg/types"
)

func sampleServices() []types.ExposedService {
	return []types.ExposedService{
		{Port: 8080, Hostname: "1_42.example.com", URL: "https://1_42.example.com"},
		{Port: 3000, Hostname: "42.example.com", URL: "https://42.example.com"},
	}
}

func TestBuildJSONIsDeterministicallySorted(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	first, err := BuildJSON(sampleServices(), now)
	require.NoError(t, err)
	second, err := BuildJSON(sampleServices(), now)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Port 3000 sorts before 8080 regardless of input order.
	require.Less(t, strings.Index(string(first), "3000"), strings.Index(string(first), "8080"))
}

func TestBuildShellEnvFileIsIdempotent(t *testing.T) {
	first, err := BuildShellEnvFile(sampleServices())
	require.NoError(t, err)
	second, err := BuildShellEnvFile(sampleServices())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Contains(t, string(first), "PORTACODE_EXPOSED_PORT_3000_URL='https://42.example.com'")
	require.Contains(t, string(first), "PORTACODE_EXPOSED_SERVICES_JSON=")
}

func TestMergeEtcEnvironmentStripsManagedKeysOnReapply(t *testing.T) {
	base := []byte("PATH=/usr/bin\nLANG=en_US.UTF-8\n")
	first, err := MergeEtcEnvironment(base, sampleServices())
	require.NoError(t, err)
	require.Contains(t, string(first), "PATH=/usr/bin")
	require.Contains(t, string(first), "PORTACODE_EXPOSED_PORT_3000_URL=https://42.example.com")

	second, err := MergeEtcEnvironment(first, sampleServices())
	require.NoError(t, err)
	require.Equal(t, first, second, "re-running the merge with the same table must be idempotent")

	// Non-managed lines are never touched.
	require.Equal(t, 1, strings.Count(string(second), "PATH=/usr/bin"))
}

func TestUpsertManagedBlockIsIdempotent(t *testing.T) {
	initial := []byte("# user customizations\nexport FOO=bar\n")
	first := UpsertManagedBlock(initial)
	require.Contains(t, string(first), blockBegin)
	require.Contains(t, string(first), blockEnd)
	require.Contains(t, string(first), "export FOO=bar")

	second := UpsertManagedBlock(first)
	require.Equal(t, first, second, "re-upserting the same block must produce byte-identical output")
	require.Equal(t, 1, strings.Count(string(second), blockBegin), "must not duplicate the managed block")
}
