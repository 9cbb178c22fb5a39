package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/initsystem"
	"github.com/cuemby/portacode-agent/pkg/types"
)

var errReload = errors.New("reload not supported")

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func TestValidateHostnameAcceptsExactAndSubdomain(t *testing.T) {
	h, err := ValidateHostname("Example.com", "example.com")
	require.NoError(t, err)
	require.Equal(t, "example.com", h)

	h, err = ValidateHostname("api.Example.com", "example.com")
	require.NoError(t, err)
	require.Equal(t, "api.example.com", h)
}

func TestValidateHostnameRejectsUnrelatedDomain(t *testing.T) {
	_, err := ValidateHostname("api.other.com", "example.com")
	require.Error(t, err)
	var verr *agenterrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestParseDestinationRecognizesDeviceReference(t *testing.T) {
	parsed, err := ParseDestination("http://[42]:9090/health")
	require.NoError(t, err)
	require.Equal(t, DestDevice, parsed.Kind)
	require.Equal(t, "42", parsed.DeviceID)
	require.Equal(t, 9090, parsed.Port)
	require.Equal(t, "/health", parsed.Path)
}

func TestParseDestinationDefaultsPortByScheme(t *testing.T) {
	parsed, err := ParseDestination("https://[7]")
	require.NoError(t, err)
	require.Equal(t, 443, parsed.Port)
}

func TestParseDestinationAcceptsLiteralURL(t *testing.T) {
	parsed, err := ParseDestination("http://10.0.0.5:8080/app")
	require.NoError(t, err)
	require.Equal(t, DestURL, parsed.Kind)
	require.Equal(t, "http://10.0.0.5:8080/app", parsed.ServiceURL)
}

func TestParseDestinationRejectsGarbage(t *testing.T) {
	_, err := ParseDestination("not-a-url")
	require.Error(t, err)
}

func TestLoadLeasesAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leases")
	content := "1234567 aa:bb:cc:dd:ee:ff 10.0.0.9 ct42 *\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	leases, err := LoadLeases(path)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	ip, ok := LookupLeaseIP(leases, "AA:BB:CC:DD:EE:FF", "")
	require.True(t, ok)
	require.Equal(t, "10.0.0.9", ip)

	ip, ok = LookupLeaseIP(leases, "", "ct42")
	require.True(t, ok)
	require.Equal(t, "10.0.0.9", ip)
}

func TestBuildIngressEntriesResolvesURLWithoutLookup(t *testing.T) {
	rules := []NormalizedRule{
		{Hostname: "app.example.com", Parsed: ParsedDestination{Kind: DestURL, ServiceURL: "http://10.0.0.1:80", Path: ""}},
	}
	entries, err := BuildIngressEntries(rules, nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "http://10.0.0.1:80", entries[0].Service)
}

func TestBuildIngressEntriesResolvesDeviceViaLookupAndLeases(t *testing.T) {
	rules := []NormalizedRule{
		{Hostname: "ct.example.com", Parsed: ParsedDestination{Kind: DestDevice, Scheme: "http", DeviceID: "42", Port: 8080}},
	}
	leases := []Lease{{MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.9", Hostname: "ct42"}}
	lookup := func(deviceID string) (string, string, error) {
		require.Equal(t, "42", deviceID)
		return "aa:bb:cc:dd:ee:ff", "ct42", nil
	}

	entries, err := BuildIngressEntries(rules, leases, lookup)
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.9:8080", entries[0].Service)
}

func TestBuildIngressEntriesFailsWithoutLookupForDeviceRule(t *testing.T) {
	rules := []NormalizedRule{
		{Hostname: "ct.example.com", Parsed: ParsedDestination{Kind: DestDevice, Scheme: "http", DeviceID: "1", Port: 80}},
	}
	_, err := BuildIngressEntries(rules, nil, nil)
	require.Error(t, err)
}

func TestWriteCloudflaredConfigProducesExpectedDialect(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")

	entries := []types.IngressEntry{
		{Hostname: "app.example.com", Service: "http://10.0.0.1:80"},
		{Hostname: "api.example.com", Path: "/v1", Service: "http://10.0.0.2:8080"},
	}
	require.NoError(t, WriteCloudflaredConfig(path, "tunnel-id", "/creds/tunnel.json", entries))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	require.Contains(t, content, "tunnel: tunnel-id")
	require.Contains(t, content, "credentials-file: /creds/tunnel.json")
	require.Contains(t, content, "hostname: app.example.com")
	require.Contains(t, content, "path: /v1")
	require.Contains(t, content, "service: http_status:404")
}

func TestWriteCloudflaredConfigOmitsCredentialsLineForTokenTunnels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yml")
	require.NoError(t, WriteCloudflaredConfig(path, "tid", "", nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "credentials-file:")
}

func TestWriteCloudflaredConfigRejectsMissingTunnelID(t *testing.T) {
	err := WriteCloudflaredConfig(filepath.Join(t.TempDir(), "c.yml"), "", "/creds/t.json", nil)
	require.Error(t, err)
}

type fakeManager struct {
	reloadErr  error
	restartErr error
	reloaded   bool
	restarted  bool
}

func (f *fakeManager) Kind() initsystem.Kind { return initsystem.Systemd }
func (f *fakeManager) Install(ctx context.Context, name string, content []byte) error {
	return nil
}
func (f *fakeManager) Enable(ctx context.Context, name string) error { return nil }
func (f *fakeManager) Start(ctx context.Context, name string) error  { return nil }
func (f *fakeManager) Stop(ctx context.Context, name string) error   { return nil }
func (f *fakeManager) Restart(ctx context.Context, name string) error {
	f.restarted = true
	return f.restartErr
}
func (f *fakeManager) Reload(ctx context.Context, name string) error {
	f.reloaded = true
	return f.reloadErr
}

func TestApplyRejectsUnconfiguredTunnel(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "rules.json"), filepath.Join(t.TempDir(), "leases"), filepath.Join(t.TempDir(), "config.yml"), nil)
	_, err := c.Apply(context.Background(), ApplyRequest{DeviceID: "dev-1", TunnelState: types.TunnelState{Configured: false}})
	require.Error(t, err)
	var cerr *agenterrors.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestApplyWritesConfigAndRoutesDNSAndReloads(t *testing.T) {
	dir := t.TempDir()
	mgr := &fakeManager{}
	c := New(filepath.Join(dir, "rules.json"), filepath.Join(dir, "leases"), filepath.Join(dir, "config.yml"), mgr)

	var routed []string
	c.SetDNSRouter(func(hostnames []string, tunnelName string) error {
		routed = append(routed, hostnames...)
		return nil
	})

	tunnelState := types.TunnelState{
		Configured:      true,
		Domain:          "example.com",
		TunnelName:      "my-tunnel",
		TunnelID:        "tid-1",
		CredentialsFile: "/creds/tunnel.json",
	}

	result, err := c.Apply(context.Background(), ApplyRequest{
		DeviceID: "dev-1",
		Rules: []types.ForwardingRule{
			{Hostname: "app.example.com", Destination: "http://10.0.0.1:80"},
		},
		TunnelState: tunnelState,
	})
	require.NoError(t, err)
	require.Len(t, result.Rules, 1)
	require.True(t, mgr.reloaded)
	require.False(t, mgr.restarted)
	require.Equal(t, []string{"app.example.com"}, routed)

	data, err := os.ReadFile(filepath.Join(dir, "config.yml"))
	require.NoError(t, err)
	require.Contains(t, string(data), "app.example.com")

	// The persisted rules file and the emitted config carry the same
	// ordered hostname set.
	var stored types.ForwardingState
	require.NoError(t, loadJSON(filepath.Join(dir, "rules.json"), &stored))
	require.Len(t, stored.Rules, 1)
	require.Equal(t, stored.Rules[0].Hostname, routed[0])
	require.WithinDuration(t, time.Now(), result.UpdatedAt, 5*time.Second)
}

func TestApplyFallsBackToRestartWhenReloadFails(t *testing.T) {
	dir := t.TempDir()
	mgr := &fakeManager{reloadErr: errReload}
	c := New(filepath.Join(dir, "rules.json"), filepath.Join(dir, "leases"), filepath.Join(dir, "config.yml"), mgr)
	c.SetDNSRouter(func([]string, string) error { return nil })

	_, err := c.Apply(context.Background(), ApplyRequest{
		DeviceID: "dev-1",
		Rules: []types.ForwardingRule{
			{Hostname: "app.example.com", Destination: "http://10.0.0.1:80"},
		},
		TunnelState: types.TunnelState{Configured: true, Domain: "example.com", TunnelName: "t", TunnelID: "tid", CredentialsFile: "/c"},
	})
	require.NoError(t, err)
	require.True(t, mgr.reloaded)
	require.True(t, mgr.restarted)
}

func TestApplyReusesPersistedRulesWhenRequestOmitsThem(t *testing.T) {
	dir := t.TempDir()
	c := New(filepath.Join(dir, "rules.json"), filepath.Join(dir, "leases"), filepath.Join(dir, "config.yml"), nil)
	c.SetDNSRouter(func([]string, string) error { return nil })
	tunnelState := types.TunnelState{Configured: true, Domain: "example.com", TunnelName: "t", TunnelID: "tid", CredentialsFile: "/c"}

	_, err := c.Apply(context.Background(), ApplyRequest{
		DeviceID:    "dev-1",
		Rules:       []types.ForwardingRule{{Hostname: "app.example.com", Destination: "http://10.0.0.1:80"}},
		TunnelState: tunnelState,
	})
	require.NoError(t, err)

	result, err := c.Apply(context.Background(), ApplyRequest{DeviceID: "dev-1", TunnelState: tunnelState})
	require.NoError(t, err)
	require.Len(t, result.Rules, 1)
	require.Equal(t, "app.example.com", result.Rules[0].Hostname)
}

func TestComputeExposeRulesMatchesSpecExample(t *testing.T) {
	rules, services, err := ComputeExposeRules("42", "example.com", []int{3000, 8080})
	require.NoError(t, err)
	require.Equal(t, []types.ForwardingRule{
		{Hostname: "42.example.com", Destination: "http://[42]:3000"},
		{Hostname: "1_42.example.com", Destination: "http://[42]:8080"},
	}, rules)
	require.Len(t, services, 2)
	require.Equal(t, "https://42.example.com", services[0].URL)
	require.Equal(t, "https://1_42.example.com", services[1].URL)
}

func TestComputeExposeRulesRejectsTooManyPorts(t *testing.T) {
	_, _, err := ComputeExposeRules("42", "example.com", []int{1, 2, 3, 4})
	require.Error(t, err)
	var verr *agenterrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestComputeExposeRulesRejectsOutOfRangePort(t *testing.T) {
	_, _, err := ComputeExposeRules("42", "example.com", []int{70000})
	require.Error(t, err)
}

func TestMergeDeviceRulesReplacesOnlyThatDevicesRules(t *testing.T) {
	existing := []types.ForwardingRule{
		{Hostname: "other.example.com", Destination: "http://10.0.0.5:80"},
		{Hostname: "42.example.com", Destination: "http://[42]:3000"},
		{Hostname: "1_42.example.com", Destination: "http://[42]:9090"},
	}
	computed := []types.ForwardingRule{{Hostname: "42.example.com", Destination: "http://[42]:3000"}}

	merged := MergeDeviceRules(existing, "42", computed)
	require.Equal(t, []types.ForwardingRule{
		{Hostname: "other.example.com", Destination: "http://10.0.0.5:80"},
		{Hostname: "42.example.com", Destination: "http://[42]:3000"},
	}, merged)
}

func TestMergeDeviceRulesEmptyComputedRemovesAllOfDevicesRules(t *testing.T) {
	existing := []types.ForwardingRule{
		{Hostname: "other.example.com", Destination: "http://10.0.0.5:80"},
		{Hostname: "42.example.com", Destination: "http://[42]:3000"},
	}
	merged := MergeDeviceRules(existing, "42", nil)
	require.Equal(t, []types.ForwardingRule{{Hostname: "other.example.com", Destination: "http://10.0.0.5:80"}}, merged)
}

func TestBuildIngressEntriesSetsNoTLSVerifyForHTTPSRawIP(t *testing.T) {
	rules := []NormalizedRule{
		{Hostname: "app.example.com", Destination: "https://10.0.0.9:8443", Parsed: ParsedDestination{Kind: DestURL, ServiceURL: "https://10.0.0.9:8443"}},
	}
	entries, err := BuildIngressEntries(rules, nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].NoTLSVerifyIP)
}
