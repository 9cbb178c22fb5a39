package exposure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/portacode-agent/pkg/infra"
	"github.com/cuemby/portacode-agent/pkg/log"
	"github.com/cuemby/portacode-agent/pkg/metrics"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// pushTarget is one file this package injects into a container.
type pushTarget struct {
	remotePath string
	content    []byte
	mode       string // chmod argument, e.g. "0644"
}

// Propagate renders every representation of services and pushes them into
// the container identified by vmid: create under /tmp locally, pct-push
// into the container, chown root:root, chmod to the declared mode.
// Global shell hooks are upserted idempotently. Best-effort
// daemon-reexec calls are attempted last and their failures are logged,
// never returned.
func Propagate(ctx context.Context, exec infra.ContainerExecutor, vmid int, services []types.ExposedService) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ExposurePropagationsTotal.WithLabelValues(outcome).Inc()
	}()

	now := time.Now().UTC()
	logger := log.WithComponent("exposure")

	jsonBody, err := BuildJSON(services, now)
	if err != nil {
		return fmt.Errorf("exposure: build json manifest: %w", err)
	}
	envBody, err := BuildShellEnvFile(services)
	if err != nil {
		return fmt.Errorf("exposure: build env file: %w", err)
	}
	systemdBody, err := BuildSystemdDropIn(services)
	if err != nil {
		return fmt.Errorf("exposure: build systemd drop-in: %w", err)
	}
	envDBody, err := BuildEnvironmentD(services)
	if err != nil {
		return fmt.Errorf("exposure: build environment.d drop-in: %w", err)
	}

	targets := []pushTarget{
		{JSONPath, jsonBody, "0644"},
		{EnvPath, envBody, "0644"},
		{ProfileDPath, BuildProfileDScript(), "0755"},
		{EnvironmentDPath, envDBody, "0644"},
		{DefaultPath, envBody, "0644"},
		{SystemdDropInPath, systemdBody, "0644"},
		{OpenRCDropInPath, envBody, "0644"},
	}

	for _, target := range targets {
		if err := pushOne(ctx, exec, vmid, target); err != nil {
			return err
		}
	}

	if err := upsertEtcEnvironment(ctx, exec, vmid, services); err != nil {
		return err
	}
	for _, hookPath := range GlobalShellHooks {
		if err := upsertGlobalHook(ctx, exec, vmid, hookPath); err != nil {
			return err
		}
	}

	for _, cmd := range []string{"systemctl daemon-reexec", "rc-service -a env-update || env-update"} {
		if res, err := exec.Exec(ctx, vmid, cmd, ""); err != nil || res.ExitCode != 0 {
			logger.Debug().Int("vmid", vmid).Str("cmd", cmd).Err(err).Msg("best-effort reexec command failed, ignoring")
		}
	}
	return nil
}

func pushOne(ctx context.Context, exec infra.ContainerExecutor, vmid int, target pushTarget) error {
	tmp, err := os.CreateTemp("", "portacode-exposure-*")
	if err != nil {
		return fmt.Errorf("exposure: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(target.content); err != nil {
		tmp.Close()
		return fmt.Errorf("exposure: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	mkdir := fmt.Sprintf("mkdir -p %s", filepath.Dir(target.remotePath))
	if _, err := exec.Exec(ctx, vmid, mkdir, ""); err != nil {
		return fmt.Errorf("exposure: ensure parent dir for %s: %w", target.remotePath, err)
	}

	if err := exec.Push(ctx, vmid, tmpPath, target.remotePath); err != nil {
		return fmt.Errorf("exposure: push %s: %w", target.remotePath, err)
	}

	chown := fmt.Sprintf("chown root:root %s", target.remotePath)
	if _, err := exec.Exec(ctx, vmid, chown, ""); err != nil {
		return fmt.Errorf("exposure: chown %s: %w", target.remotePath, err)
	}
	chmod := fmt.Sprintf("chmod %s %s", target.mode, target.remotePath)
	if _, err := exec.Exec(ctx, vmid, chmod, ""); err != nil {
		return fmt.Errorf("exposure: chmod %s: %w", target.remotePath, err)
	}
	return nil
}

// upsertEtcEnvironment reads the container's current /etc/environment,
// strips any previously-managed keys, appends the fresh set, and pushes
// the result back.
func upsertEtcEnvironment(ctx context.Context, exec infra.ContainerExecutor, vmid int, services []types.ExposedService) error {
	current, err := catOrEmpty(ctx, exec, vmid, EtcEnvironmentPath)
	if err != nil {
		return err
	}
	merged, err := MergeEtcEnvironment(current, services)
	if err != nil {
		return err
	}
	return pushOne(ctx, exec, vmid, pushTarget{EtcEnvironmentPath, merged, "0644"})
}

// upsertGlobalHook strips and reappends the managed BEGIN/END block in
// hookPath, a global interactive-shell init file, so repeated propagation
// calls are idempotent.
func upsertGlobalHook(ctx context.Context, exec infra.ContainerExecutor, vmid int, hookPath string) error {
	current, err := catOrEmpty(ctx, exec, vmid, hookPath)
	if err != nil {
		return err
	}
	updated := UpsertManagedBlock(current)
	return pushOne(ctx, exec, vmid, pushTarget{hookPath, updated, "0644"})
}

func catOrEmpty(ctx context.Context, exec infra.ContainerExecutor, vmid int, path string) ([]byte, error) {
	res, err := exec.Exec(ctx, vmid, fmt.Sprintf("cat %s 2>/dev/null || true", path), "")
	if err != nil {
		return nil, fmt.Errorf("exposure: read %s: %w", path, err)
	}
	return []byte(res.Stdout), nil
}
