package infra

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedHandle is a no-op ProcessHandle; the fake executor never needs
// real background processes.
type scriptedHandle struct{ exited bool }

func (h *scriptedHandle) Poll() (bool, error) { return h.exited, nil }
func (h *scriptedHandle) Kill()               {}

// fakeExecutor replays scripted ExecResults keyed by a substring match
// against the command, falling back to a default success result so tests
// only need to script the commands they care about.
type fakeExecutor struct {
	results map[string][]ExecResult // command substring -> queue of results
	calls   map[string]int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: map[string][]ExecResult{}, calls: map[string]int{}}
}

func (f *fakeExecutor) script(substr string, results ...ExecResult) {
	f.results[substr] = results
}

func (f *fakeExecutor) Exec(ctx context.Context, vmid int, command string, stdin string) (ExecResult, error) {
	for substr, queue := range f.results {
		if strings.Contains(command, substr) {
			idx := f.calls[substr]
			if idx >= len(queue) {
				idx = len(queue) - 1
			}
			f.calls[substr]++
			return queue[idx], nil
		}
	}
	return ExecResult{ExitCode: 0}, nil
}

func (f *fakeExecutor) StartDetached(ctx context.Context, vmid int, command string) (ProcessHandle, error) {
	return &scriptedHandle{}, nil
}

func (f *fakeExecutor) Push(ctx context.Context, vmid int, localPath, remotePath string) error {
	return nil
}

func TestBuildBootstrapStepsIncludesOptionalStepsOnlyWhenRequested(t *testing.T) {
	steps := BuildBootstrapSteps("alice", "", "")
	var names []string
	for _, s := range steps {
		names = append(names, s.Name)
	}
	require.NotContains(t, names, "set_password")
	require.NotContains(t, names, "add_ssh_key")
	require.Contains(t, names, "portacode_connect")

	steps = BuildBootstrapSteps("alice", "hunter2", "ssh-ed25519 AAAA")
	names = nil
	for _, s := range steps {
		names = append(names, s.Name)
	}
	require.Contains(t, names, "set_password")
	require.Contains(t, names, "add_ssh_key")
}

func TestSummarizeBootstrapErrorClassifiesKnownSubstrings(t *testing.T) {
	require.Contains(t, summarizeBootstrapError("", "Unable to acquire the dpkg frontend lock"), "apt/dpkg")
	require.Contains(t, summarizeBootstrapError("Temporary failure resolving 'deb.debian.org'", ""), "DNS")
	require.Contains(t, summarizeBootstrapError("", "No space left on device"), "disk full")
	require.Contains(t, summarizeBootstrapError("unrelated failure", ""), "command failed")
}

func TestRunBootstrapStepsRetriesOnClassifiedTransientThenSucceeds(t *testing.T) {
	executor := newFakeExecutor()
	executor.script("apt-get update",
		ExecResult{ExitCode: 100, Stderr: "Temporary failure resolving archive.ubuntu.com"},
		ExecResult{ExitCode: 0},
	)

	steps := []BootstrapStep{
		{Name: "apt_update", Cmd: "apt-get update -y", Retries: 2, RetryDelay: time.Millisecond, RetryOn: []string{"Temporary failure resolving"}},
	}

	var statuses []string
	progress := func(p StepProgress) { statuses = append(statuses, p.Status) }

	_, ok := RunBootstrapSteps(context.Background(), executor, 100, "alice", steps, 0, 1, progress)
	require.True(t, ok)
	require.Contains(t, statuses, "retrying")
	require.Equal(t, "completed", statuses[len(statuses)-1])
}

func TestRunBootstrapStepsStopsOnUnretryableFailure(t *testing.T) {
	executor := newFakeExecutor()
	executor.script("usermod", ExecResult{ExitCode: 1, Stderr: "usermod: group 'sudo' does not exist"})

	steps := []BootstrapStep{
		{Name: "add_sudo", Cmd: "usermod -aG sudo alice", Retries: 3, RetryOn: []string{"Temporary failure resolving"}},
	}

	_, ok := RunBootstrapSteps(context.Background(), executor, 100, "alice", steps, 0, 1, nil)
	require.False(t, ok)
}

func TestRunBootstrapStepsStopsAfterExhaustingRetries(t *testing.T) {
	executor := newFakeExecutor()
	executor.script("apt-get install",
		ExecResult{ExitCode: 100, Stderr: "lock-frontend"},
		ExecResult{ExitCode: 100, Stderr: "lock-frontend"},
	)

	steps := []BootstrapStep{
		{Name: "install_deps", Cmd: "apt-get install -y python3", Retries: 1, RetryDelay: time.Millisecond, RetryOn: []string{"lock-frontend"}},
	}

	var statuses []string
	_, ok := RunBootstrapSteps(context.Background(), executor, 100, "alice", steps, 0, 1, func(p StepProgress) { statuses = append(statuses, p.Status) })
	require.False(t, ok)
	require.Equal(t, "failed", statuses[len(statuses)-1])
}

func TestFriendlyStepLabelHumanizesSnakeCase(t *testing.T) {
	require.Equal(t, "Install deps", friendlyStepLabel("install_deps"))
	require.Equal(t, "Step", friendlyStepLabel(""))
}
