package infra

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ExecResult is the captured outcome of one in-container command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ProcessHandle lets a caller poll or kill a detached in-container
// process started by ContainerExecutor.StartDetached.
type ProcessHandle interface {
	Poll() (exited bool, err error)
	Kill()
}

// ContainerExecutor runs commands inside a provisioned container. The
// default implementation shells out to `pct exec`.
type ContainerExecutor interface {
	Exec(ctx context.Context, vmid int, command string, stdin string) (ExecResult, error)
	StartDetached(ctx context.Context, vmid int, command string) (ProcessHandle, error)
	Push(ctx context.Context, vmid int, localPath, remotePath string) error
}

// PctExecutor is the production ContainerExecutor, wrapping the `pct`
// CLI's `exec` subcommand.
type PctExecutor struct{}

func (PctExecutor) Exec(ctx context.Context, vmid int, command string, stdin string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "pct", "exec", strconv.Itoa(vmid), "--", "bash", "-lc", command)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ExecResult{}, err
		}
	}
	return ExecResult{Stdout: strings.TrimSpace(stdout.String()), Stderr: strings.TrimSpace(stderr.String()), ExitCode: exitCode}, nil
}

type pctProcessHandle struct {
	cmd *exec.Cmd
}

func (h *pctProcessHandle) Poll() (bool, error) {
	if h.cmd.ProcessState != nil {
		return true, nil
	}
	return false, nil
}

func (h *pctProcessHandle) Kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	_ = h.cmd.Wait()
}

func (PctExecutor) StartDetached(ctx context.Context, vmid int, command string) (ProcessHandle, error) {
	cmd := exec.Command("pct", "exec", strconv.Itoa(vmid), "--", "bash", "-lc", command)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go cmd.Wait() // reap; Poll observes ProcessState once this returns
	return &pctProcessHandle{cmd: cmd}, nil
}

// Push copies localPath into the container at remotePath via `pct push`,
// the same mechanism the bootstrap pipeline uses to drop files in before
// execing.
func (PctExecutor) Push(ctx context.Context, vmid int, localPath, remotePath string) error {
	cmd := exec.CommandContext(ctx, "pct", "push", strconv.Itoa(vmid), localPath, remotePath)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("pct push %s -> vmid %d:%s: %s", localPath, vmid, remotePath, msg)
	}
	return nil
}

// BootstrapStep is one entry in the in-container provisioning pipeline.
type BootstrapStep struct {
	Name        string
	DisplayName string
	Cmd         string
	Retries     int
	RetryDelay  time.Duration
	RetryOn     []string
	IsConnect   bool
	Timeout     time.Duration
}

func friendlyStepLabel(name string) string {
	if name == "" {
		return "Step"
	}
	normalized := strings.ReplaceAll(name, "_", " ")
	return strings.ToUpper(normalized[:1]) + normalized[1:]
}

// BuildBootstrapSteps returns the ordered step list: package install,
// user creation, optional password/ssh-key, portacode install, and the
// terminal portacode_connect step.
func BuildBootstrapSteps(user, password, sshKey string) []BootstrapStep {
	steps := []BootstrapStep{
		{
			Name: "apt_update", Cmd: "apt-get update -y",
			Retries: 4, RetryDelay: 5 * time.Second,
			RetryOn: []string{"Temporary failure resolving", "Could not resolve", "Failed to fetch"},
		},
		{
			Name: "install_deps", Cmd: "apt-get install -y python3 python3-pip sudo --fix-missing",
			Retries: 5, RetryDelay: 5 * time.Second,
			RetryOn: []string{
				"lock-frontend", "Unable to acquire the dpkg frontend lock",
				"Temporary failure resolving", "Could not resolve", "Failed to fetch",
			},
		},
		{
			Name: "user_exists",
			Cmd:  fmt.Sprintf("id -u %s >/dev/null 2>&1 || adduser --disabled-password --gecos '' %s", user, user),
		},
		{Name: "add_sudo", Cmd: fmt.Sprintf("usermod -aG sudo %s", user)},
	}
	if password != "" {
		steps = append(steps, BootstrapStep{Name: "set_password", Cmd: fmt.Sprintf("echo '%s:%s' | chpasswd", user, password)})
	}
	if sshKey != "" {
		steps = append(steps, BootstrapStep{
			Name: "add_ssh_key",
			Cmd: fmt.Sprintf(
				"install -d -m 700 /home/%[1]s/.ssh && echo '%[2]s' >> /home/%[1]s/.ssh/authorized_keys && chown -R %[1]s:%[1]s /home/%[1]s/.ssh",
				user, sshKey,
			),
		})
	}
	steps = append(steps,
		BootstrapStep{Name: "pip_upgrade", Cmd: "python3 -m pip install --upgrade pip"},
		BootstrapStep{Name: "install_portacode", Cmd: "python3 -m pip install --upgrade portacode"},
		BootstrapStep{Name: "portacode_connect", IsConnect: true, Timeout: 30 * time.Second},
	)
	return steps
}

// summarizeBootstrapError classifies a failed step's output into a
// human-readable cause by substring.
func summarizeBootstrapError(stdout, stderr string) string {
	text := stdout + "\n" + stderr
	switch {
	case strings.Contains(text, "No space left on device"):
		return "disk full inside container; increase rootfs or clean apt cache"
	case strings.Contains(text, "Unable to acquire the dpkg frontend lock"), strings.Contains(text, "lock-frontend"):
		return "another apt/dpkg process is running; retry after it finishes"
	case strings.Contains(text, "Temporary failure resolving"), strings.Contains(text, "Could not resolve"):
		return "DNS/network resolution failed inside container"
	case strings.Contains(text, "Failed to fetch"):
		return "package repo fetch failed; check network and apt sources"
	default:
		return "command failed; see stdout/stderr for details"
	}
}

// StepProgress reports one bootstrap step's lifecycle transition.
type StepProgress struct {
	Index      int
	Total      int
	Step       BootstrapStep
	Status     string // in_progress | completed | retrying | failed
	Result     *ExecResult
	Attempt    int
	ErrSummary string
}

// ProgressFunc receives one StepProgress per transition.
type ProgressFunc func(StepProgress)

// RunBootstrapSteps executes steps in order inside vmid, retrying
// classified-transient failures up to each step's retry count. It stops
// at the first unretryable failure.
func RunBootstrapSteps(ctx context.Context, executor ContainerExecutor, vmid int, user string, steps []BootstrapStep, startIndex, total int, progress ProgressFunc) (publicKey string, ok bool) {
	for offset, step := range steps {
		index := startIndex + offset
		if progress != nil {
			progress(StepProgress{Index: index, Total: total, Step: step, Status: "in_progress"})
		}

		if step.IsConnect {
			timeout := step.Timeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			key, err := runPortacodeConnectStep(ctx, executor, vmid, user, timeout)
			if err != nil {
				if progress != nil {
					progress(StepProgress{Index: index, Total: total, Step: step, Status: "failed", ErrSummary: err.Error()})
				}
				return "", false
			}
			if progress != nil {
				progress(StepProgress{Index: index, Total: total, Step: step, Status: "completed"})
			}
			publicKey = key
			continue
		}

		attempts := 0
		maxAttempts := step.Retries + 1
		for {
			attempts++
			res, err := executor.Exec(ctx, vmid, step.Cmd, "")
			if err != nil {
				if progress != nil {
					progress(StepProgress{Index: index, Total: total, Step: step, Status: "failed", ErrSummary: err.Error()})
				}
				return "", false
			}
			if res.ExitCode == 0 {
				if progress != nil {
					progress(StepProgress{Index: index, Total: total, Step: step, Status: "completed", Result: &res, Attempt: attempts})
				}
				break
			}

			summary := summarizeBootstrapError(res.Stdout, res.Stderr)
			willRetry := false
			if attempts < maxAttempts && len(step.RetryOn) > 0 {
				combined := res.Stderr + res.Stdout
				for _, token := range step.RetryOn {
					if strings.Contains(combined, token) {
						willRetry = true
						break
					}
				}
			}

			status := "failed"
			if willRetry {
				status = "retrying"
			}
			if progress != nil {
				progress(StepProgress{Index: index, Total: total, Step: step, Status: status, Result: &res, Attempt: attempts, ErrSummary: summary})
			}
			if !willRetry {
				return "", false
			}
			delay := step.RetryDelay
			if delay <= 0 {
				delay = 3 * time.Second
			}
			select {
			case <-ctx.Done():
				return "", false
			case <-time.After(delay):
			}
		}
	}
	return publicKey, true
}

// runPortacodeConnectStep starts `portacode connect` under the
// provisioning user and waits for its keypair files to appear and stop
// growing, so the device key can be read back complete.
func runPortacodeConnectStep(ctx context.Context, executor ContainerExecutor, vmid int, user string, timeout time.Duration) (string, error) {
	proc, err := executor.StartDetached(ctx, vmid, fmt.Sprintf("su - %s -c 'portacode connect'", user))
	if err != nil {
		return "", err
	}

	dataDirRes, err := executor.Exec(ctx, vmid, fmt.Sprintf(`su - %s -c 'echo -n ${XDG_DATA_HOME:-$HOME/.local/share}'`, user), "")
	if err != nil {
		proc.Kill()
		return "", err
	}
	keyDir := strings.TrimSpace(dataDirRes.Stdout) + "/portacode/keys"
	pubPath := keyDir + "/id_portacode.pub"
	privPath := keyDir + "/id_portacode"

	fileSize := func(path string) (int, bool) {
		res, err := executor.Exec(ctx, vmid, fmt.Sprintf(`su - %s -c 'test -s %s && stat -c %%s %s'`, user, path, path), "")
		if err != nil || res.ExitCode != 0 {
			return 0, false
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
		if convErr != nil {
			return 0, false
		}
		return n, true
	}

	deadline := time.Now().Add(timeout)
	lastPub, lastPriv := -1, -1
	stable := 0
	for time.Now().Before(deadline) {
		if exited, _ := proc.Poll(); exited {
			return "", fmt.Errorf("portacode connect exited before keys were created")
		}
		pubSize, pubOK := fileSize(pubPath)
		privSize, privOK := fileSize(privPath)
		if pubOK && privOK {
			if pubSize == lastPub && privSize == lastPriv {
				stable++
			} else {
				stable = 0
			}
			lastPub, lastPriv = pubSize, privSize
			if stable >= 1 {
				break
			}
		}
		select {
		case <-ctx.Done():
			proc.Kill()
			return "", ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	if stable < 1 {
		proc.Kill()
		return "", fmt.Errorf("timed out waiting for portacode key files")
	}
	proc.Kill()

	keyRes, err := executor.Exec(ctx, vmid, fmt.Sprintf(`su - %s -c 'cat %s'`, user, pubPath), "")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(keyRes.Stdout), nil
}
