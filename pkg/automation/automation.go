// Package automation implements the single-active-task orchestrator:
// ordered shell/HTTP-probe steps, persisted resumable state, streaming
// output, per-step timeouts, and cooperative cancellation. One mutex
// and one condition variable guard all task state; persistence happens
// inside the same critical section as every state change.
package automation

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/health"
	"github.com/cuemby/portacode-agent/pkg/log"
	"github.com/cuemby/portacode-agent/pkg/metrics"
	"github.com/cuemby/portacode-agent/pkg/state"
	"github.com/cuemby/portacode-agent/pkg/types"
)

const (
	// DefaultStepTimeoutSeconds is used when a task sets no default and
	// a step sets no per-step override.
	DefaultStepTimeoutSeconds = 7200.0
	// MaxStdioChars is the truncation cap for archived step stdout/stderr.
	MaxStdioChars = 8000
	// OutputFlushInterval is how often streamed shell output is drained
	// into a terminal_exec_output event.
	OutputFlushInterval = 1 * time.Second
	// WaitForStepInterval is the polling cadence for wait_for steps.
	WaitForStepInterval = 3 * time.Second
	// WaitForRequestTimeout bounds each individual wait_for HTTP GET.
	WaitForRequestTimeout = 5 * time.Second
)

var exposedPlaceholder = regexp.MustCompile(`\[exposed:(\d+)\]`)

// EventSender delivers an out-of-band automation event (terminal_exec_output
// / terminal_exec_result) over the live connection. cmd/portacode-agent
// binds it once to the supervisor's Send, which always writes to the
// currently live socket, so events keep routing across reconnects.
type EventSender func(frame types.ResponseFrame)

// ExposedResolver resolves an exposed service port to its live URL, used
// to substitute "[exposed:<port>]" placeholders in wait_for targets.
type ExposedResolver func(port int) (url string, ok bool)

// Runtime is the single-active-task automation orchestrator.
type Runtime struct {
	statePath string

	mu   sync.Mutex
	cond *sync.Cond
	doc  *types.AutomationDocument

	runnerActive map[string]bool
	procs        map[string]*exec.Cmd

	eventSender EventSender
	resolver    ExposedResolver
}

// New loads persisted state from statePath (if present) and, per the
// resume invariant, spawns a runner for the document's active task if
// that task is non-terminal. Safe to call once at process startup.
func New(statePath string) (*Runtime, error) {
	r := &Runtime{
		statePath:    statePath,
		doc:          &types.AutomationDocument{Tasks: map[string]*types.AutomationTask{}},
		runnerActive: map[string]bool{},
		procs:        map[string]*exec.Cmd{},
	}
	r.cond = sync.NewCond(&r.mu)

	if err := state.Load(statePath, r.doc); err != nil && err != state.ErrNotExist {
		return nil, fmt.Errorf("automation: load state: %w", err)
	}
	if r.doc.Tasks == nil {
		r.doc.Tasks = map[string]*types.AutomationTask{}
	}

	if r.doc.ActiveTaskID != "" {
		if t, ok := r.doc.Tasks[r.doc.ActiveTaskID]; ok && !t.Status.Terminal() {
			r.spawnRunner(r.doc.ActiveTaskID)
		}
	}
	return r, nil
}

// SetEventSender rebinds the event delivery path so events keep
// flowing over whichever connection is currently live.
func (r *Runtime) SetEventSender(sender EventSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventSender = sender
}

// SetExposedResolver wires the exposure table lookup used for wait_for
// placeholder substitution.
func (r *Runtime) SetExposedResolver(resolver ExposedResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = resolver
}

func (r *Runtime) emit(frame types.ResponseFrame) {
	r.mu.Lock()
	sender := r.eventSender
	r.mu.Unlock()
	if sender != nil {
		sender(frame)
	}
}

// Start begins (or idempotently re-observes) a task. Fails with
// ValidationError for malformed input, ConflictError if a different
// task is already active.
func (r *Runtime) Start(taskID string, instructions []types.Step, defaultTimeoutSeconds float64) (*types.AutomationTask, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, &agenterrors.ValidationError{Field: "task_id", Reason: "required"}
	}
	if instructions == nil {
		return nil, &agenterrors.ValidationError{Field: "instructions", Reason: "must be a list"}
	}
	if defaultTimeoutSeconds <= 0 {
		defaultTimeoutSeconds = DefaultStepTimeoutSeconds
	}

	r.mu.Lock()

	if r.doc.ActiveTaskID != "" && r.doc.ActiveTaskID != taskID {
		if active, ok := r.doc.Tasks[r.doc.ActiveTaskID]; ok && active.Status.Active() {
			r.mu.Unlock()
			return nil, &agenterrors.ConflictError{Reason: fmt.Sprintf("another automation task is active on device: %s", r.doc.ActiveTaskID)}
		}
	}

	if existing, ok := r.doc.Tasks[taskID]; ok {
		if existing.Status.Active() {
			r.doc.ActiveTaskID = taskID
		} else {
			r.doc.ActiveTaskID = ""
		}
		existing.StateSeq++
		r.persistLocked()
		snapshot := existing.Clone()
		r.cond.Broadcast()
		needsRunner := existing.Status.Active() && !r.runnerActive[taskID]
		r.mu.Unlock()
		if needsRunner {
			r.spawnRunner(taskID)
		}
		return snapshot, nil
	}

	now := time.Now().UTC()
	task := &types.AutomationTask{
		TaskID:                taskID,
		Status:                types.TaskPending,
		Instructions:          instructions,
		DefaultTimeoutSeconds: defaultTimeoutSeconds,
		CurrentStepIndex:      0,
		CurrentStepStatus:     types.TaskPending,
		Steps:                 []types.StepResult{},
		CreatedAt:             now,
		StateSeq:              1,
	}
	r.doc.Tasks[taskID] = task
	r.doc.ActiveTaskID = taskID
	r.persistLocked()
	snapshot := task.Clone()
	r.cond.Broadcast()
	r.mu.Unlock()

	r.spawnRunner(taskID)
	return snapshot, nil
}

// State returns a snapshot of taskID's current state, or a synthetic
// "unknown" record if no such task exists.
func (r *Runtime) State(taskID string) *types.AutomationTask {
	taskID = strings.TrimSpace(taskID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.doc.Tasks[taskID]; ok {
		return t.Clone()
	}
	return &types.AutomationTask{
		TaskID:            taskID,
		Status:            types.TaskUnknown,
		CurrentStepStatus: types.TaskPending,
		Steps:             []types.StepResult{},
		LastError:         "task not found",
	}
}

// Cancel flags taskID for cancellation and, if terminal-eligible,
// transitions it to cancelled immediately; any live subprocess for the
// task is terminated. The runner observes cancel_requested at its next
// lock acquisition.
func (r *Runtime) Cancel(taskID string) *types.AutomationTask {
	taskID = strings.TrimSpace(taskID)

	r.mu.Lock()
	t, ok := r.doc.Tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return &types.AutomationTask{TaskID: taskID, Status: types.TaskUnknown, LastError: "task not found"}
	}
	t.CancelRequested = true
	if t.Status.Active() {
		t.Status = types.TaskCancelled
		now := time.Now().UTC()
		t.CompletedAt = &now
		t.CurrentStepStatus = types.TaskFailed
	}
	t.StateSeq++
	r.persistLocked()
	r.cond.Broadcast()
	proc := r.procs[taskID]
	r.mu.Unlock()

	if proc != nil && proc.Process != nil {
		_ = syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
	}

	return r.State(taskID)
}

// WaitForChange blocks until taskID's state_seq exceeds sinceSeq, the
// task becomes terminal, or ctx is cancelled. Implements server-push
// polling support.
func (r *Runtime) WaitForChange(ctx context.Context, taskID string, sinceSeq int64) (*types.AutomationTask, error) {
	taskID = strings.TrimSpace(taskID)

	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		t, ok := r.doc.Tasks[taskID]
		if !ok {
			return &types.AutomationTask{TaskID: taskID, Status: types.TaskUnknown, LastError: "task not found"}, nil
		}
		if t.StateSeq > sinceSeq || t.Status.Terminal() {
			return t.Clone(), nil
		}
		if ctx.Err() != nil {
			return t.Clone(), ctx.Err()
		}
		r.cond.Wait()
	}
}

func (r *Runtime) persistLocked() {
	r.doc.UpdatedAt = time.Now().UTC()
	if err := state.Save(r.statePath, r.doc, 0o600); err != nil {
		l := log.WithComponent("automation")
		l.Warn().Err(err).Msg("failed to persist automation state")
	}
}

func (r *Runtime) spawnRunner(taskID string) {
	r.mu.Lock()
	if r.runnerActive[taskID] {
		r.mu.Unlock()
		return
	}
	r.runnerActive[taskID] = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.runnerActive, taskID)
			r.mu.Unlock()
		}()
		r.runTask(taskID)
	}()
}

// runTask drives one task to a terminal state: check cancellation and
// terminal status, classify the next instruction, run it outside the
// lock, then record the result and advance (or fail) under the lock.
func (r *Runtime) runTask(taskID string) {
	for {
		r.mu.Lock()
		t, ok := r.doc.Tasks[taskID]
		if !ok {
			r.mu.Unlock()
			return
		}

		if t.CancelRequested {
			t.Status = types.TaskCancelled
			t.CurrentStepStatus = types.TaskFailed
			now := time.Now().UTC()
			t.CompletedAt = &now
			t.StateSeq++
			r.doc.ActiveTaskID = ""
			r.persistLocked()
			recordTaskTerminal(t.Status, t.StartedAt)
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}
		if t.Status.Terminal() {
			r.doc.ActiveTaskID = ""
			r.persistLocked()
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}

		index := t.CurrentStepIndex
		if index >= len(t.Instructions) {
			t.Status = types.TaskSuccess
			t.CurrentStepStatus = types.TaskSuccess
			now := time.Now().UTC()
			t.CompletedAt = &now
			t.StateSeq++
			r.doc.ActiveTaskID = ""
			r.persistLocked()
			recordTaskTerminal(t.Status, t.StartedAt)
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}

		step := t.Instructions[index]
		kind := step.Classify()
		if kind == types.StepNoop {
			t.CurrentStepIndex = index + 1
			r.padStepsLocked(t, index)
			t.Steps[index] = types.StepResult{Index: index, Status: types.TaskSuccess}
			t.StateSeq++
			r.persistLocked()
			r.cond.Broadcast()
			r.mu.Unlock()
			continue
		}

		if t.StartedAt == nil {
			now := time.Now().UTC()
			t.StartedAt = &now
		}
		t.Status = types.TaskRunning
		t.CurrentStepStatus = types.TaskRunning
		t.StateSeq++
		r.persistLocked()
		r.cond.Broadcast()

		defaultTimeout := t.DefaultTimeoutSeconds
		if defaultTimeout <= 0 {
			defaultTimeout = DefaultStepTimeoutSeconds
		}
		stepTimeout := defaultTimeout
		if step.Timeout != nil && *step.Timeout > 0 {
			stepTimeout = *step.Timeout
		}
		resolver := r.resolver
		r.mu.Unlock()

		var result types.StepResult
		timer := metrics.NewTimer()
		switch kind {
		case types.StepShell:
			result = r.runShellStep(taskID, index, step, stepTimeout)
		case types.StepWaitForKind:
			result = r.runWaitForStep(taskID, index, step, stepTimeout, resolver)
		}
		recordStepMetric(kind, result, timer)

		r.mu.Lock()
		t, ok = r.doc.Tasks[taskID]
		if !ok {
			r.mu.Unlock()
			return
		}
		r.padStepsLocked(t, index)
		t.Steps[index] = result

		if t.CancelRequested {
			t.Status = types.TaskCancelled
			t.CurrentStepStatus = types.TaskFailed
			now := time.Now().UTC()
			t.CompletedAt = &now
			t.StateSeq++
			r.doc.ActiveTaskID = ""
			r.persistLocked()
			recordTaskTerminal(t.Status, t.StartedAt)
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}

		if result.Status == types.TaskFailed {
			t.Status = types.TaskFailed
			t.CurrentStepStatus = types.TaskFailed
			now := time.Now().UTC()
			t.CompletedAt = &now
			if result.Error != "" {
				t.LastError = result.Error
			} else {
				t.LastError = "command failed"
			}
			t.StateSeq++
			r.doc.ActiveTaskID = ""
			r.persistLocked()
			recordTaskTerminal(t.Status, t.StartedAt)
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}

		t.CurrentStepIndex = index + 1
		t.CurrentStepStatus = types.TaskPending
		t.StateSeq++
		r.persistLocked()
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

func (r *Runtime) padStepsLocked(t *types.AutomationTask, index int) {
	for len(t.Steps) <= index {
		t.Steps = append(t.Steps, types.StepResult{Status: types.TaskPending})
	}
}

func trimText(s string) string {
	if len(s) <= MaxStdioChars {
		return s
	}
	suffix := fmt.Sprintf("\n...[truncated to %d chars]", MaxStdioChars)
	cut := MaxStdioChars - len(suffix)
	if cut < 0 {
		cut = 0
	}
	return s[:cut] + suffix
}

// runShellStep executes step.Command through a shell, streaming output
// every OutputFlushInterval and enforcing stepTimeout.
func (r *Runtime) runShellStep(taskID string, index int, step types.Step, stepTimeout float64) types.StepResult {
	start := time.Now()
	cmd := exec.Command("/bin/sh", "-c", step.Command)
	// Own process group, so a timeout or cancel kill also reaches any
	// child the shell forked, which would otherwise hold the pipes open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return types.StepResult{Index: index, Command: step.Command, Status: types.TaskFailed, Error: err.Error(), DurationS: time.Since(start).Seconds()}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return types.StepResult{Index: index, Command: step.Command, Status: types.TaskFailed, Error: err.Error(), DurationS: time.Since(start).Seconds()}
	}

	if err := cmd.Start(); err != nil {
		return types.StepResult{Index: index, Command: step.Command, Status: types.TaskFailed, Error: err.Error(), DurationS: time.Since(start).Seconds()}
	}

	r.mu.Lock()
	r.procs[taskID] = cmd
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.procs, taskID)
		r.mu.Unlock()
	}()

	var pendingMu sync.Mutex
	var pendingStdout, pendingStderr, archiveStdout, archiveStderr bytes.Buffer

	var readWG sync.WaitGroup
	readWG.Add(2)
	go streamReader(stdoutPipe, &pendingMu, &pendingStdout, &archiveStdout, &readWG)
	go streamReader(stderrPipe, &pendingMu, &pendingStderr, &archiveStderr, &readWG)

	flushDone := make(chan struct{})
	stopFlush := make(chan struct{})
	go func() {
		defer close(flushDone)
		ticker := time.NewTicker(OutputFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.flushPending(taskID, index, step.Command, &pendingMu, &pendingStdout, &pendingStderr)
			case <-stopFlush:
				r.flushPending(taskID, index, step.Command, &pendingMu, &pendingStdout, &pendingStderr)
				return
			}
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		// Drain both pipes first: Wait closes them, and closing a pipe a
		// reader is still mid-Read on loses the output tail.
		readWG.Wait()
		waitErr <- cmd.Wait()
	}()

	timedOut := false
	var runErr error
	select {
	case runErr = <-waitErr:
	case <-time.After(time.Duration(stepTimeout * float64(time.Second))):
		timedOut = true
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		runErr = <-waitErr
	}

	close(stopFlush)
	<-flushDone
	readWG.Wait()

	duration := time.Since(start).Seconds()
	stdoutText := trimText(archiveStdout.String())
	stderrText := trimText(archiveStderr.String())

	returnCode := cmd.ProcessState.ExitCode()
	result := types.StepResult{
		Index:     index,
		Command:   step.Command,
		Stdout:    stdoutText,
		Stderr:    stderrText,
		DurationS: duration,
	}
	completedAt := time.Now().UTC()
	result.CompletedAt = &completedAt

	if timedOut {
		result.Status = types.TaskFailed
		result.Error = fmt.Sprintf("step timed out after %gs", stepTimeout)
	} else if returnCode != 0 {
		result.Status = types.TaskFailed
		if runErr != nil {
			result.Error = runErr.Error()
		}
	} else {
		result.Status = types.TaskSuccess
	}
	rc := returnCode
	result.ReturnCode = &rc

	r.emit(types.ResponseFrame{
		Event:             "terminal_exec_result",
		BypassSessionGate: true,
		Fields: map[string]interface{}{
			"command":               step.Command,
			"returncode":            returnCode,
			"stdout":                stdoutText,
			"stderr":                stderrText,
			"duration_s":            duration,
			"automation_task_id":    taskID,
			"automation_step_index": index,
		},
	})

	return result
}

func streamReader(r interface{ Read([]byte) (int, error) }, mu *sync.Mutex, pending, archive *bytes.Buffer, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			mu.Lock()
			pending.Write(buf[:n])
			archive.Write(buf[:n])
			mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (r *Runtime) flushPending(taskID string, index int, command string, mu *sync.Mutex, pendingStdout, pendingStderr *bytes.Buffer) {
	mu.Lock()
	stdoutChunk := pendingStdout.String()
	stderrChunk := pendingStderr.String()
	pendingStdout.Reset()
	pendingStderr.Reset()
	mu.Unlock()

	if stdoutChunk == "" && stderrChunk == "" {
		return
	}

	fields := map[string]interface{}{
		"command":               command,
		"automation_task_id":    taskID,
		"automation_step_index": index,
	}
	if stdoutChunk != "" {
		fields["stdout"] = stdoutChunk
	}
	if stderrChunk != "" {
		fields["stderr"] = stderrChunk
	}
	r.emit(types.ResponseFrame{Event: "terminal_exec_output", BypassSessionGate: true, Fields: fields})
}

// runWaitForStep polls step.WaitFor every WaitForStepInterval until it
// returns a 2xx status or stepTimeout elapses.
func (r *Runtime) runWaitForStep(taskID string, index int, step types.Step, stepTimeout float64, resolver ExposedResolver) types.StepResult {
	start := time.Now()
	target := step.WaitFor

	resolved, err := resolveExposedPlaceholder(target, resolver)
	if err != nil {
		now := time.Now().UTC()
		return types.StepResult{
			Index: index, Command: target, Status: types.TaskFailed,
			Error: err.Error(), WaitForTarget: target, DurationS: time.Since(start).Seconds(),
			CompletedAt: &now,
		}
	}
	if !strings.HasPrefix(resolved, "http://") && !strings.HasPrefix(resolved, "https://") {
		now := time.Now().UTC()
		err := &agenterrors.ValidationError{Field: "wait_for", Reason: "must be an http(s) URL"}
		return types.StepResult{
			Index: index, Command: target, Status: types.TaskFailed,
			Error: err.Error(), WaitForTarget: target, DurationS: time.Since(start).Seconds(),
			CompletedAt: &now,
		}
	}

	checker := health.NewHTTPChecker(resolved).WithStatusRange(200, 299).WithTimeout(WaitForRequestTimeout)
	deadline := start.Add(time.Duration(stepTimeout * float64(time.Second)))

	var lastMessage string
	for {
		ctx, cancel := context.WithTimeout(context.Background(), WaitForRequestTimeout)
		res := checker.Check(ctx)
		cancel()
		lastMessage = res.Message

		r.emit(types.ResponseFrame{
			Event:             "terminal_exec_output",
			BypassSessionGate: true,
			Fields: map[string]interface{}{
				"command":               target,
				"stdout":                fmt.Sprintf("wait_for poll: %s", res.Message),
				"resolved_url":          resolved,
				"automation_task_id":    taskID,
				"automation_step_index": index,
			},
		})

		if res.Healthy {
			completedAt := time.Now().UTC()
			returnCode := 0
			return types.StepResult{
				Index: index, Command: target, Status: types.TaskSuccess,
				ReturnCode: &returnCode, Stdout: "wait_for success: " + res.Message,
				WaitForTarget: target, ResolvedURL: resolved,
				DurationS: time.Since(start).Seconds(), CompletedAt: &completedAt,
			}
		}

		if time.Now().After(deadline) {
			completedAt := time.Now().UTC()
			return types.StepResult{
				Index: index, Command: target, Status: types.TaskFailed,
				Error: fmt.Sprintf("wait_for timed out after %gs: %s", stepTimeout, lastMessage),
				WaitForTarget: target, ResolvedURL: resolved,
				DurationS: time.Since(start).Seconds(), CompletedAt: &completedAt,
			}
		}

		time.Sleep(WaitForStepInterval)
	}
}

func resolveExposedPlaceholder(target string, resolver ExposedResolver) (string, error) {
	var resolveErr error
	resolved := exposedPlaceholder.ReplaceAllStringFunc(target, func(match string) string {
		groups := exposedPlaceholder.FindStringSubmatch(match)
		port, err := strconv.Atoi(groups[1])
		if err != nil {
			resolveErr = fmt.Errorf("invalid exposed port placeholder: %s", match)
			return match
		}
		if resolver == nil {
			resolveErr = fmt.Errorf("no exposed service resolver configured for %s", match)
			return match
		}
		url, ok := resolver(port)
		if !ok {
			resolveErr = fmt.Errorf("no exposed service on port %d", port)
			return match
		}
		return url
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return resolved, nil
}

func stepKindLabel(kind types.StepKind) string {
	switch kind {
	case types.StepShell:
		return "shell"
	case types.StepWaitForKind:
		return "wait_for"
	default:
		return "noop"
	}
}

func recordStepMetric(kind types.StepKind, result types.StepResult, timer *metrics.Timer) {
	outcome := "ok"
	if result.Status == types.TaskFailed {
		outcome = "error"
		if strings.Contains(result.Error, "timed out") {
			outcome = "timed_out"
		}
	}
	label := stepKindLabel(kind)
	metrics.AutomationStepsTotal.WithLabelValues(label, outcome).Inc()
	timer.ObserveDurationVec(metrics.AutomationStepDuration, label)
}

func recordTaskTerminal(status types.TaskStatus, startedAt *time.Time) {
	statusLabel := strings.ToLower(string(status))
	metrics.AutomationTasksTotal.WithLabelValues(statusLabel).Inc()
	if startedAt != nil {
		metrics.AutomationTaskDuration.Observe(time.Since(*startedAt).Seconds())
	}
}
