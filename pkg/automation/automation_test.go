package automation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/types"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	path := filepath.Join(t.TempDir(), "automation_state.json")
	rt, err := New(path)
	require.NoError(t, err)
	return rt
}

type collectingSender struct {
	mu     sync.Mutex
	frames []types.ResponseFrame
}

func (s *collectingSender) send(frame types.ResponseFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *collectingSender) events(event string) []types.ResponseFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ResponseFrame
	for _, f := range s.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func waitForTerminal(t *testing.T, rt *Runtime, taskID string, timeout time.Duration) *types.AutomationTask {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task := rt.State(taskID)
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", taskID, timeout)
	return nil
}

func TestStartRunsShellStepsToSuccess(t *testing.T) {
	rt := newTestRuntime(t)
	sender := &collectingSender{}
	rt.SetEventSender(sender.send)

	_, err := rt.Start("task-1", []types.Step{
		{Command: "echo hello"},
		{Command: "echo world"},
	}, 10)
	require.NoError(t, err)

	task := waitForTerminal(t, rt, "task-1", 5*time.Second)
	require.Equal(t, types.TaskSuccess, task.Status)
	require.Len(t, task.Steps, 2)
	require.Contains(t, task.Steps[0].Stdout, "hello")
	require.Contains(t, task.Steps[1].Stdout, "world")

	results := sender.events("terminal_exec_result")
	require.Len(t, results, 2)
}

func TestStartFailsOnNonzeroExit(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Start("task-fail", []types.Step{
		{Command: "exit 7"},
	}, 10)
	require.NoError(t, err)

	task := waitForTerminal(t, rt, "task-fail", 5*time.Second)
	require.Equal(t, types.TaskFailed, task.Status)
	require.NotEmpty(t, task.LastError)
	require.NotNil(t, task.Steps[0].ReturnCode)
	require.Equal(t, 7, *task.Steps[0].ReturnCode)
}

func TestStartRejectsEmptyTaskID(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Start("", []types.Step{{Command: "echo hi"}}, 10)
	require.Error(t, err)
	var verr *agenterrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestStartConflictsWithAnotherActiveTask(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Start("long-task", []types.Step{
		{Command: "sleep 2"},
	}, 30)
	require.NoError(t, err)

	_, err = rt.Start("other-task", []types.Step{{Command: "echo hi"}}, 10)
	require.Error(t, err)
	var cerr *agenterrors.ConflictError
	require.ErrorAs(t, err, &cerr)

	waitForTerminal(t, rt, "long-task", 5*time.Second)
}

func TestCancelStopsRunningTask(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Start("cancel-me", []types.Step{
		{Command: "sleep 10"},
	}, 30)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	task := rt.Cancel("cancel-me")
	require.Equal(t, types.TaskCancelled, task.Status)

	final := waitForTerminal(t, rt, "cancel-me", 5*time.Second)
	require.Equal(t, types.TaskCancelled, final.Status)
}

func TestWaitForChangeUnblocksOnTermination(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Start("wfc-task", []types.Step{{Command: "echo done"}}, 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := rt.WaitForChange(ctx, "wfc-task", 0)
	require.NoError(t, err)
	require.True(t, task.StateSeq > 0)
}

func TestWaitForStepSucceedsOnHealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rt := newTestRuntime(t)
	_, err := rt.Start("wait-task", []types.Step{
		{WaitFor: server.URL},
	}, 10)
	require.NoError(t, err)

	task := waitForTerminal(t, rt, "wait-task", 5*time.Second)
	require.Equal(t, types.TaskSuccess, task.Status)
	require.Contains(t, task.Steps[0].Stdout, "wait_for success")
}

func TestWaitForStepResolvesExposedPlaceholder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rt := newTestRuntime(t)
	rt.SetExposedResolver(func(port int) (string, bool) {
		if port == 9090 {
			return server.URL, true
		}
		return "", false
	})

	_, err := rt.Start("wait-exposed", []types.Step{
		{WaitFor: "[exposed:9090]"},
	}, 10)
	require.NoError(t, err)

	task := waitForTerminal(t, rt, "wait-exposed", 5*time.Second)
	require.Equal(t, types.TaskSuccess, task.Status)
	require.Equal(t, server.URL, task.Steps[0].ResolvedURL)
}

func TestStartIsIdempotentForSameTaskID(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Start("idem-task", []types.Step{{Command: "echo once"}}, 10)
	require.NoError(t, err)
	waitForTerminal(t, rt, "idem-task", 5*time.Second)

	again, err := rt.Start("idem-task", []types.Step{{Command: "echo twice"}}, 10)
	require.NoError(t, err)
	require.Equal(t, "idem-task", again.TaskID)
	require.Equal(t, types.TaskSuccess, again.Status)
	require.Contains(t, again.Steps[0].Stdout, "once")
}

func TestResumeSpawnsRunnerForNonTerminalTaskOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume_state.json")

	rt1, err := New(path)
	require.NoError(t, err)
	_, err = rt1.Start("resume-task", []types.Step{{Command: "sleep 5"}}, 30)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	rt2, err := New(path)
	require.NoError(t, err)
	task := rt2.State("resume-task")
	require.Contains(t, []types.TaskStatus{types.TaskPending, types.TaskRunning}, task.Status)

	final := waitForTerminal(t, rt2, "resume-task", 10*time.Second)
	require.Equal(t, types.TaskSuccess, final.Status)
}

func TestUnknownTaskStateIsSynthetic(t *testing.T) {
	rt := newTestRuntime(t)
	task := rt.State("nope")
	require.Equal(t, types.TaskUnknown, task.Status)
	require.Equal(t, "task not found", task.LastError)
}

func TestNoopStepIsSkippedImmediately(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Start("noop-task", []types.Step{
		{},
		{Command: "echo after-noop"},
	}, 10)
	require.NoError(t, err)

	task := waitForTerminal(t, rt, "noop-task", 5*time.Second)
	require.Equal(t, types.TaskSuccess, task.Status)
	require.Len(t, task.Steps, 2)
	require.Equal(t, types.TaskSuccess, task.Steps[0].Status)
}

func TestResolveExposedPlaceholderErrorsWithoutResolver(t *testing.T) {
	_, err := resolveExposedPlaceholder("[exposed:1234]", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), fmt.Sprintf("%d", 1234))
}

func TestStepTimeoutKillsProcessAndFailsTask(t *testing.T) {
	rt := newTestRuntime(t)

	timeout := 2.0
	_, err := rt.Start("timeout-task", []types.Step{
		{Command: "sleep 10", Timeout: &timeout},
	}, 30)
	require.NoError(t, err)

	task := waitForTerminal(t, rt, "timeout-task", 10*time.Second)
	require.Equal(t, types.TaskFailed, task.Status)
	require.Contains(t, task.Steps[0].Error, "step timed out after 2")
	require.NotNil(t, task.Steps[0].ReturnCode)
	require.NotEqual(t, 0, *task.Steps[0].ReturnCode)
}

func TestStdoutTruncatedToExactCap(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Start("big-output", []types.Step{
		{Command: "head -c 20000 /dev/zero | tr '\\0' 'a'"},
	}, 10)
	require.NoError(t, err)

	task := waitForTerminal(t, rt, "big-output", 5*time.Second)
	require.Equal(t, types.TaskSuccess, task.Status)
	require.Len(t, task.Steps[0].Stdout, MaxStdioChars)
	require.Contains(t, task.Steps[0].Stdout, "truncated")
}

func TestWaitForRejectsNonHTTPScheme(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Start("bad-scheme", []types.Step{
		{WaitFor: "ftp://example.com/file"},
	}, 10)
	require.NoError(t, err)

	task := waitForTerminal(t, rt, "bad-scheme", 5*time.Second)
	require.Equal(t, types.TaskFailed, task.Status)
	require.Contains(t, task.Steps[0].Error, "http")
}

func TestCancelOnTerminalTaskKeepsStatusAndBumpsSeq(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Start("done-task", []types.Step{{Command: "true"}}, 10)
	require.NoError(t, err)
	final := waitForTerminal(t, rt, "done-task", 5*time.Second)
	require.Equal(t, types.TaskSuccess, final.Status)

	after := rt.Cancel("done-task")
	require.Equal(t, types.TaskSuccess, after.Status)
	require.True(t, after.CancelRequested)
	require.Greater(t, after.StateSeq, final.StateSeq)
}

func TestOutputEventsCarryTaskAndStepIdentity(t *testing.T) {
	rt := newTestRuntime(t)
	sender := &collectingSender{}
	rt.SetEventSender(sender.send)

	_, err := rt.Start("tagged-task", []types.Step{{Command: "echo tagged"}}, 10)
	require.NoError(t, err)
	waitForTerminal(t, rt, "tagged-task", 5*time.Second)

	frames := append(sender.events("terminal_exec_output"), sender.events("terminal_exec_result")...)
	require.NotEmpty(t, frames)
	for _, f := range frames {
		require.Equal(t, "tagged-task", f.Fields["automation_task_id"])
		require.Equal(t, 0, f.Fields["automation_step_index"])
	}
}
