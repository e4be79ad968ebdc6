package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmallory/procbox/internal/engine"
	"github.com/jmallory/procbox/internal/model"
	"github.com/jmallory/procbox/internal/store"
)

func newTestPool(t *testing.T, maxWorkers int) (*engine.Pool, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	p := engine.NewPool(s, maxWorkers, logger)

	t.Cleanup(func() {
		p.Shutdown()
		s.Close()
	})
	return p, s
}

// submitTask creates the running record and hands the task to the pool, the
// same sequence the engine performs.
func submitTask(t *testing.T, p *engine.Pool, s store.Store, command string, args ...string) string {
	t.Helper()
	id := model.NewID()
	err := s.CreateExecution(context.Background(), &model.Execution{
		ID:         id,
		Status:     model.StatusRunning,
		WorkingDir: "/tmp",
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := p.Submit(engine.Task{
		ID:         id,
		Command:    command,
		Args:       args,
		WorkingDir: "/tmp",
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func waitForStoreStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e, err := s.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if e.Status == expected {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestPoolNeverExceedsMax(t *testing.T) {
	const max = 2
	p, s := newTestPool(t, max)

	ids := make([]string, 6)
	for i := range ids {
		ids[i] = submitTask(t, p, s, "sh", "-c", "sleep 0.2")
	}

	// While the burst is in flight the bound must hold and queued tasks must
	// account for everything not yet assigned.
	st := p.Status()
	if st.TotalWorkers > max {
		t.Errorf("total workers = %d, exceeds max %d", st.TotalWorkers, max)
	}
	if st.BusyWorkers > max {
		t.Errorf("busy workers = %d, exceeds max %d", st.BusyWorkers, max)
	}
	if st.MaxWorkers != max {
		t.Errorf("max workers = %d, want %d", st.MaxWorkers, max)
	}
	if st.QueuedTasks != len(ids)-max {
		t.Errorf("queued tasks = %d, want %d", st.QueuedTasks, len(ids)-max)
	}

	for _, id := range ids {
		waitForStoreStatus(t, s, id, model.StatusCompleted, 10*time.Second)
	}
}

func TestPoolLazyWorkerCreation(t *testing.T) {
	p, s := newTestPool(t, 4)

	if st := p.Status(); st.TotalWorkers != 0 {
		t.Errorf("fresh pool workers = %d, want 0", st.TotalWorkers)
	}

	id := submitTask(t, p, s, "echo", "one")
	if st := p.Status(); st.TotalWorkers != 1 {
		t.Errorf("workers after one submit = %d, want 1", st.TotalWorkers)
	}
	waitForStoreStatus(t, s, id, model.StatusCompleted, 5*time.Second)
}

func TestPoolFIFOOrder(t *testing.T) {
	p, s := newTestPool(t, 1)
	out := filepath.Join(t.TempDir(), "order.txt")

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = submitTask(t, p, s, "sh", "-c", fmt.Sprintf("echo %d >> %s", i, out))
	}
	for _, id := range ids {
		waitForStoreStatus(t, s, id, model.StatusCompleted, 10*time.Second)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read order file: %v", err)
	}
	if got, want := string(data), "0\n1\n2\n3\n"; got != want {
		t.Errorf("execution order = %q, want %q", got, want)
	}
}

func TestCancelQueuedTaskNeverRuns(t *testing.T) {
	p, s := newTestPool(t, 1)
	marker := filepath.Join(t.TempDir(), "marker")

	blocker := submitTask(t, p, s, "sh", "-c", "sleep 0.5")
	queued := submitTask(t, p, s, "sh", "-c", "touch "+marker)

	if !p.Cancel(queued) {
		t.Fatal("cancel of queued task returned false")
	}

	e := waitForStoreStatus(t, s, queued, model.StatusFailed, 5*time.Second)
	if e.ExitCode == nil || *e.ExitCode != model.ExitCodeFailure {
		t.Errorf("exit code = %v, want sentinel", e.ExitCode)
	}

	waitForStoreStatus(t, s, blocker, model.StatusCompleted, 10*time.Second)
	if _, err := os.Stat(marker); !errors.Is(err, os.ErrNotExist) {
		t.Error("cancelled queued task still executed")
	}
}

func TestCancelRunningTask(t *testing.T) {
	p, s := newTestPool(t, 1)

	id := submitTask(t, p, s, "sleep", "30")

	// Give the worker a moment to spawn the process.
	deadline := time.Now().Add(2 * time.Second)
	for p.Status().BusyWorkers == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if !p.Cancel(id) {
		t.Fatal("cancel of running task returned false")
	}

	e := waitForStoreStatus(t, s, id, model.StatusFailed, 5*time.Second)
	if e.ExitCode == nil || *e.ExitCode != model.ExitCodeFailure {
		t.Errorf("exit code = %v, want sentinel", e.ExitCode)
	}
	if e.Stderr == "" {
		t.Error("stderr should mention cancellation")
	}
}

func TestCancelUnknownID(t *testing.T) {
	p, _ := newTestPool(t, 1)

	if p.Cancel("999999998") {
		t.Error("cancel of unknown id returned true")
	}
}

func TestCancelFinishedTask(t *testing.T) {
	p, s := newTestPool(t, 1)

	id := submitTask(t, p, s, "echo", "done")
	waitForStoreStatus(t, s, id, model.StatusCompleted, 5*time.Second)

	if p.Cancel(id) {
		t.Error("cancel of finished task returned true")
	}
}

func TestCancelFinishedTaskLeavesSuccessorAlone(t *testing.T) {
	// A cancel aimed at a finished execution must not kill whatever the
	// same worker is running now.
	p, s := newTestPool(t, 1)

	first := submitTask(t, p, s, "echo", "first")
	waitForStoreStatus(t, s, first, model.StatusCompleted, 5*time.Second)

	second := submitTask(t, p, s, "sleep", "30")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && p.Status().BusyWorkers == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	if p.Cancel(first) {
		t.Error("cancel of the finished execution returned true")
	}
	e, err := s.GetExecution(context.Background(), second)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if e.Status != model.StatusRunning {
		t.Fatalf("successor reached %q after stale cancel, want running", e.Status)
	}

	if !p.Cancel(second) {
		t.Fatal("cancel of the running successor returned false")
	}
	waitForStoreStatus(t, s, second, model.StatusFailed, 5*time.Second)
}

func TestWorkerReuseAfterFailure(t *testing.T) {
	// A spawn failure must not poison the worker; the pool keeps serving.
	p, s := newTestPool(t, 1)

	bad := submitTask(t, p, s, "/nonexistent/not-a-binary")
	waitForStoreStatus(t, s, bad, model.StatusFailed, 5*time.Second)

	good := submitTask(t, p, s, "echo", "recovered")
	e := waitForStoreStatus(t, s, good, model.StatusCompleted, 5*time.Second)
	if e.Stdout == "" {
		t.Error("follow-up execution produced no output")
	}

	if st := p.Status(); st.TotalWorkers != 1 {
		t.Errorf("total workers = %d, want 1", st.TotalWorkers)
	}
}

func TestShutdownRejectsQueuedAndNewTasks(t *testing.T) {
	p, s := newTestPool(t, 1)

	running := submitTask(t, p, s, "sleep", "30")
	queued := submitTask(t, p, s, "echo", "never")

	p.Shutdown()
	p.Shutdown() // idempotent

	waitForStoreStatus(t, s, running, model.StatusFailed, 5*time.Second)
	waitForStoreStatus(t, s, queued, model.StatusFailed, 5*time.Second)

	err := p.Submit(engine.Task{ID: model.NewID(), Command: "echo"})
	if !errors.Is(err, engine.ErrShutdown) {
		t.Errorf("submit after shutdown error = %v, want ErrShutdown", err)
	}

	st := p.Status()
	if st.QueuedTasks != 0 {
		t.Errorf("queued tasks after shutdown = %d, want 0", st.QueuedTasks)
	}
}

func TestDefaultMaxWorkers(t *testing.T) {
	if n := engine.DefaultMaxWorkers(); n < 1 {
		t.Errorf("DefaultMaxWorkers = %d, want >= 1", n)
	}

	p, _ := newTestPool(t, 0)
	if st := p.Status(); st.MaxWorkers != engine.DefaultMaxWorkers() {
		t.Errorf("max workers = %d, want default %d", st.MaxWorkers, engine.DefaultMaxWorkers())
	}
}

func TestPartialOutputObservableWhileRunning(t *testing.T) {
	p, s := newTestPool(t, 1)

	id := submitTask(t, p, s, "sh", "-c", "echo early; sleep 1")

	// The first chunk must land in the record before the process exits.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		e, err := s.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if e.Status == model.StatusRunning && e.Stdout != "" {
			return // observed partial output on a live execution
		}
		if e.Status != model.StatusRunning {
			t.Fatal("process finished before partial output was observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no partial output observed while running")
}
