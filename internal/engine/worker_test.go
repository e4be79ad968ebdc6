package engine

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newLoopingWorker(t *testing.T) (*worker, chan workerEvent, chan struct{}) {
	t.Helper()
	events := make(chan workerEvent, 64)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	w := newWorker(0, events, logger)

	done := make(chan struct{})
	go func() {
		w.loop()
		close(done)
	}()
	return w, events, done
}

func waitForSpawn(t *testing.T, w *worker) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		started := w.cmd != nil
		w.mu.Unlock()
		if started {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("process never spawned")
}

func waitForTerminalEvent(t *testing.T, events chan workerEvent, timeout time.Duration) workerEvent {
	t.Helper()
	expire := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.kind != eventData {
				return ev
			}
		case <-expire:
			t.Fatal("no terminal event")
		}
	}
}

func TestCancelChecksExecutionID(t *testing.T) {
	w, events, done := newLoopingWorker(t)

	w.tasks <- Task{ID: "111111111", Command: "sleep", Args: []string{"30"}, WorkingDir: t.TempDir()}
	waitForSpawn(t, w)

	// A cancel carrying a different execution id must not touch the
	// in-flight process: the target may have finished and the worker moved
	// on to an unrelated task by the time the cancel arrives.
	if w.cancel("222222222") {
		t.Fatal("cancel with mismatched execution id reported success")
	}
	select {
	case ev := <-events:
		t.Fatalf("process disturbed by mismatched cancel: kind=%d exec=%s", ev.kind, ev.execID)
	case <-time.After(200 * time.Millisecond):
	}

	if !w.cancel("111111111") {
		t.Fatal("cancel with matching execution id reported failure")
	}
	ev := waitForTerminalEvent(t, events, 5*time.Second)
	if ev.kind != eventFailed || ev.execID != "111111111" {
		t.Fatalf("terminal event kind=%d exec=%s, want failed for 111111111", ev.kind, ev.execID)
	}
	if ev.errMsg != "cancelled" {
		t.Fatalf("errMsg = %q, want %q", ev.errMsg, "cancelled")
	}

	close(w.tasks)
	<-done
}

func TestStoppedWorkerFailsBufferedTask(t *testing.T) {
	events := make(chan workerEvent, 64)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	w := newWorker(0, events, logger)

	// Buffer the task before the loop runs, then stop: the loop must fail
	// the task without spawning it.
	marker := filepath.Join(t.TempDir(), "ran")
	w.tasks <- Task{ID: "333333333", Command: "touch", Args: []string{marker}, WorkingDir: t.TempDir()}
	w.stop("")
	close(w.tasks)

	done := make(chan struct{})
	go func() {
		w.loop()
		close(done)
	}()
	<-done

	ev := waitForTerminalEvent(t, events, time.Second)
	if ev.kind != eventFailed || ev.execID != "333333333" || ev.errMsg != "cancelled" {
		t.Fatalf("terminal event kind=%d exec=%s errMsg=%q, want failed/cancelled for 333333333", ev.kind, ev.execID, ev.errMsg)
	}
	if _, err := os.Stat(marker); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("buffered task ran after stop (stat err: %v)", err)
	}
}
