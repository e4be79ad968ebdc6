package engine

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jmallory/procbox/internal/model"
)

// readBufferSize is the chunk size for reading process output. Chunks are
// forwarded as soon as they are read so callers can observe partial output
// on a still-running execution.
const readBufferSize = 32 * 1024

// eventKind discriminates worker events.
type eventKind int

const (
	eventData eventKind = iota
	eventCompleted
	eventFailed
)

// workerEvent is the only way a worker communicates results. Workers never
// touch the store or pool state directly; the pool's dispatcher consumes
// these sequentially, which serializes all record writes per execution.
type workerEvent struct {
	workerID int
	execID   string
	kind     eventKind
	channel  string
	chunk    []byte
	exitCode int
	errMsg   string
}

// Task describes one queued execution request.
type Task struct {
	ID         string
	Command    string
	Args       []string
	Stdin      []byte
	WorkingDir string
	Env        map[string]string
}

// worker owns at most one in-flight OS process at a time. It receives tasks
// over its channel and emits lifecycle events to the pool.
type worker struct {
	id     int
	tasks  chan Task
	events chan<- workerEvent
	logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	curID     string
	cancelled bool
	stopping  bool
}

func newWorker(id int, events chan<- workerEvent, logger *slog.Logger) *worker {
	return &worker{
		id:     id,
		tasks:  make(chan Task, 1),
		events: events,
		logger: logger,
	}
}

// loop runs tasks until the task channel is closed.
func (w *worker) loop() {
	for t := range w.tasks {
		w.execute(t)
	}
}

// begin records the execution the worker is about to receive, so a cancel
// arriving before the task is picked up off the channel still finds its
// target. Called by the pool at assignment time.
func (w *worker) begin(id string) {
	w.mu.Lock()
	w.curID = id
	w.cancelled = false
	w.mu.Unlock()
}

// execute spawns the task's process, streams its output, and emits exactly
// one terminal event. All failure modes surface as events; nothing panics
// past this method.
func (w *worker) execute(t Task) {
	w.mu.Lock()
	if w.stopping {
		// The task was buffered on our channel when the pool shut down;
		// fail it instead of spawning into a dying pool.
		w.mu.Unlock()
		w.fail(t.ID, "cancelled")
		return
	}
	// When begin already announced this task, keep the cancelled flag: a
	// cancel may have landed between assignment and pickup.
	if w.curID != t.ID {
		w.curID = t.ID
		w.cancelled = false
	}
	w.mu.Unlock()

	cmd := exec.Command(t.Command, t.Args...)
	cmd.Dir = t.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range t.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdinPipe io.WriteCloser
	if len(t.Stdin) > 0 {
		var err error
		stdinPipe, err = cmd.StdinPipe()
		if err != nil {
			w.fail(t.ID, fmt.Sprintf("stdin pipe: %v", err))
			return
		}
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		w.fail(t.ID, fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		w.fail(t.ID, fmt.Sprintf("stderr pipe: %v", err))
		return
	}

	if err := cmd.Start(); err != nil {
		w.fail(t.ID, fmt.Sprintf("start command: %v", err))
		return
	}

	// A cancel that raced the spawn is honored here: the process is killed
	// before any output is consumed.
	w.mu.Lock()
	w.cmd = cmd
	if w.cancelled {
		if err := cmd.Process.Kill(); err != nil {
			w.logger.Warn("kill process", "execution_id", t.ID, "error", err)
		}
	}
	w.mu.Unlock()

	// Bounded input: write it fully and close the input side before output
	// is consumed. An interactive session is not supported.
	if stdinPipe != nil {
		_, werr := stdinPipe.Write(t.Stdin)
		cerr := stdinPipe.Close()
		if werr != nil || cerr != nil {
			if err := cmd.Process.Kill(); err != nil {
				w.logger.Warn("kill after stdin failure", "execution_id", t.ID, "error", err)
			}
			cmd.Wait()
			if werr == nil {
				werr = cerr
			}
			w.fail(t.ID, fmt.Sprintf("write stdin: %v", werr))
			return
		}
	}

	// Read stdout and stderr concurrently, chunk by chunk. No ordering is
	// guaranteed between the two channels, only within each.
	var g errgroup.Group
	g.Go(func() error {
		w.streamChunks(t.ID, model.ChannelStdout, stdoutPipe)
		return nil
	})
	g.Go(func() error {
		w.streamChunks(t.ID, model.ChannelStderr, stderrPipe)
		return nil
	})
	g.Wait()

	waitErr := cmd.Wait()

	w.mu.Lock()
	cancelled := w.cancelled
	w.mu.Unlock()
	w.clearProcess()

	if cancelled {
		w.fail(t.ID, "cancelled")
		return
	}

	exitCode := 0
	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			w.fail(t.ID, fmt.Sprintf("wait: %v", waitErr))
			return
		}
		exitCode = exitErr.ExitCode()
		// A negative code means the process died to an external signal
		// rather than exiting; there is no real exit code to record.
		if exitCode < 0 {
			w.fail(t.ID, fmt.Sprintf("terminated by signal: %v", waitErr))
			return
		}
	}

	w.events <- workerEvent{
		workerID: w.id,
		execID:   t.ID,
		kind:     eventCompleted,
		exitCode: exitCode,
	}
}

// streamChunks reads r until EOF, emitting one data event per chunk.
func (w *worker) streamChunks(execID, channel string, r io.Reader) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			w.events <- workerEvent{
				workerID: w.id,
				execID:   execID,
				kind:     eventData,
				channel:  channel,
				chunk:    chunk,
			}
		}
		if err != nil {
			if err != io.EOF {
				w.logger.Debug("read channel", "execution_id", execID, "channel", channel, "error", err)
			}
			return
		}
	}
}

// cancel requests termination of the given execution and reports whether it
// was the one in flight. The id check keeps a cancel aimed at a finished
// execution from killing whatever the worker picked up next. If the process
// has not been spawned yet, the cancellation is honored right after the
// spawn. The terminal failed event is emitted by the execute path once the
// process has been reaped.
func (w *worker) cancel(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id == "" || w.curID != id {
		return false
	}
	w.killLocked()
	return true
}

// stop puts the worker into draining mode for shutdown: any task still
// buffered on its channel is failed instead of run, and the in-flight
// execution, if it matches id, is killed.
func (w *worker) stop(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopping = true
	if id != "" && w.curID == id {
		w.killLocked()
	}
}

// killLocked marks the in-flight execution cancelled and kills its process
// if it has been spawned. Caller holds w.mu.
func (w *worker) killLocked() {
	w.cancelled = true
	if w.cmd != nil && w.cmd.Process != nil {
		if err := w.cmd.Process.Kill(); err != nil {
			w.logger.Warn("kill process", "execution_id", w.curID, "error", err)
		}
	}
}

func (w *worker) clearProcess() {
	w.mu.Lock()
	w.cmd = nil
	w.curID = ""
	w.mu.Unlock()
}

func (w *worker) fail(execID, msg string) {
	w.clearProcess()
	w.events <- workerEvent{
		workerID: w.id,
		execID:   execID,
		kind:     eventFailed,
		errMsg:   msg,
	}
}
