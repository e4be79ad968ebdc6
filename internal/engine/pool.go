package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"github.com/jmallory/procbox/internal/model"
	"github.com/jmallory/procbox/internal/store"
)

// eventBufferSize is the buffer of the shared worker event channel.
const eventBufferSize = 256

// ErrShutdown is returned when submitting to a pool that has been shut down.
var ErrShutdown = errors.New("pool is shut down")

// PoolStatus is a point-in-time snapshot of the pool, with no side effects.
type PoolStatus struct {
	TotalWorkers int `json:"total_workers"`
	BusyWorkers  int `json:"busy_workers"`
	QueuedTasks  int `json:"queued_tasks"`
	MaxWorkers   int `json:"max_workers"`
}

// DefaultMaxWorkers is the default pool bound: half the available hardware
// parallelism, minimum 1.
func DefaultMaxWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// Pool is a bounded set of execution workers with a FIFO queue of pending
// tasks. Workers are created lazily up to maxWorkers. A single dispatcher
// goroutine routes worker events to the store, so all record writes for a
// given execution are serialized regardless of how stdout and stderr chunk
// arrivals interleave.
type Pool struct {
	store      store.Store
	logger     *slog.Logger
	maxWorkers int

	mu       sync.Mutex
	workers  []*worker
	busy     map[int]string // worker id -> execution id
	queue    []Task
	shutdown bool

	events         chan workerEvent
	workerWG       sync.WaitGroup
	dispatcherDone chan struct{}
	shutdownOnce   sync.Once
}

// NewPool creates a pool bound to maxWorkers concurrent processes. A
// maxWorkers of zero or less falls back to DefaultMaxWorkers.
func NewPool(s store.Store, maxWorkers int, logger *slog.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers()
	}
	p := &Pool{
		store:          s,
		logger:         logger,
		maxWorkers:     maxWorkers,
		busy:           make(map[int]string),
		events:         make(chan workerEvent, eventBufferSize),
		dispatcherDone: make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Submit enqueues a task. It returns as soon as the task is assigned to an
// idle worker or appended to the FIFO queue, never waiting for the process
// to run. A full pool is not an error; the task queues.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return ErrShutdown
	}

	if w := p.idleWorkerLocked(); w != nil {
		p.assignLocked(w, t)
		return nil
	}

	if len(p.workers) < p.maxWorkers {
		w := newWorker(len(p.workers), p.events, p.logger)
		p.workers = append(p.workers, w)
		p.workerWG.Add(1)
		go func() {
			defer p.workerWG.Done()
			w.loop()
		}()
		p.assignLocked(w, t)
		return nil
	}

	p.queue = append(p.queue, t)
	queueDepth.Set(float64(len(p.queue)))
	return nil
}

// Cancel cancels the execution with the given ID. A still-queued task is
// removed and its record marked failed; a running task has its process
// killed. Returns false when the ID is unknown or already finished.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	for i, t := range p.queue {
		if t.ID == id {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			queueDepth.Set(float64(len(p.queue)))
			p.mu.Unlock()
			p.finishFailed(id, "cancelled")
			executionsCancelled.Inc()
			return true
		}
	}

	// Forward to the worker while still holding p.mu so the assignment
	// cannot change under us; workers never take the pool lock, so there is
	// no reverse ordering. The worker re-checks the id under its own lock.
	for _, w := range p.workers {
		if execID, ok := p.busy[w.id]; ok && execID == id {
			cancelled := w.cancel(id)
			p.mu.Unlock()
			if cancelled {
				executionsCancelled.Inc()
			}
			return cancelled
		}
	}
	p.mu.Unlock()
	return false
}

// Status returns a snapshot of pool occupancy.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStatus{
		TotalWorkers: len(p.workers),
		BusyWorkers:  len(p.busy),
		QueuedTasks:  len(p.queue),
		MaxWorkers:   p.maxWorkers,
	}
}

// Shutdown kills every in-flight process, fails every still-queued task, and
// stops all pool goroutines. Idempotent; Submit returns ErrShutdown afterwards.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.shutdown = true
		queued := p.queue
		p.queue = nil
		queueDepth.Set(0)
		workers := make([]*worker, len(p.workers))
		copy(workers, p.workers)
		assigned := make(map[int]string, len(p.busy))
		for wid, execID := range p.busy {
			assigned[wid] = execID
		}
		p.mu.Unlock()

		for _, t := range queued {
			p.finishFailed(t.ID, "cancelled")
		}
		// Drain every worker: in-flight processes are killed, and a task
		// still buffered on a worker's channel is failed instead of run.
		for _, w := range workers {
			w.stop(assigned[w.id])
		}

		// Workers drain their terminal events before exiting; the dispatcher
		// keeps consuming until the event channel closes.
		for _, w := range workers {
			close(w.tasks)
		}
		p.workerWG.Wait()
		close(p.events)
		<-p.dispatcherDone
	})
}

// dispatch is the pool's single coordination point for worker events. It
// runs until the event channel is closed by Shutdown.
func (p *Pool) dispatch() {
	defer close(p.dispatcherDone)
	for ev := range p.events {
		switch ev.kind {
		case eventData:
			// A lost live-update must not abort the running process; the
			// terminal write is the authoritative one.
			if err := p.store.AppendStream(context.Background(), ev.execID, ev.channel, ev.chunk); err != nil {
				p.logger.Error("append stream", "execution_id", ev.execID, "channel", ev.channel, "error", err)
			}
		case eventCompleted:
			p.finishCompleted(ev.execID, ev.exitCode)
			p.markIdle(ev.workerID)
		case eventFailed:
			p.finishFailed(ev.execID, ev.errMsg)
			p.markIdle(ev.workerID)
		}
	}
}

// markIdle returns a worker to the idle set and hands it the next queued
// task, if any.
func (p *Pool) markIdle(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.busy, workerID)
	busyWorkers.Set(float64(len(p.busy)))
	if p.shutdown || len(p.queue) == 0 {
		return
	}

	next := p.queue[0]
	p.queue = p.queue[1:]
	queueDepth.Set(float64(len(p.queue)))
	for _, w := range p.workers {
		if w.id == workerID {
			p.assignLocked(w, next)
			return
		}
	}
}

// finishCompleted transitions a record to completed with the process's exit code.
func (p *Pool) finishCompleted(id string, exitCode int) {
	status := model.StatusCompleted
	if err := p.store.UpdateExecution(context.Background(), id, store.ExecutionUpdate{
		Status:   &status,
		ExitCode: &exitCode,
	}); err != nil {
		p.logger.Error("update completed execution", "execution_id", id, "error", err)
	}
	executionsCompleted.Inc()
}

// finishFailed appends the error message to the record's stderr, then
// transitions it to failed with the sentinel exit code.
func (p *Pool) finishFailed(id, errMsg string) {
	ctx := context.Background()
	if errMsg != "" {
		if err := p.store.AppendStream(ctx, id, model.ChannelStderr, []byte(errMsg+"\n")); err != nil {
			p.logger.Error("append failure message", "execution_id", id, "error", err)
		}
	}
	status := model.StatusFailed
	exitCode := model.ExitCodeFailure
	if err := p.store.UpdateExecution(ctx, id, store.ExecutionUpdate{
		Status:   &status,
		ExitCode: &exitCode,
	}); err != nil {
		p.logger.Error("update failed execution", "execution_id", id, "error", err)
	}
	executionsFailed.Inc()
}

// idleWorkerLocked returns an existing worker with no assigned execution.
// Caller holds p.mu.
func (p *Pool) idleWorkerLocked() *worker {
	for _, w := range p.workers {
		if _, ok := p.busy[w.id]; !ok {
			return w
		}
	}
	return nil
}

// assignLocked hands a task to a worker. Caller holds p.mu; the worker is
// idle, so its buffered task channel never blocks.
func (p *Pool) assignLocked(w *worker, t Task) {
	p.busy[w.id] = t.ID
	busyWorkers.Set(float64(len(p.busy)))
	w.begin(t.ID)
	w.tasks <- t
}
