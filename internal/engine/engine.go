package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmallory/procbox/internal/model"
	"github.com/jmallory/procbox/internal/store"
)

// maxIDAttempts bounds allocation retries when the random ID space yields a
// collision against an existing record.
const maxIDAttempts = 5

// ErrInvalidID is returned for identifiers that do not match the expected
// 9-digit format. These never reach the pool or the store.
var ErrInvalidID = errors.New("invalid execution id")

// Engine ties the worker pool, record store, and chaining resolver together
// behind the submit/get/cancel surface the protocol layer consumes. It is an
// explicitly constructed object with its own lifecycle, so tests can run
// several isolated engines side by side.
type Engine struct {
	store  store.Store
	pool   *Pool
	logger *slog.Logger
}

// SubmitRequest describes one command submission. Stdin and StdinFromID are
// mutually exclusive; StdinFromID chains a prior execution's captured stdout
// into this execution's stdin.
type SubmitRequest struct {
	Command     string
	Args        []string
	Stdin       string
	StdinFromID string
	WorkingDir  string
	Env         map[string]string
}

// SubmitResult is returned as soon as the record is created and the task is
// queued; it never waits for the process.
type SubmitResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ChannelView is one output channel of an execution as presented to callers.
// Content is base64 when IsEncoded is true.
type ChannelView struct {
	Content   string `json:"content"`
	IsEncoded bool   `json:"is_encoded"`
}

// ExecutionView is the poll result for one execution.
type ExecutionView struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	ExitCode   *int         `json:"exit_code,omitempty"`
	HasOutput  bool         `json:"has_output"`
	Stdout     *ChannelView `json:"stdout,omitempty"`
	Stderr     *ChannelView `json:"stderr,omitempty"`
	WorkingDir string       `json:"working_directory"`
	CreatedAt  time.Time    `json:"created_at"`
}

// New creates an engine on top of the given store with a pool bound to
// maxWorkers concurrent processes (zero or less uses the default sizing).
func New(s store.Store, maxWorkers int, logger *slog.Logger) *Engine {
	return &Engine{
		store:  s,
		pool:   NewPool(s, maxWorkers, logger),
		logger: logger,
	}
}

// Submit validates the request, resolves chained stdin, writes the initial
// running record, and queues the task. Input errors (empty command,
// conflicting stdin sources, unknown reference) are returned synchronously;
// everything that happens after spawn is reported through the record.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.Command == "" {
		return SubmitResult{}, errors.New("command is required")
	}

	stdin, err := e.resolveStdin(ctx, req.Stdin, req.StdinFromID)
	if err != nil {
		return SubmitResult{}, err
	}

	workingDir, err := resolveWorkingDir(req.WorkingDir)
	if err != nil {
		return SubmitResult{}, err
	}

	rec, err := e.createRecord(ctx, workingDir)
	if err != nil {
		return SubmitResult{}, err
	}

	if err := e.pool.Submit(Task{
		ID:         rec.ID,
		Command:    req.Command,
		Args:       req.Args,
		Stdin:      stdin,
		WorkingDir: workingDir,
		Env:        req.Env,
	}); err != nil {
		e.pool.finishFailed(rec.ID, err.Error())
		return SubmitResult{}, err
	}

	executionsSubmitted.Inc()
	e.logger.Info("execution submitted",
		"execution_id", rec.ID,
		"command", req.Command,
		"working_dir", workingDir,
	)
	return SubmitResult{ID: rec.ID, Status: model.StatusRunning}, nil
}

// Get returns the current state of an execution. Channel content can be
// omitted for cheap status polling; hasOutput still reflects both channels.
func (e *Engine) Get(ctx context.Context, id string, includeStdout, includeStderr bool) (*ExecutionView, error) {
	if !model.ValidID(id) {
		return nil, ErrInvalidID
	}

	rec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &ExecutionView{
		ID:         rec.ID,
		Status:     rec.Status,
		ExitCode:   rec.ExitCode,
		HasOutput:  rec.HasOutput(),
		WorkingDir: rec.WorkingDir,
		CreatedAt:  rec.CreatedAt,
	}
	if includeStdout {
		view.Stdout = &ChannelView{Content: rec.Stdout, IsEncoded: rec.StdoutEncoded}
	}
	if includeStderr {
		view.Stderr = &ChannelView{Content: rec.Stderr, IsEncoded: rec.StderrEncoded}
	}
	return view, nil
}

// Cancel requests termination of a queued or running execution. It reports
// whether anything was actually cancelled; termination of a running process
// is requested, not awaited.
func (e *Engine) Cancel(id string) (bool, error) {
	if !model.ValidID(id) {
		return false, ErrInvalidID
	}
	return e.pool.Cancel(id), nil
}

// PoolStatus exposes the pool snapshot for introspection endpoints.
func (e *Engine) PoolStatus() PoolStatus {
	return e.pool.Status()
}

// Shutdown stops the pool: running processes are killed, queued tasks are
// failed, and all engine goroutines exit. Idempotent.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// createRecord allocates an ID and inserts the initial running record,
// retrying allocation on the store's duplicate check. The small numeric ID
// space makes collisions possible, so uniqueness is enforced here rather
// than assumed.
func (e *Engine) createRecord(ctx context.Context, workingDir string) (*model.Execution, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		rec := &model.Execution{
			ID:         model.NewID(),
			Status:     model.StatusRunning,
			WorkingDir: workingDir,
			CreatedAt:  time.Now().UTC(),
		}
		err := e.store.CreateExecution(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrDuplicateID) {
			return nil, fmt.Errorf("create execution: %w", err)
		}
		e.logger.Warn("execution id collision, retrying", "execution_id", rec.ID)
	}
	return nil, fmt.Errorf("create execution: exhausted %d id allocation attempts", maxIDAttempts)
}

// resolveWorkingDir turns the requested working directory into the resolved
// absolute path recorded for the spawn, defaulting to the process cwd.
func resolveWorkingDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working dir: %w", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve working dir: %w", err)
	}
	return abs, nil
}
