// Package engine provides the asynchronous command-execution engine.
// It owns a bounded pool of workers that spawn OS processes, streams their
// output through the classifier into the store chunk by chunk, and records
// terminal results so callers can poll for them after submission returns.
package engine
