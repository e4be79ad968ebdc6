package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmallory/procbox/internal/model"
	"github.com/jmallory/procbox/internal/stream"
)

// ErrConflictingStdin is returned when a submission supplies both direct
// stdin content and a chained execution reference.
var ErrConflictingStdin = errors.New("stdin and stdin_from_id are mutually exclusive")

// resolveStdin produces the stdin payload for a new execution. A chained
// reference resolves to the referenced execution's captured stdout, decoded
// back to raw bytes when the channel was stored base64-encoded, so outputs
// compose without the caller handling raw bytes.
func (e *Engine) resolveStdin(ctx context.Context, direct, refID string) ([]byte, error) {
	if direct != "" && refID != "" {
		return nil, ErrConflictingStdin
	}
	if refID == "" {
		if direct == "" {
			return nil, nil
		}
		return []byte(direct), nil
	}

	if !model.ValidID(refID) {
		return nil, ErrInvalidID
	}
	ref, err := e.store.GetExecution(ctx, refID)
	if err != nil {
		return nil, err
	}
	payload, err := stream.Decode(ref.Stdout, ref.StdoutEncoded)
	if err != nil {
		return nil, fmt.Errorf("decode chained stdout of %s: %w", refID, err)
	}
	return payload, nil
}
