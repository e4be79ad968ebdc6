// Package stream classifies and merges raw process output chunks into the
// text-or-base64 representation stored on an execution record. Classification
// happens per chunk; once a channel turns binary, its entire accumulated
// content is re-encoded so that no byte is ever lost.
package stream

import (
	"encoding/base64"
	"fmt"
)

// classifyWindow is how many leading bytes of a chunk are inspected.
const classifyWindow = 1024

// controlRatio is the fraction of control characters in the inspected window
// above which a chunk is treated as binary.
const controlRatio = 0.10

// Classify reports whether chunk looks like binary data: a NUL byte in the
// first 1024 bytes, or more than 10% of the first 1024 bytes being control
// characters other than tab, newline, and carriage return.
func Classify(chunk []byte) bool {
	window := chunk
	if len(window) > classifyWindow {
		window = window[:classifyWindow]
	}
	if len(window) == 0 {
		return false
	}

	control := 0
	for _, b := range window {
		if b == 0x00 {
			return true
		}
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			control++
		}
	}
	return float64(control)/float64(len(window)) > controlRatio
}

// Merge appends a newly read chunk onto a channel's accumulated content and
// returns the new content and encoded flag. It is a pure function: existing
// is the channel's current stored text, encoded whether that text is base64.
//
// When the chunk classifies as binary, or the channel is already encoded, the
// full raw byte sequence seen so far is reconstructed, the chunk appended,
// and the whole sequence re-encoded as base64. Base64 cannot be concatenated
// chunk-by-chunk, so the retroactive re-encode is what keeps the channel
// byte-accurate across a text-to-binary transition.
func Merge(existing string, encoded bool, chunk []byte) (string, bool, error) {
	if !encoded && !Classify(chunk) {
		return existing + string(chunk), false, nil
	}

	raw, err := Decode(existing, encoded)
	if err != nil {
		return "", false, fmt.Errorf("decode existing content: %w", err)
	}
	raw = append(raw, chunk...)
	return base64.StdEncoding.EncodeToString(raw), true, nil
}

// Decode returns the raw bytes of a stored channel: the base64 decoding when
// encoded is true, otherwise the UTF-8 bytes of the text itself.
func Decode(content string, encoded bool) ([]byte, error) {
	if !encoded {
		return []byte(content), nil
	}
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return raw, nil
}
