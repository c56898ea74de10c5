package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode marks a stored payload that could not be turned back into a job.
var ErrDecode = errors.New("decode job payload")

// Encode serializes a job payload. There is no size ceiling: deployment
// payloads carry whole packages.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	return b, nil
}

// Decode parses a payload into T. Malformed or legacy rows yield ErrDecode
// instead of a panic.
func Decode[T any](b []byte) (T, error) {
	var out T
	if len(b) == 0 {
		return out, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return out, nil
}
