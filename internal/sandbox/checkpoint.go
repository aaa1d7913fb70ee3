package sandbox

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Restore errors.
var (
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
	ErrWrongInterpreter  = errors.New("checkpoint belongs to another interpreter")
	ErrReplayDiverged    = errors.New("replay diverged from checkpoint")
)

// checkpointVersion 2 journals record call arguments. Version 1
// journals cannot be replay-checked and are rejected.
const checkpointVersion = 2

// checkpoint is the serialized form of a suspended run: the program,
// the journal of resolved calls and the call it is waiting on. It is
// stored as gzip-compressed JSON.
type checkpoint struct {
	Version     int         `json:"version"`
	Interpreter string      `json:"interpreter"`
	Program     Program     `json:"program"`
	Journal     []entry     `json:"journal"`
	Pending     PendingCall `json:"pending"`
}

func encodeCheckpoint(cp *checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeCheckpoint(data []byte) (*checkpoint, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip reader: %v", ErrCorruptCheckpoint, err)
	}
	defer gr.Close()

	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptCheckpoint, err)
	}

	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrCorruptCheckpoint, err)
	}
	if cp.Version != checkpointVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptCheckpoint, cp.Version)
	}
	return &cp, nil
}

// Inspect decodes a checkpoint's program and pending call without
// restoring it. Operators use it to see what a snapshot is waiting on.
func Inspect(data []byte) (Program, PendingCall, error) {
	cp, err := decodeCheckpoint(data)
	if err != nil {
		return Program{}, PendingCall{}, err
	}
	return cp.Program, cp.Pending, nil
}
