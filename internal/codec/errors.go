package codec

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step that failed.
type Stage string

const (
	StageTruncated           Stage = "truncated"
	StageInvalidEnvelope     Stage = "invalid_envelope"
	StageDecompressionFailed Stage = "decompression_failed"
	StageInvalidText         Stage = "invalid_text"
	StageInvalidJSON         Stage = "invalid_json"
)

var (
	ErrTruncated           = errors.New("block truncated")
	ErrInvalidEnvelope     = errors.New("invalid text envelope")
	ErrDecompressionFailed = errors.New("decompression failed")
	ErrInvalidText         = errors.New("invalid UTF-16LE text")
	ErrInvalidJSON         = errors.New("invalid JSON")
)

// Error reports a codec failure for one block.
type Error struct {
	Index int
	Stage Stage
	Err   error
}

func newError(index int, stage Stage, err error) *Error {
	return &Error{Index: index, Stage: stage, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("block %d: %s: %v", e.Index, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the failing stage, so callers can write
// errors.Is(err, codec.ErrInvalidJSON).
func (e *Error) Is(target error) bool {
	return stageSentinel(e.Stage) == target
}

func stageSentinel(s Stage) error {
	switch s {
	case StageTruncated:
		return ErrTruncated
	case StageInvalidEnvelope:
		return ErrInvalidEnvelope
	case StageDecompressionFailed:
		return ErrDecompressionFailed
	case StageInvalidText:
		return ErrInvalidText
	case StageInvalidJSON:
		return ErrInvalidJSON
	default:
		return nil
	}
}

// stageError tags an internal helper error with the stage it belongs to.
type stageError struct {
	stage Stage
	err   error
}

func (e stageError) Error() string { return e.err.Error() }
func (e stageError) Unwrap() error { return e.err }

func stageOf(err error) Stage {
	var se stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return StageInvalidEnvelope
}

func failAt(stage Stage, format string, args ...any) error {
	return stageError{stage: stage, err: fmt.Errorf(format, args...)}
}
