package stt

import (
	"context"
	"errors"
)

// ErrEngineUnavailable is recorded when the engine could not be created.
var ErrEngineUnavailable = errors.New("stt engine unavailable")

// Engine turns a 16 kHz mono waveform into raw, unfiltered text.
// Implementations need not be safe for concurrent use; Decoder serializes calls.
type Engine interface {
	Recognize(ctx context.Context, samples []float32) (string, error)
	Close() error
}

// EngineFactory creates an engine for the given language hint.
type EngineFactory func(language string) (Engine, error)
