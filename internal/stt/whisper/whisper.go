// Package whisper provides a native stt.Engine backed by the whisper.cpp
// CGO bindings. libwhisper.a and whisper.h must be reachable through
// LIBRARY_PATH and C_INCLUDE_PATH at build time.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-voice/internal/stt"
)

var _ stt.Engine = (*Engine)(nil)

// Engine holds a loaded model. Each decode gets a fresh whisper context.
type Engine struct {
	model    whisperlib.Model
	language string
	threads  uint
}

// NewFactory loads modelPath every time the decoder (re)initializes.
func NewFactory(modelPath string, threads int) stt.EngineFactory {
	return func(language string) (stt.Engine, error) {
		return New(modelPath, language, threads)
	}
}

func New(modelPath, language string, threads int) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	if language == "" {
		language = "auto"
	}
	if threads <= 0 {
		threads = 1
	}
	if language != "auto" && !model.IsMultilingual() {
		language = "en"
	}
	return &Engine{model: model, language: language, threads: uint(threads)}, nil
}

// Recognize expects samples at whisperlib.SampleRate (16 kHz).
func (e *Engine) Recognize(ctx context.Context, samples []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(e.language); err != nil {
		return "", fmt.Errorf("whisper: set language %q: %w", e.language, err)
	}
	wctx.SetThreads(e.threads)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (e *Engine) Close() error {
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}
