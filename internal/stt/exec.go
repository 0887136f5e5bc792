package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cmd       []string
	modelPath string
	language  string
}

type execResult struct {
	Text string `json:"text"`
}

// NewExecFactory returns engines that run command once per decode. The
// command receives --audio <wav> [--model <path>] --language <hint> and
// must print {"text": "..."} on stdout.
func NewExecFactory(command, modelPath string) (EngineFactory, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return func(language string) (Engine, error) {
		if _, err := exec.LookPath(args[0]); err != nil {
			return nil, fmt.Errorf("stt command %q: %w", args[0], err)
		}
		return &execEngine{cmd: args, modelPath: modelPath, language: language}, nil
	}, nil
}

func (e *execEngine) Recognize(ctx context.Context, samples []float32) (string, error) {
	file, err := os.CreateTemp("", "loqa_voice_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, samples, audio.SampleRate); err != nil {
		return "", err
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if e.modelPath != "" {
		args = append(args, "--model", e.modelPath)
	}
	if e.language != "" {
		args = append(args, "--language", e.language)
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	return resp.Text, nil
}

func (e *execEngine) Close() error { return nil }
