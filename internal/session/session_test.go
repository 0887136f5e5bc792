package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/endpoint"
	"github.com/loqalabs/loqa-voice/internal/grammar"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubDecoder struct {
	mu      sync.Mutex
	inits   int
	reloads int
	initErr error
	text    string
	panics  bool
}

func (d *stubDecoder) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits++
	return d.initErr
}

func (d *stubDecoder) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reloads++
	return nil
}

func (d *stubDecoder) Decode(context.Context, []float32, *grammar.Set) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panics {
		panic("decoder failure")
	}
	if d.initErr != nil {
		return ""
	}
	return d.text
}

func (d *stubDecoder) initCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inits
}

func fastOptions() endpoint.Options {
	opts := endpoint.DefaultOptions()
	opts.Tick = time.Millisecond
	opts.Cooldown = time.Millisecond
	opts.Silence = 30 * time.Millisecond
	opts.Partials = false
	return opts
}

func loudFrame(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = 16000
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionProducesFinalAndEndMarker(t *testing.T) {
	dec := &stubDecoder{text: "lights on"}
	s := New("s1", Params{Options: fastOptions(), Decoder: dec, Logger: newLogger()})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if dec.initCount() != 1 {
		t.Fatalf("expected one init for a running session, got %d", dec.initCount())
	}
	if !s.Running() {
		t.Fatalf("expected running session")
	}

	s.PushFrame(loudFrame(3200))
	waitFor(t, "end of utterance", func() bool { return s.Results().Len() >= 2 })

	final, _ := protocol.EncodeFinal("lights on")
	got := s.Results().DrainAll()
	if got[0] != final || got[1] != protocol.EndOfUtterance {
		t.Fatalf("unexpected results %q", got)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Running() {
		t.Fatalf("expected stopped session")
	}
}

func TestSessionObserveAndExternalSink(t *testing.T) {
	dec := &stubDecoder{text: "hello"}
	sink := endpoint.NewQueue[string]()
	var mu sync.Mutex
	var kinds []protocol.ResultKind
	s := New("s2", Params{
		Options: fastOptions(),
		Decoder: dec,
		Sink:    sink,
		Observe: func(kind protocol.ResultKind, _ string) {
			mu.Lock()
			kinds = append(kinds, kind)
			mu.Unlock()
		},
		Logger: newLogger(),
	})
	if s.Results() != nil {
		t.Fatalf("expected no internal results queue with an external sink")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	s.PushFrame(loudFrame(3200))
	waitFor(t, "results in sink", func() bool { return sink.Len() >= 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != protocol.ResultFinal || kinds[1] != protocol.ResultEndOfUtterance {
		t.Fatalf("unexpected observed kinds %v", kinds)
	}
}

func TestSessionInitFailureKeepsRunning(t *testing.T) {
	dec := &stubDecoder{initErr: errors.New("no model")}
	s := New("s3", Params{Options: fastOptions(), Decoder: dec, Logger: newLogger()})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start should not fail on engine init: %v", err)
	}
	s.PushFrame(loudFrame(3200))
	waitFor(t, "end of utterance", func() bool { return s.Results().Len() >= 1 })

	got := s.Results().DrainAll()
	if len(got) != 1 || got[0] != protocol.EndOfUtterance {
		t.Fatalf("expected only end marker, got %q", got)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSessionRestart(t *testing.T) {
	dec := &stubDecoder{}
	s := New("s4", Params{Options: fastOptions(), Decoder: dec, Logger: newLogger()})
	for i := 0; i < 2; i++ {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if err := s.Stop(); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	if dec.initCount() != 2 {
		t.Fatalf("expected init per start, got %d", dec.initCount())
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop of stopped session: %v", err)
	}
}

func TestSessionLoopFailureStopsSession(t *testing.T) {
	dec := &stubDecoder{panics: true}
	s := New("s5", Params{Options: fastOptions(), Decoder: dec, Logger: newLogger()})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.PushFrame(loudFrame(3200))
	waitFor(t, "loop to stop", func() bool { return !s.Running() })

	if s.Err() == nil {
		t.Fatalf("expected loop error")
	}
	if err := s.Stop(); err == nil {
		t.Fatalf("expected stop to report loop error")
	}
	if s.Results().Len() != 0 {
		t.Fatalf("expected no results after failure")
	}
}

func TestSessionRequiresDecoder(t *testing.T) {
	s := New("s6", Params{Options: fastOptions(), Logger: newLogger()})
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error without decoder")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop of never-started session: %v", err)
	}
}
