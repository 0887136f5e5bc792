package endpoint

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/grammar"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type scriptedDecoder struct {
	text  func(call, samples int) string
	calls []int
}

func (d *scriptedDecoder) Decode(_ context.Context, samples []float32, _ *grammar.Set) string {
	d.calls = append(d.calls, len(samples))
	if d.text == nil {
		return ""
	}
	return d.text(len(d.calls)-1, len(samples))
}

func fixedText(text string) func(int, int) string {
	return func(int, int) string { return text }
}

type harness struct {
	clock   *fakeClock
	frames  *Queue[[]int16]
	results *Queue[string]
	decoder *scriptedDecoder
	sched   *Scheduler
}

func newHarness(t *testing.T, opts Options, text func(int, int) string) *harness {
	t.Helper()
	h := &harness{
		clock:   &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		frames:  NewQueue[[]int16](),
		results: NewQueue[string](),
		decoder: &scriptedDecoder{text: text},
	}
	thresholds := config.NewTunables(config.STTConfig{SpeechThreshold: 0.015})
	h.sched = New(Params{
		Options:   opts,
		Frames:    h.frames,
		Decoder:   h.decoder,
		Emitter:   NewEmitter(h.results, newLogger()),
		Threshold: thresholds.Threshold,
		Clock:     h.clock.Now,
		Logger:    newLogger(),
	})
	return h
}

// step enqueues frames, runs one tick and advances the clock by the
// returned wait, as Run would.
func (h *harness) step(frames ...[]int16) time.Duration {
	for _, f := range frames {
		h.frames.Enqueue(f)
	}
	wait := h.sched.Tick(context.Background())
	h.clock.Advance(wait)
	return wait
}

func frame(n int, amplitude float64) []int16 {
	v := int16(amplitude * 32767)
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = v
		} else {
			out[i] = -v
		}
	}
	return out
}

func loud(n int) []int16  { return frame(n, 0.5) }
func quiet(n int) []int16 { return frame(n, 0.001) }

func partialMsg(t *testing.T, text string) string {
	t.Helper()
	msg, err := protocol.EncodePartial(text)
	if err != nil {
		t.Fatalf("encode partial: %v", err)
	}
	return msg
}

func finalMsg(t *testing.T, text string) string {
	t.Helper()
	msg, err := protocol.EncodeFinal(text)
	if err != nil {
		t.Fatalf("encode final: %v", err)
	}
	return msg
}

func TestLoudThenQuietProducesOneFinal(t *testing.T) {
	h := newHarness(t, DefaultOptions(), fixedText("hello world"))

	for i := 0; i < 20; i++ {
		h.step(loud(240))
	}
	flushedAt := -1
	for elapsed, i := time.Duration(0), 0; elapsed < 400*time.Millisecond; i++ {
		wait := h.step(quiet(240))
		if wait == DefaultOptions().Cooldown && flushedAt < 0 {
			flushedAt = i
		}
		elapsed += wait
	}
	if flushedAt < 0 {
		t.Fatalf("expected a flush within 400ms of silence")
	}

	got := h.results.DrainAll()
	want := []string{
		partialMsg(t, "hello world"),
		finalMsg(t, "hello world"),
		protocol.EndOfUtterance,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected results:\n got %q\nwant %q", got, want)
	}
	if h.sched.State() != StateIdle || h.sched.Buffered() != 0 {
		t.Fatalf("expected idle empty scheduler, got %s with %d samples", h.sched.State(), h.sched.Buffered())
	}
}

func TestNoOutputAfterFlushUntilLoudInput(t *testing.T) {
	h := newHarness(t, DefaultOptions(), fixedText("ok"))
	h.step(loud(240))
	for i := 0; i < 30; i++ {
		h.step(quiet(240))
	}
	h.results.DrainAll()
	calls := len(h.decoder.calls)

	for i := 0; i < 50; i++ {
		h.step(quiet(2000))
	}
	if n := h.results.Len(); n != 0 {
		t.Fatalf("expected no results during silence, got %d", n)
	}
	if len(h.decoder.calls) != calls {
		t.Fatalf("expected no decodes during silence, got %d", len(h.decoder.calls)-calls)
	}

	h.step(loud(240))
	if h.sched.Buffered() != 240 {
		t.Fatalf("expected new utterance of 240 samples, got %d", h.sched.Buffered())
	}
}

func TestQuietFramesIgnoredBeforeSpeech(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.step(quiet(240), quiet(240))
	if h.sched.Buffered() != 0 || h.sched.State() != StateIdle {
		t.Fatalf("expected idle scheduler, got %s with %d samples", h.sched.State(), h.sched.Buffered())
	}

	h.step(loud(240), quiet(240))
	if h.sched.Buffered() != 480 {
		t.Fatalf("expected trailing quiet frame retained, got %d samples", h.sched.Buffered())
	}
	if h.sched.State() != StateAccumulating {
		t.Fatalf("expected accumulating, got %s", h.sched.State())
	}
}

func TestSilenceBoundary(t *testing.T) {
	opts := DefaultOptions()
	opts.Partials = false
	h := newHarness(t, opts, fixedText("yes"))

	start := h.clock.Now()
	h.frames.Enqueue(loud(240))
	h.sched.Tick(context.Background())

	h.clock.t = start.Add(350 * time.Millisecond)
	if wait := h.sched.Tick(context.Background()); wait != opts.Tick {
		t.Fatalf("expected no flush at exactly 350ms, got wait %v", wait)
	}
	if h.results.Len() != 0 {
		t.Fatalf("unexpected results before silence elapsed")
	}

	h.clock.t = start.Add(351 * time.Millisecond)
	if wait := h.sched.Tick(context.Background()); wait != opts.Cooldown {
		t.Fatalf("expected flush after 350ms, got wait %v", wait)
	}
	got := h.results.DrainAll()
	want := []string{finalMsg(t, "yes"), protocol.EndOfUtterance}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected results:\n got %q\nwant %q", got, want)
	}
}

func TestLoudFrameRestartsSilenceTimer(t *testing.T) {
	opts := DefaultOptions()
	opts.Partials = false
	h := newHarness(t, opts, fixedText("x"))

	start := h.clock.Now()
	h.frames.Enqueue(loud(240))
	h.sched.Tick(context.Background())

	h.clock.t = start.Add(300 * time.Millisecond)
	h.frames.Enqueue(loud(240))
	h.sched.Tick(context.Background())

	h.clock.t = start.Add(600 * time.Millisecond)
	h.sched.Tick(context.Background())
	if h.results.Len() != 0 {
		t.Fatalf("expected silence timer restarted by loud frame")
	}

	h.clock.t = start.Add(651 * time.Millisecond)
	h.sched.Tick(context.Background())
	if h.results.Len() != 2 {
		t.Fatalf("expected final and end marker, got %d results", h.results.Len())
	}
}

func TestFlushAtLengthCapOnSameTick(t *testing.T) {
	h := newHarness(t, DefaultOptions(), fixedText("long"))

	for i := 0; i < 99; i++ {
		h.frames.Enqueue(loud(1600))
	}
	if wait := h.step(); wait != DefaultOptions().Tick {
		t.Fatalf("expected no flush below cap, got wait %v", wait)
	}
	if h.sched.Buffered() != 158400 {
		t.Fatalf("expected 158400 samples, got %d", h.sched.Buffered())
	}

	if wait := h.step(loud(1600), loud(1600)); wait != DefaultOptions().Cooldown {
		t.Fatalf("expected flush on reaching cap, got wait %v", wait)
	}
	if got := h.decoder.calls; len(got) != 1 || got[0] != 160000 {
		t.Fatalf("expected one final decode of 160000 samples, got %v", got)
	}
	if h.frames.Len() != 1 {
		t.Fatalf("expected frame past the cap left queued, got %d", h.frames.Len())
	}
	got := h.results.DrainAll()
	want := []string{finalMsg(t, "long"), protocol.EndOfUtterance}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected results:\n got %q\nwant %q", got, want)
	}
}

func TestCapOvershootBoundedByOneFrame(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxSamples = 1000
	opts.Partials = false
	h := newHarness(t, opts, nil)

	h.step(loud(600), loud(600), loud(600))
	if got := h.decoder.calls; len(got) != 1 || got[0] != 1200 {
		t.Fatalf("expected final decode of 1200 samples, got %v", got)
	}
	if h.frames.Len() != 1 {
		t.Fatalf("expected one frame left queued, got %d", h.frames.Len())
	}

	h.step()
	if h.frames.Len() != 0 || h.sched.Buffered() != 600 {
		t.Fatalf("expected leftover frame to start the next utterance, got %d queued and %d buffered",
			h.frames.Len(), h.sched.Buffered())
	}
}

func TestEmptyFinalStillEndsUtterance(t *testing.T) {
	opts := DefaultOptions()
	opts.Partials = false
	h := newHarness(t, opts, fixedText(""))
	h.step(loud(240))
	for i := 0; i < 30; i++ {
		h.step()
	}
	got := h.results.DrainAll()
	if !reflect.DeepEqual(got, []string{protocol.EndOfUtterance}) {
		t.Fatalf("expected only end marker, got %q", got)
	}
}

func TestPartialsDeduplicatedAndRateLimited(t *testing.T) {
	script := []string{"", "a", "a", "b", "b", "b"}
	h := newHarness(t, DefaultOptions(), func(call, _ int) string {
		if call < len(script) {
			return script[call]
		}
		return "b"
	})

	// 60 ticks of 15ms cover 885ms; partials are allowed once more than
	// 120ms passed since the last attempt.
	for i := 0; i < 60; i++ {
		h.step(loud(1700))
	}
	if n := len(h.decoder.calls); n != 6 {
		t.Fatalf("expected 6 partial decodes, got %d", n)
	}
	got := h.results.DrainAll()
	want := []string{partialMsg(t, "a"), partialMsg(t, "b")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected partials:\n got %q\nwant %q", got, want)
	}
}

func TestPartialNeedsDrainedFramesAndEnoughSamples(t *testing.T) {
	h := newHarness(t, DefaultOptions(), fixedText("p"))

	// The partial timer has long expired; only the other conditions gate.
	h.clock.Advance(200 * time.Millisecond)
	h.step(loud(1600))
	if len(h.decoder.calls) != 0 {
		t.Fatalf("expected no partial at exactly 1600 samples")
	}

	h.step()
	if len(h.decoder.calls) != 0 {
		t.Fatalf("expected no partial without drained frames")
	}

	h.step(loud(240))
	if len(h.decoder.calls) != 1 {
		t.Fatalf("expected one partial decode, got %d", len(h.decoder.calls))
	}
}

func TestPartialOnFirstTickAfterIdle(t *testing.T) {
	h := newHarness(t, DefaultOptions(), fixedText("p"))

	for i := 0; i < 67; i++ {
		h.step()
	}
	h.step(loud(1700))
	if len(h.decoder.calls) != 1 {
		t.Fatalf("expected a partial decode on the first loud tick, got %d", len(h.decoder.calls))
	}
	if got := h.results.DrainAll(); !reflect.DeepEqual(got, []string{partialMsg(t, "p")}) {
		t.Fatalf("unexpected results %q", got)
	}
}

func TestPartialOnFirstTickAfterFlush(t *testing.T) {
	h := newHarness(t, DefaultOptions(), fixedText("p"))

	h.step(loud(240))
	for i := 0; i < 100 && h.step() != DefaultOptions().Cooldown; i++ {
	}
	h.results.DrainAll()
	calls := len(h.decoder.calls)

	// The cooldown plus two idle ticks put the timer past 120ms.
	h.step()
	h.step()
	h.step(loud(1700))
	if len(h.decoder.calls) != calls+1 {
		t.Fatalf("expected a partial decode on the first loud tick, got %d", len(h.decoder.calls)-calls)
	}
	if got := h.results.DrainAll(); !reflect.DeepEqual(got, []string{partialMsg(t, "p")}) {
		t.Fatalf("unexpected results %q", got)
	}
}

func TestPartialsDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.Partials = false
	h := newHarness(t, opts, fixedText("p"))
	for i := 0; i < 20; i++ {
		h.step(loud(1700))
	}
	if len(h.decoder.calls) != 0 || h.results.Len() != 0 {
		t.Fatalf("expected no partial activity, got %d decodes", len(h.decoder.calls))
	}
}

func TestUtteranceAfterFlushMatchesFirst(t *testing.T) {
	text := fixedText("same")

	// utterance feeds 12 loud frames and ticks until the flush.
	utterance := func(h *harness) []string {
		for i := 0; i < 12; i++ {
			h.step(loud(240))
		}
		for i := 0; i < 100; i++ {
			if h.step() == DefaultOptions().Cooldown {
				break
			}
		}
		return h.results.DrainAll()
	}

	h := newHarness(t, DefaultOptions(), text)
	first := utterance(h)
	if len(first) != 3 {
		t.Fatalf("expected partial, final and end marker, got %q", first)
	}
	h.clock.Advance(2 * time.Second)
	second := utterance(h)

	// A fresh scheduler idles for as long as h did after its flush, so both
	// partial timers have the same age when speech begins.
	fresh := newHarness(t, DefaultOptions(), text)
	fresh.clock.Advance(DefaultOptions().Cooldown + 2*time.Second)
	want := utterance(fresh)

	if !reflect.DeepEqual(second, want) {
		t.Fatalf("utterance after flush differs from first-ever:\n got %q\nwant %q", second, want)
	}
	if len(second) == 0 || second[0] != partialMsg(t, "same") {
		t.Fatalf("expected the repeated partial to be emitted again, got %q", second)
	}
}

func TestThresholdChangeAppliesNextTick(t *testing.T) {
	opts := DefaultOptions()
	var threshold atomic.Value
	threshold.Store(float32(0.2))
	frames := NewQueue[[]int16]()
	results := NewQueue[string]()
	sched := New(Params{
		Options:   opts,
		Frames:    frames,
		Decoder:   &scriptedDecoder{},
		Emitter:   NewEmitter(results, newLogger()),
		Threshold: func() float32 { return threshold.Load().(float32) },
		Logger:    newLogger(),
	})

	frames.Enqueue(frame(240, 0.1))
	sched.Tick(context.Background())
	if sched.Buffered() != 0 {
		t.Fatalf("expected frame below threshold to be dropped")
	}

	threshold.Store(float32(0.05))
	frames.Enqueue(frame(240, 0.1))
	sched.Tick(context.Background())
	if sched.Buffered() != 240 {
		t.Fatalf("expected frame above new threshold to start an utterance, got %d", sched.Buffered())
	}
}

func TestRunStopsWhenNotRunning(t *testing.T) {
	opts := DefaultOptions()
	opts.Tick = time.Millisecond
	h := newHarness(t, opts, nil)

	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- h.sched.Run(context.Background(), func() bool { return ticks.Add(1) <= 3 })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx, func() bool { return true }) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}
}

type panicDecoder struct{}

func (panicDecoder) Decode(context.Context, []float32, *grammar.Set) string {
	panic("engine exploded")
}

func TestRunReturnsErrorOnPanic(t *testing.T) {
	opts := DefaultOptions()
	opts.Tick = time.Millisecond
	opts.Silence = time.Millisecond
	opts.Partials = false
	frames := NewQueue[[]int16]()
	frames.Enqueue(loud(240))
	results := NewQueue[string]()
	sched := New(Params{
		Options: opts,
		Frames:  frames,
		Decoder: panicDecoder{},
		Emitter: NewEmitter(results, newLogger()),
		Logger:  newLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background(), func() bool { return true }) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error from panicking decode")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after panic")
	}
	if results.Len() != 0 {
		t.Fatalf("expected no results after failure, got %d", results.Len())
	}
}

func TestOptionsFromDefaultConfig(t *testing.T) {
	got := OptionsFromConfig(config.Default().STT)
	if got != DefaultOptions() {
		t.Fatalf("expected defaults, got %+v", got)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{StateIdle: "idle", StateAccumulating: "accumulating", StateFlushing: "flushing", State(9): "unknown"}
	for state, want := range cases {
		if state.String() != want {
			t.Fatalf("expected %q, got %q", want, state.String())
		}
	}
}
