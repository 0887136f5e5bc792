// Package endpoint decides when speech starts and ends and drives the
// decoder accordingly. A Scheduler owns one utterance buffer and is
// advanced by a single goroutine, either through Run or by calling Tick.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/grammar"
)

const instrumentationName = "github.com/loqalabs/loqa-voice/endpoint"

// FrameSource yields PCM frames without blocking.
type FrameSource interface {
	TryDequeue() ([]int16, bool)
}

// Decoder turns an utterance into filtered text. An empty string means
// nothing usable was recognized.
type Decoder interface {
	Decode(ctx context.Context, samples []float32, set *grammar.Set) string
}

// Options holds the endpointing timings and limits.
type Options struct {
	Tick              time.Duration
	Cooldown          time.Duration
	Silence           time.Duration
	PartialEvery      time.Duration
	MinPartialSamples int
	MaxSamples        int
	Partials          bool
}

func DefaultOptions() Options {
	return Options{
		Tick:              15 * time.Millisecond,
		Cooldown:          100 * time.Millisecond,
		Silence:           350 * time.Millisecond,
		PartialEvery:      120 * time.Millisecond,
		MinPartialSamples: 1600,
		MaxSamples:        160000,
		Partials:          true,
	}
}

// OptionsFromConfig maps the stt section onto Options, keeping defaults
// for unset values.
func OptionsFromConfig(cfg config.STTConfig) Options {
	opts := DefaultOptions()
	if cfg.TickMS > 0 {
		opts.Tick = time.Duration(cfg.TickMS) * time.Millisecond
	}
	if cfg.CooldownMS >= 0 {
		opts.Cooldown = time.Duration(cfg.CooldownMS) * time.Millisecond
	}
	if cfg.SilenceMS > 0 {
		opts.Silence = time.Duration(cfg.SilenceMS) * time.Millisecond
	}
	if cfg.PartialEveryMS > 0 {
		opts.PartialEvery = time.Duration(cfg.PartialEveryMS) * time.Millisecond
	}
	if cfg.MinPartialSamples > 0 {
		opts.MinPartialSamples = cfg.MinPartialSamples
	}
	if cfg.MaxUtteranceSamples > 0 {
		opts.MaxSamples = cfg.MaxUtteranceSamples
	}
	opts.Partials = cfg.PublishPartials
	return opts
}

// State is where the scheduler is in the utterance cycle.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Params wires a Scheduler. Frames, Decoder and Emitter are required.
type Params struct {
	Options   Options
	Frames    FrameSource
	Decoder   Decoder
	Emitter   *Emitter
	Grammar   *grammar.Slot
	Threshold func() float32
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Scheduler segments queued frames into utterances. Each tick drains the
// queue until it is empty or the utterance reaches MaxSamples; frames left
// behind at the cap start the next utterance after the cooldown, so an
// utterance never exceeds the cap by more than one frame.
//
// Scheduler is not safe for concurrent use; everything except
// construction happens on the loop goroutine.
type Scheduler struct {
	opts      Options
	frames    FrameSource
	decoder   Decoder
	emit      *Emitter
	grammar   *grammar.Slot
	threshold func() float32
	now       func() time.Time
	log       *slog.Logger
	tracer    trace.Tracer

	frameCount metric.Int64Counter
	utterances metric.Int64Counter
	partials   metric.Int64Counter

	buf          *audio.Utterance
	state        State
	lastVoice    time.Time
	lastPartial  time.Time
	partialText  string
	utteranceIdx int
}

func New(p Params) *Scheduler {
	if p.Threshold == nil {
		p.Threshold = func() float32 { return 0.015 }
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Grammar == nil {
		p.Grammar = &grammar.Slot{}
	}
	s := &Scheduler{
		opts:      p.Options,
		frames:    p.Frames,
		decoder:   p.Decoder,
		emit:      p.Emitter,
		grammar:   p.Grammar,
		threshold: p.Threshold,
		now:       p.Clock,
		log:       p.Logger.With(slog.String("component", "endpoint")),
		tracer:    otel.Tracer(instrumentationName),
		buf:       audio.NewUtterance(p.Options.MaxSamples),

		frameCount: noop.Int64Counter{},
		utterances: noop.Int64Counter{},
		partials:   noop.Int64Counter{},
	}
	s.lastPartial = s.now()
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Scheduler) State() State { return s.state }

// Buffered reports the samples held for the current utterance.
func (s *Scheduler) Buffered() int { return s.buf.Len() }

// Run ticks until running reports false or ctx is done. A panic inside a
// tick stops the loop and is returned as an error; no further results
// are produced after that.
func (s *Scheduler) Run(ctx context.Context, running func() bool) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for running() {
		wait, err := s.safeTick(ctx)
		if err != nil {
			s.log.Error("recognition loop stopped", slogError(err))
			return err
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
	return nil
}

func (s *Scheduler) safeTick(ctx context.Context) (wait time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("endpoint tick panic: %v", r)
		}
	}()
	return s.Tick(ctx), nil
}

// Tick runs one scheduling step and returns how long the caller should
// sleep before the next one.
func (s *Scheduler) Tick(ctx context.Context) time.Duration {
	now := s.now()
	threshold := s.threshold()

	drained, voiced := false, false
	for !s.buf.Full() {
		frame, ok := s.frames.TryDequeue()
		if !ok {
			break
		}
		drained = true
		samples, loud := audio.Gate(frame, threshold)
		s.frameCount.Add(ctx, 1)
		if loud {
			voiced = true
		}
		// Quiet frames only count once an utterance has started.
		if loud || !s.buf.Empty() {
			s.buf.Append(samples)
		}
	}
	if voiced {
		s.lastVoice = now
	}
	if s.buf.Empty() {
		s.state = StateIdle
		return s.opts.Tick
	}
	s.state = StateAccumulating

	if drained && s.opts.Partials &&
		now.Sub(s.lastPartial) > s.opts.PartialEvery &&
		s.buf.Len() > s.opts.MinPartialSamples {
		s.partial(ctx)
	}

	var trigger string
	switch {
	case s.buf.Full():
		trigger = "cap"
	case now.Sub(s.lastVoice) > s.opts.Silence:
		trigger = "silence"
	default:
		return s.opts.Tick
	}
	s.flush(ctx, trigger)
	return s.opts.Cooldown
}

func (s *Scheduler) partial(ctx context.Context) {
	text := s.decoder.Decode(ctx, s.buf.Snapshot(), s.grammar.Load())
	if text != "" && text != s.partialText {
		s.partialText = text
		s.emit.Partial(text)
		s.partials.Add(ctx, 1)
	}
	s.lastPartial = s.now()
}

func (s *Scheduler) flush(ctx context.Context, trigger string) {
	s.state = StateFlushing
	samples := s.buf.Snapshot()
	s.utteranceIdx++

	ctx, span := s.tracer.Start(ctx, "endpoint.flush", trace.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.Int("samples", len(samples)),
	))
	text := s.decoder.Decode(ctx, samples, s.grammar.Load())
	span.SetAttributes(attribute.Bool("recognized", text != ""))
	span.End()

	if text != "" {
		s.emit.Final(text)
	}
	s.emit.EndOfUtterance()
	s.utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	s.log.Debug("utterance flushed",
		slog.Int("utterance", s.utteranceIdx),
		slog.String("trigger", trigger),
		slog.Int("samples", len(samples)),
		slog.Bool("recognized", text != ""))

	s.buf.Clear()
	now := s.now()
	s.lastVoice = now
	s.lastPartial = now
	s.partialText = ""
	s.state = StateIdle
}

func (s *Scheduler) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	frames, err := meter.Int64Counter("loqa.stt.frames", metric.WithDescription("Audio frames drained by the endpointer"))
	if err != nil {
		return err
	}
	utterances, err := meter.Int64Counter("loqa.stt.utterances", metric.WithDescription("Utterances flushed to the decoder"))
	if err != nil {
		return err
	}
	partials, err := meter.Int64Counter("loqa.stt.partials", metric.WithDescription("Partial transcripts emitted"))
	if err != nil {
		return err
	}
	s.frameCount = frames
	s.utterances = utterances
	s.partials = partials
	return nil
}
