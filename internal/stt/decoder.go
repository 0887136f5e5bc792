package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/grammar"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrDecoderClosed is returned by Init after Close.
var ErrDecoderClosed = errors.New("stt decoder closed")

// Decoder owns the engine and guarantees at most one initialization,
// decode or teardown in flight. A missing engine degrades every decode
// to an empty result instead of failing the caller.
type Decoder struct {
	factory  EngineFactory
	language func() string
	timeout  time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	engine  Engine
	initErr error
	closed  bool

	duration metric.Float64Histogram
	failures metric.Int64Counter
}

type DecoderOption func(*Decoder)

// WithLanguage supplies the hint passed to the factory at initialization.
func WithLanguage(language func() string) DecoderOption {
	return func(d *Decoder) {
		if language != nil {
			d.language = language
		}
	}
}

// WithDecodeTimeout bounds a single engine call.
func WithDecodeTimeout(timeout time.Duration) DecoderOption {
	return func(d *Decoder) { d.timeout = timeout }
}

func NewDecoder(factory EngineFactory, logger *slog.Logger, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		factory:  factory,
		language: func() string { return "auto" },
		log:      logger.With(slog.String("component", "stt-decoder")),
		duration: noop.Float64Histogram{},
		failures: noop.Int64Counter{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.initMetrics(); err != nil {
		d.log.Warn("failed to initialize metrics", slogError(err))
	}
	return d
}

// Init creates the engine if nobody has yet. A failure is recorded and
// returned again on later calls without retrying.
func (d *Decoder) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureLocked()
}

func (d *Decoder) ensureLocked() error {
	if d.closed {
		return ErrDecoderClosed
	}
	if d.engine != nil {
		return nil
	}
	if d.initErr != nil {
		return d.initErr
	}
	if d.factory == nil {
		d.initErr = fmt.Errorf("%w: no engine factory", ErrEngineUnavailable)
		return d.initErr
	}

	language := d.language()
	engine, err := d.factory(language)
	if err == nil && engine == nil {
		err = errors.New("factory returned nil engine")
	}
	if err != nil {
		d.initErr = fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		d.log.Error("stt engine init failed", slogError(err))
		return d.initErr
	}
	d.engine = engine
	d.log.Info("stt engine ready", slog.String("language", language))
	return nil
}

// Decode runs the engine on samples and returns the post-filtered text.
// Any failure yields "".
func (d *Decoder) Decode(ctx context.Context, samples []float32, set *grammar.Set) string {
	if len(samples) == 0 {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureLocked(); err != nil {
		return ""
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := d.engine.Recognize(ctx, samples)
	d.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		d.failures.Add(ctx, 1)
		d.log.Warn("stt decode failed", slog.Int("samples", len(samples)), slogError(err))
		return ""
	}
	return grammar.Filter(raw, set)
}

// Ready reports whether an engine is live.
func (d *Decoder) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine != nil
}

// Reload drops the engine and any recorded failure so the next call
// initializes again, picking up a new language hint.
func (d *Decoder) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDecoderClosed
	}
	d.initErr = nil
	return d.releaseLocked()
}

// Close releases the engine. Later decodes return "". Safe to call repeatedly.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.releaseLocked()
}

func (d *Decoder) releaseLocked() error {
	if d.engine == nil {
		return nil
	}
	err := d.engine.Close()
	d.engine = nil
	if err != nil {
		return fmt.Errorf("close stt engine: %w", err)
	}
	return nil
}

func (d *Decoder) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/stt")
	duration, err := meter.Float64Histogram("loqa.stt.decode.duration",
		metric.WithDescription("Engine decode latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	failures, err := meter.Int64Counter("loqa.stt.decode.errors", metric.WithDescription("Failed engine decodes"))
	if err != nil {
		return err
	}
	d.duration = duration
	d.failures = failures
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
