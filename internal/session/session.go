// Package session runs recognition sessions: one frame queue and one
// endpointing loop per session, all sharing a single decoder.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/endpoint"
	"github.com/loqalabs/loqa-voice/internal/grammar"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Decoder is the shared decode adapter. Init may be called once per
// session start; it must be idempotent.
type Decoder interface {
	endpoint.Decoder
	Init() error
}

// Params configures a Session. Decoder is required.
type Params struct {
	Options   endpoint.Options
	Decoder   Decoder
	Grammar   *grammar.Slot
	Threshold func() float32
	// Sink receives encoded results. When nil the session keeps them in
	// its own queue, available from Results.
	Sink ResultSink
	// Observe is called on the loop goroutine after each result.
	Observe func(kind protocol.ResultKind, text string)
	Clock   func() time.Time
	Logger  *slog.Logger
}

type ResultSink = endpoint.ResultSink

// Session is a single recording: Start launches the loop, frames are
// pushed from any goroutine and Stop ends the loop.
type Session struct {
	id      string
	params  Params
	frames  *endpoint.Queue[[]int16]
	results *endpoint.Queue[string]
	log     *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

func New(id string, p Params) *Session {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	s := &Session{
		id:     id,
		params: p,
		frames: endpoint.NewQueue[[]int16](),
		log:    p.Logger.With(slog.String("session", id)),
	}
	if p.Sink == nil {
		s.results = endpoint.NewQueue[string]()
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Start initializes the decoder and launches the loop. Starting a running
// session does nothing. An engine that fails to initialize does not stop
// the session; its utterances decode to nothing.
func (s *Session) Start(ctx context.Context) error {
	if s.params.Decoder == nil {
		return errors.New("session decoder is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return nil
	}
	if s.done != nil {
		<-s.done
	}

	if err := s.params.Decoder.Init(); err != nil {
		s.log.Warn("decoder unavailable, session will produce no text", slogError(err))
	}

	var sink ResultSink = s.results
	if s.params.Sink != nil {
		sink = s.params.Sink
	}
	emitter := endpoint.NewEmitter(sink, s.log)
	if s.params.Observe != nil {
		emitter.Observe(s.params.Observe)
	}
	sched := endpoint.New(endpoint.Params{
		Options:   s.params.Options,
		Frames:    s.frames,
		Decoder:   s.params.Decoder,
		Emitter:   emitter,
		Grammar:   s.params.Grammar,
		Threshold: s.params.Threshold,
		Clock:     s.params.Clock,
		Logger:    s.log,
	})

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.setErr(nil)
	s.running.Store(true)

	go func() {
		defer close(done)
		defer cancel()
		err := sched.Run(loopCtx, s.running.Load)
		s.running.Store(false)
		if err != nil {
			s.setErr(err)
		}
	}()
	s.log.Info("recognition session started")
	return nil
}

// Stop clears the running flag and waits for the loop to exit. It
// returns the error that ended the loop, if any.
func (s *Session) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	s.running.Store(false)
	cancel()
	<-done

	s.log.Info("recognition session stopped")
	return s.Err()
}

// Running reports whether the loop is live.
func (s *Session) Running() bool {
	return s.running.Load()
}

// Err returns the error that terminated the last loop.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// PushFrame queues one PCM16 frame for the loop.
func (s *Session) PushFrame(frame []int16) {
	s.frames.Enqueue(frame)
}

// Pending reports frames not yet drained by the loop.
func (s *Session) Pending() int {
	return s.frames.Len()
}

// Results is nil when the session was given an external sink.
func (s *Session) Results() *endpoint.Queue[string] {
	return s.results
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
