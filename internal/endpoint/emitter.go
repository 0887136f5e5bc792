package endpoint

import (
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// ResultSink receives encoded result messages in emission order.
type ResultSink interface {
	Enqueue(msg string)
}

// Emitter encodes results into the host wire format.
type Emitter struct {
	sink    ResultSink
	log     *slog.Logger
	observe func(kind protocol.ResultKind, text string)
}

func NewEmitter(sink ResultSink, logger *slog.Logger) *Emitter {
	return &Emitter{sink: sink, log: logger}
}

// Observe registers fn to be called after each message is enqueued.
func (e *Emitter) Observe(fn func(kind protocol.ResultKind, text string)) {
	e.observe = fn
}

func (e *Emitter) Partial(text string) {
	msg, err := protocol.EncodePartial(text)
	if err != nil {
		e.log.Warn("failed to encode partial", slogError(err))
		return
	}
	e.send(protocol.ResultPartial, text, msg)
}

func (e *Emitter) Final(text string) {
	msg, err := protocol.EncodeFinal(text)
	if err != nil {
		e.log.Warn("failed to encode final", slogError(err))
		return
	}
	e.send(protocol.ResultFinal, text, msg)
}

func (e *Emitter) EndOfUtterance() {
	e.send(protocol.ResultEndOfUtterance, "", protocol.EndOfUtterance)
}

func (e *Emitter) send(kind protocol.ResultKind, text, msg string) {
	e.sink.Enqueue(msg)
	if e.observe != nil {
		e.observe(kind, text)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
