package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/endpoint"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/grammar"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// ReloadingDecoder is a Decoder that can drop its engine so the next
// decode picks up a new language hint.
type ReloadingDecoder interface {
	Decoder
	Reload() error
}

// Manager hosts the sessions fed over the bus. Frames on
// audio.frame.<id> create and start sessions on demand; results go back
// out on stt.result.<id>.
type Manager struct {
	cfg      config.STTConfig
	bus      *bus.Client
	store    *eventstore.Store
	decoder  ReloadingDecoder
	tunables *config.Tunables
	grammar  *grammar.Slot
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	subs     []*nats.Subscription
	ready    atomic.Bool
	gauges   metric.Registration
}

// NewManager wires a manager. store may be nil.
func NewManager(parent context.Context, cfg config.STTConfig, busClient *bus.Client, store *eventstore.Store,
	decoder ReloadingDecoder, tunables *config.Tunables, slot *grammar.Slot, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		cfg:      cfg,
		bus:      busClient,
		store:    store,
		decoder:  decoder,
		tunables: tunables,
		grammar:  slot,
		log:      log.With(slog.String("component", "stt-sessions")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Start() error {
	if !m.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectAudioFramePrefix + ".>", m.handleFrame},
		{protocol.SubjectGrammarSet, m.handleGrammar},
		{protocol.SubjectControlSet, m.handleControl},
		{protocol.SubjectSessionStart, m.handleSessionStart},
		{protocol.SubjectSessionStop, m.handleSessionStop},
	}
	for _, h := range handlers {
		sub, err := m.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			m.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		m.subs = append(m.subs, sub)
	}
	if err := m.bus.Conn().Flush(); err != nil {
		m.unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	m.ready.Store(true)
	m.log.Info("stt session manager ready", slog.String("language", m.tunables.Language()))
	return nil
}

// Close stops every session and waits for their loops.
func (m *Manager) Close() {
	m.ready.Store(false)
	m.unsubscribe()
	if m.gauges != nil {
		_ = m.gauges.Unregister()
		m.gauges = nil
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.stopSession(s)
	}
	m.cancel()
}

func (m *Manager) Healthy() bool {
	return !m.cfg.Enabled || m.ready.Load()
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/session")
	active, err := meter.Int64ObservableGauge("loqa.stt.sessions.active", metric.WithDescription("Sessions with a live endpointing loop"))
	if err != nil {
		return err
	}
	pending, err := meter.Int64ObservableGauge("loqa.stt.frames.pending", metric.WithDescription("Frames queued but not yet drained"))
	if err != nil {
		return err
	}
	m.gauges, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		running, queued := m.snapshotCounts()
		obs.ObserveInt64(active, running)
		obs.ObserveInt64(pending, queued)
		return nil
	}, active, pending)
	return err
}

func (m *Manager) snapshotCounts() (running, queued int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Running() {
			running++
		}
		queued += int64(s.Pending())
	}
	return running, queued
}

// Sessions lists the ids of running sessions.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.Running() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// StartSession starts id, creating it if needed. It is a no-op for a
// running session.
func (m *Manager) StartSession(id string) error {
	_, err := m.startSession(id)
	return err
}

// startSession returns the session it started, which replaces any handle
// a concurrent stop removed from the map.
func (m *Manager) startSession(id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id must not be empty")
	}
	s := m.session(id)
	if s.Running() {
		return s, nil
	}
	m.storeCall("start session", func(ctx context.Context) error {
		return m.store.StartSession(ctx, id, m.tunables.Language())
	})
	return s, s.Start(m.ctx)
}

// StopSession stops id and reports whether it existed.
func (m *Manager) StopSession(id string) bool {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if s == nil {
		return false
	}
	m.stopSession(s)
	return true
}

func (m *Manager) stopSession(s *Session) {
	if err := s.Stop(); err != nil {
		m.log.Warn("session loop ended with error", slog.String("session", s.ID()), slogError(err))
	}
	m.storeCall("stop session", func(ctx context.Context) error {
		return m.store.StopSession(ctx, s.ID())
	})
}

func (m *Manager) session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	tracker := &utteranceTracker{manager: m, sessionID: id}
	s := New(id, Params{
		Options:   endpoint.OptionsFromConfig(m.cfg),
		Decoder:   m.decoder,
		Grammar:   m.grammar,
		Threshold: m.tunables.Threshold,
		Sink:      &busSink{bus: m.bus, subject: protocol.ResultSubject(id), log: m.log},
		Observe:   tracker.observe,
		Logger:    m.log,
	})
	m.sessions[id] = s
	return s
}

func (m *Manager) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		m.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}
	if frame.SampleRate != 0 && frame.SampleRate != audio.SampleRate {
		m.log.Warn("dropping audio frame with unsupported sample rate",
			slog.String("session", frame.SessionID), slog.Int("sample_rate", frame.SampleRate))
		return
	}

	if frame.Final && len(frame.PCM) == 0 {
		m.StopSession(frame.SessionID)
		return
	}

	s := m.session(frame.SessionID)
	if !s.Running() {
		if err := s.Err(); err != nil {
			// A failed loop stays down until an explicit start.
			return
		}
		started, err := m.startSession(frame.SessionID)
		if err != nil {
			m.log.Warn("failed to start session", slog.String("session", frame.SessionID), slogError(err))
			return
		}
		s = started
	}

	if len(frame.PCM) > 0 {
		pcm := audio.PCM16FromBytes(frame.PCM)
		if frame.Channels > 1 {
			pcm = audio.Downmix(pcm, frame.Channels)
		}
		s.PushFrame(pcm)
	}
	if frame.Final {
		m.StopSession(frame.SessionID)
	}
}

func (m *Manager) handleGrammar(msg *nats.Msg) {
	var update protocol.GrammarUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		m.log.Warn("failed to decode grammar update", slogError(err))
		m.reply(msg, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	set := m.grammar.Store(update.Words)
	m.log.Info("grammar updated", slog.Int("words", set.Len()))
	m.reply(msg, map[string]any{"ok": true, "words": set.Len()})
}

func (m *Manager) handleControl(msg *nats.Msg) {
	var update protocol.ControlUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		m.log.Warn("failed to decode control update", slogError(err))
		m.reply(msg, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if update.SpeechThreshold != nil {
		m.tunables.SetThreshold(*update.SpeechThreshold)
	}
	if update.Language != nil && m.tunables.SetLanguage(*update.Language) {
		m.ApplyLanguage()
	}
	m.log.Info("stt tunables updated",
		slog.Float64("speech_threshold", float64(m.tunables.Threshold())),
		slog.String("language", m.tunables.Language()))
	m.reply(msg, map[string]any{
		"ok":               true,
		"speech_threshold": m.tunables.Threshold(),
		"language":         m.tunables.Language(),
	})
}

// ApplyLanguage reloads the engine after the language hint changed.
func (m *Manager) ApplyLanguage() {
	if err := m.decoder.Reload(); err != nil {
		m.log.Warn("failed to reload stt engine", slogError(err))
		return
	}
	if len(m.Sessions()) > 0 {
		if err := m.decoder.Init(); err != nil {
			m.log.Warn("stt engine unavailable after language change", slogError(err))
		}
	}
}

func (m *Manager) handleSessionStart(msg *nats.Msg) {
	var ctl protocol.SessionControl
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		m.log.Warn("failed to decode session start", slogError(err))
		m.reply(msg, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if err := m.StartSession(ctl.SessionID); err != nil {
		m.log.Warn("failed to start session", slog.String("session", ctl.SessionID), slogError(err))
		m.reply(msg, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	m.reply(msg, map[string]any{"ok": true, "session_id": ctl.SessionID, "running": true})
}

func (m *Manager) handleSessionStop(msg *nats.Msg) {
	var ctl protocol.SessionControl
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		m.log.Warn("failed to decode session stop", slogError(err))
		m.reply(msg, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	existed := m.StopSession(ctl.SessionID)
	m.reply(msg, map[string]any{"ok": existed, "session_id": ctl.SessionID, "running": false})
}

func (m *Manager) reply(msg *nats.Msg, body map[string]any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		m.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		m.log.Warn("failed to send reply", slogError(err))
	}
}

// storeCall runs fn against the event store when one is configured.
// Timeline failures are logged and never interrupt recognition.
func (m *Manager) storeCall(op string, fn func(ctx context.Context) error) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		m.log.Warn("event store "+op+" failed", slogError(err))
	}
}

func (m *Manager) unsubscribe() {
	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}
	m.subs = nil
}

// busSink publishes the raw result messages of one session.
type busSink struct {
	bus     *bus.Client
	subject string
	log     *slog.Logger
}

func (b *busSink) Enqueue(msg string) {
	if err := b.bus.Conn().Publish(b.subject, []byte(msg)); err != nil {
		b.log.Warn("failed to publish result", slog.String("subject", b.subject), slogError(err))
	}
}

// utteranceTracker turns result callbacks into structured transcripts
// and timeline rows. It runs on the session loop goroutine.
type utteranceTracker struct {
	manager   *Manager
	sessionID string
	id        string
	final     string
}

func (t *utteranceTracker) observe(kind protocol.ResultKind, text string) {
	m := t.manager
	if t.id == "" {
		t.id = uuid.NewString()
	}
	switch kind {
	case protocol.ResultPartial:
		m.log.Debug("partial transcript", slog.String("session", t.sessionID), slog.String("text", text))
		t.publish(protocol.SubjectTranscriptPartial, text, true)
	case protocol.ResultFinal:
		t.final = text
		m.log.Info("final transcript", slog.String("session", t.sessionID), slog.String("text", text))
		t.publish(protocol.SubjectTranscriptFinal, text, false)
	case protocol.ResultEndOfUtterance:
		u := eventstore.Utterance{ID: t.id, SessionID: t.sessionID, Text: t.final}
		m.storeCall("append utterance", func(ctx context.Context) error {
			_, err := m.store.AppendUtterance(ctx, u)
			return err
		})
		t.id, t.final = "", ""
	}
}

func (t *utteranceTracker) publish(subject, text string, partial bool) {
	msg := protocol.Transcript{
		SessionID:   t.sessionID,
		UtteranceID: t.id,
		Text:        text,
		Partial:     partial,
		Timestamp:   time.Now().UTC(),
	}
	if !partial {
		msg.Confidence = 1.0
	}
	if err := t.manager.bus.PublishJSON(subject, msg); err != nil {
		t.manager.log.Warn("failed to publish transcript", slogError(err))
	}
}
