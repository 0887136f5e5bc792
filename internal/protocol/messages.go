package protocol

import "time"

// AudioFrame carries little-endian PCM16 mono audio for one session.
// Final marks the end of the capture stream.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is the structured copy of a final result for downstream consumers.
type Transcript struct {
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	Text        string    `json:"text"`
	Partial     bool      `json:"partial"`
	Timestamp   time.Time `json:"timestamp"`
	Confidence  float64   `json:"confidence,omitempty"`
}

// GrammarUpdate replaces the active vocabulary. An empty list disables the constraint.
type GrammarUpdate struct {
	Words     []string  `json:"words"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlUpdate changes live tunables; nil fields are left untouched.
type ControlUpdate struct {
	SpeechThreshold *float64 `json:"speech_threshold,omitempty"`
	Language        *string  `json:"language,omitempty"`
}

// SessionControl starts or stops a recognition session explicitly.
type SessionControl struct {
	SessionID string `json:"session_id"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectResultPrefix      = "stt.result"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectGrammarSet        = "stt.grammar.set"
	SubjectControlSet        = "stt.control.set"
	SubjectSessionStart      = "stt.session.start"
	SubjectSessionStop       = "stt.session.stop"
)

// ResultSubject is where the raw result messages of a session are published.
func ResultSubject(sessionID string) string {
	return SubjectResultPrefix + "." + sessionID
}
