package config

import (
	"math"
	"strings"
	"sync/atomic"
)

const LanguageAuto = "auto"

var supportedLanguages = map[string]struct{}{
	LanguageAuto: {},
	"zh":         {},
	"en":         {},
	"ja":         {},
	"ko":         {},
	"yue":        {},
}

// NormalizeLanguage lower-cases the hint and maps anything unsupported to auto.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if _, ok := supportedLanguages[lang]; ok {
		return lang
	}
	return LanguageAuto
}

// Tunables holds settings that may change while sessions are running.
// Readers see the new value on their next load; no restart is needed.
type Tunables struct {
	threshold atomic.Uint32
	language  atomic.Pointer[string]
}

func NewTunables(cfg STTConfig) *Tunables {
	t := &Tunables{}
	t.SetThreshold(cfg.SpeechThreshold)
	t.SetLanguage(cfg.Language)
	return t
}

func (t *Tunables) Threshold() float32 {
	return math.Float32frombits(t.threshold.Load())
}

// SetThreshold clamps to [0, 1].
func (t *Tunables) SetThreshold(v float64) {
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	t.threshold.Store(math.Float32bits(float32(v)))
}

func (t *Tunables) Language() string {
	if p := t.language.Load(); p != nil {
		return *p
	}
	return LanguageAuto
}

// SetLanguage stores the normalized hint and reports whether it changed.
func (t *Tunables) SetLanguage(lang string) bool {
	lang = NormalizeLanguage(lang)
	old := t.language.Swap(&lang)
	return old == nil || *old != lang
}

// Apply copies the live fields of cfg and reports whether the language changed.
func (t *Tunables) Apply(cfg STTConfig) bool {
	t.SetThreshold(cfg.SpeechThreshold)
	return t.SetLanguage(cfg.Language)
}
