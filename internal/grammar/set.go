// Package grammar constrains decoder output to a host-supplied vocabulary.
package grammar

import (
	"strings"
	"sync/atomic"
)

// Set is an immutable, case-insensitive token set. A nil *Set is empty.
type Set struct {
	tokens map[string]string // lower-cased -> spelling supplied by the host
}

func NewSet(words []string) *Set {
	s := &Set{tokens: make(map[string]string, len(words))}
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		key := strings.ToLower(w)
		if _, dup := s.tokens[key]; !dup {
			s.tokens[key] = w
		}
	}
	return s
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tokens)
}

// Lookup returns the host spelling of token, matched case-insensitively.
func (s *Set) Lookup(token string) (string, bool) {
	if s == nil {
		return "", false
	}
	w, ok := s.tokens[strings.ToLower(token)]
	return w, ok
}

// Slot publishes the current Set. Writers replace it wholesale; readers
// get a snapshot that later updates never mutate.
type Slot struct {
	current atomic.Pointer[Set]
}

func (s *Slot) Store(words []string) *Set {
	set := NewSet(words)
	s.current.Store(set)
	return set
}

func (s *Slot) Load() *Set {
	if s == nil {
		return nil
	}
	return s.current.Load()
}
