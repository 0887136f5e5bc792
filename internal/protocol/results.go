package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// EndOfUtterance follows every final result, including empty ones.
const EndOfUtterance = `{"partial":"[unk]"}`

// ResultKind tells apart the three result shapes.
type ResultKind int

const (
	ResultPartial ResultKind = iota
	ResultFinal
	ResultEndOfUtterance
)

func (k ResultKind) String() string {
	switch k {
	case ResultPartial:
		return "partial"
	case ResultFinal:
		return "final"
	case ResultEndOfUtterance:
		return "end_of_utterance"
	default:
		return "unknown"
	}
}

// Confidence always renders with one decimal, so 1 encodes as 1.0.
type Confidence float64

func (c Confidence) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(c), 'f', 1, 64), nil
}

type partialMessage struct {
	Partial string `json:"partial"`
}

type Alternative struct {
	Conf Confidence `json:"conf"`
	Text string     `json:"text"`
}

type finalMessage struct {
	Alternatives []Alternative `json:"alternatives"`
	Partial      bool          `json:"partial"`
}

// EncodePartial renders {"partial":"<text>"}.
func EncodePartial(text string) (string, error) {
	return encode(partialMessage{Partial: text})
}

// EncodeFinal renders {"alternatives":[{"conf":1.0,"text":"<text>"}],"partial":false}.
func EncodeFinal(text string) (string, error) {
	return encode(finalMessage{
		Alternatives: []Alternative{{Conf: 1.0, Text: text}},
		Partial:      false,
	})
}

// encode keeps <, > and & literal; the host parses JSON, not HTML.
func encode(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
