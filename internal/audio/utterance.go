package audio

// Utterance is the in-progress buffer of normalized samples. Once Full
// reports true the owner must flush before appending more.
type Utterance struct {
	samples []float32
	limit   int
}

func NewUtterance(limit int) *Utterance {
	return &Utterance{limit: limit}
}

func (u *Utterance) Append(samples []float32) {
	u.samples = append(u.samples, samples...)
}

func (u *Utterance) Len() int { return len(u.samples) }

func (u *Utterance) Empty() bool { return len(u.samples) == 0 }

// Full reports whether the buffer has reached its hard cap.
func (u *Utterance) Full() bool {
	return u.limit > 0 && len(u.samples) >= u.limit
}

// Snapshot returns a copy that stays valid after Clear.
func (u *Utterance) Snapshot() []float32 {
	return append([]float32(nil), u.samples...)
}

// Clear empties the buffer and keeps its capacity for the next utterance.
func (u *Utterance) Clear() {
	u.samples = u.samples[:0]
}
