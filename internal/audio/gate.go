// Package audio holds the sample-level pieces of endpointing: PCM decoding,
// the amplitude gate and the bounded utterance buffer.
package audio

import "encoding/binary"

// SampleRate is the only rate the decode engines accept.
const SampleRate = 16000

const pcmScale = 32768.0

// Gate normalizes frame to [-1, 1] and reports whether its peak
// absolute sample is above threshold.
func Gate(frame []int16, threshold float32) ([]float32, bool) {
	samples := make([]float32, len(frame))
	var peak float32
	for i, s := range frame {
		v := float32(s) / pcmScale
		samples[i] = v
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return samples, peak > threshold
}

// PCM16FromBytes decodes little-endian 16-bit samples; a trailing odd byte is dropped.
func PCM16FromBytes(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// PCM16ToBytes is the inverse of PCM16FromBytes.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}
