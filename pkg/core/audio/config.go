// Package audio holds the frame model, G.711 codec, resampler, and the
// jitter buffer / pacer used on both sides of a call.
package audio

import "time"

// Direction tags a frame as caller-to-agent or agent-to-caller.
type Direction int

const (
	// DirectionInbound is caller audio flowing toward the provider.
	DirectionInbound Direction = iota
	// DirectionOutbound is agent audio flowing toward the caller.
	DirectionOutbound
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// FrameDuration is the nominal duration of one frame in the pipeline.
const FrameDuration = 20 * time.Millisecond

// Frame is a fixed-duration chunk of 16-bit little-endian PCM. Frames are
// immutable once constructed; ownership transfers along the pipeline.
type Frame struct {
	Data       []byte
	SampleRate int
	Seq        uint64
	Direction  Direction
}

// Samples returns the number of PCM samples in the frame.
func (f Frame) Samples() int { return len(f.Data) / 2 }

// DurationMs returns the frame duration in milliseconds.
func (f Frame) DurationMs() int {
	if f.SampleRate == 0 {
		return 0
	}
	return f.Samples() * 1000 / f.SampleRate
}

// Config specifies audio format parameters for one leg of the pipeline.
type Config struct {
	// SampleRate in Hz. Telephony side is 8000; backends use 16000 or 24000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: 16 for linear PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultConfig returns the standard backend-side audio configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// TelephonyConfig returns the companded telephony-side configuration.
func TelephonyConfig() Config {
	return Config{
		SampleRate:    8000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the linear PCM byte rate.
func (c Config) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds of the given byte count.
func (c Config) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration.
func (c Config) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}

// FrameBytes returns the byte length of one FrameDuration frame.
func (c Config) FrameBytes() int {
	return c.BytesForDurationMs(int(FrameDuration / time.Millisecond))
}
