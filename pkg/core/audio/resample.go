package audio

import "math"

// Resampler converts 16-bit mono PCM between sample rates using linear
// interpolation. Fractional sample positions carry across calls, so
// feeding the same stream in different chunk sizes yields the same
// output within rounding.
type Resampler struct {
	inRate  int
	outRate int
	step    float64
	pos     float64
	carry   []int16
}

// NewResampler creates a resampler from inRate to outRate.
func NewResampler(inRate, outRate int) *Resampler {
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		step:    float64(inRate) / float64(outRate),
	}
}

// Process converts a chunk of 16-bit little-endian PCM. The returned slice
// is freshly allocated. Trailing samples that cannot be interpolated yet
// are held back for the next call.
func (r *Resampler) Process(pcm []byte) []byte {
	if r.inRate == r.outRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	samples := bytesToSamples(pcm)
	if len(samples) == 0 && len(r.carry) == 0 {
		return nil
	}

	buf := append(r.carry, samples...)
	var out []int16
	pos := r.pos
	for int(pos)+1 < len(buf) {
		i := int(pos)
		frac := pos - float64(i)
		v := float64(buf[i])*(1-frac) + float64(buf[i+1])*frac
		out = append(out, int16(v))
		pos += r.step
	}

	// Hold back everything from the current integer position so the
	// next chunk can interpolate across the boundary.
	keep := int(pos)
	if keep > len(buf)-1 {
		keep = len(buf) - 1
	}
	if keep < 0 {
		keep = 0
	}
	r.carry = append(r.carry[:0], buf[keep:]...)
	r.pos = pos - float64(keep)

	return samplesToBytes(out)
}

// Reset discards carried state, for reuse across utterances.
func (r *Resampler) Reset() {
	r.pos = 0
	r.carry = r.carry[:0]
}

// DCBlocker is a first-order high-pass filter that removes the DC offset
// some telephony gateways introduce. Offset audio skews energy readings
// and distorts companding.
type DCBlocker struct {
	prevIn  float64
	prevOut float64
	coeff   float64
}

// NewDCBlocker creates a DC blocking filter. A coefficient of 0.995 puts
// the corner frequency well below speech at 8 kHz.
func NewDCBlocker() *DCBlocker {
	return &DCBlocker{coeff: 0.995}
}

// Process filters 16-bit little-endian PCM in place and returns it.
func (f *DCBlocker) Process(pcm []byte) []byte {
	for i := 0; i+1 < len(pcm); i += 2 {
		x := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		y := x - f.prevIn + f.coeff*f.prevOut
		f.prevIn = x
		f.prevOut = y
		s := clampSample(y)
		pcm[i] = byte(s)
		pcm[i+1] = byte(s >> 8)
	}
	return pcm
}

// Reset clears the filter state.
func (f *DCBlocker) Reset() {
	f.prevIn = 0
	f.prevOut = 0
}

// softLimitKnee is the amplitude above which the limiter starts compressing.
const softLimitKnee = 28000.0

// SoftLimit compresses samples above the knee so synthesis peaks do not
// hard-clip when companded down to 8-bit. Operates in place.
func SoftLimit(pcm []byte) []byte {
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		abs := math.Abs(v)
		if abs <= softLimitKnee {
			continue
		}
		excess := abs - softLimitKnee
		limited := softLimitKnee + (32767.0-softLimitKnee)*math.Tanh(excess/(32767.0-softLimitKnee))
		if v < 0 {
			limited = -limited
		}
		s := clampSample(limited)
		pcm[i] = byte(s)
		pcm[i+1] = byte(s >> 8)
	}
	return pcm
}

func clampSample(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func bytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
