package audio

// G.711 companding. Telephony trunks carry 8-bit mu-law or A-law samples
// at 8 kHz; everything past the transport works in 16-bit linear PCM.

const (
	muLawBias = 0x84
	muLawClip = 32635
)

var (
	muLawToPCM [256]int16
	aLawToPCM  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		muLawToPCM[i] = decodeMuLawSample(byte(i))
		aLawToPCM[i] = decodeALawSample(byte(i))
	}
}

// EncodeMuLawSample converts one 16-bit PCM sample to mu-law.
func EncodeMuLawSample(sample int16) byte {
	v := int32(sample)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exp := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := byte(v>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mantissa)
}

func decodeMuLawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mantissa := b & 0x0F
	v := (int32(mantissa)<<3 + muLawBias) << exp
	v -= muLawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

// DecodeMuLawSample converts one mu-law byte to a 16-bit PCM sample.
func DecodeMuLawSample(b byte) int16 { return muLawToPCM[b] }

var aLawSegEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// EncodeALawSample converts one 16-bit PCM sample to A-law.
func EncodeALawSample(sample int16) byte {
	v := int32(sample) >> 3
	var mask byte
	if v >= 0 {
		mask = 0xD5
	} else {
		mask = 0x55
		v = -v - 1
		if v < 0 {
			v = 0
		}
	}

	seg := 0
	for seg < 8 && v > aLawSegEnd[seg] {
		seg++
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}

	aval := byte(seg) << 4
	if seg < 2 {
		aval |= byte(v>>1) & 0x0F
	} else {
		aval |= byte(v>>seg) & 0x0F
	}
	return aval ^ mask
}

func decodeALawSample(b byte) int16 {
	b ^= 0x55
	t := int32(b&0x0F) << 4
	seg := (b & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if b&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// DecodeALawSample converts one A-law byte to a 16-bit PCM sample.
func DecodeALawSample(b byte) int16 { return aLawToPCM[b] }

// DecodeMuLaw expands a mu-law payload into 16-bit little-endian PCM.
func DecodeMuLaw(payload []byte) []byte {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		s := muLawToPCM[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeMuLaw compands 16-bit little-endian PCM into mu-law.
func EncodeMuLaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeMuLawSample(s)
	}
	return out
}

// DecodeALaw expands an A-law payload into 16-bit little-endian PCM.
func DecodeALaw(payload []byte) []byte {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		s := aLawToPCM[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeALaw compands 16-bit little-endian PCM into A-law.
func EncodeALaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeALawSample(s)
	}
	return out
}
