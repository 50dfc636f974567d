package audio

import (
	"math"
	"testing"
)

func pcmBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s & 0xFF)
		pcm[i*2+1] = byte((s >> 8) & 0xFF)
	}
	return pcm
}

func TestMuLawRoundTrip(t *testing.T) {
	// Companding is lossy; the error must stay within the segment
	// quantization step, which grows with magnitude.
	values := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 20000, -20000, 32000, -32000}
	for _, v := range values {
		got := DecodeMuLawSample(EncodeMuLawSample(v))
		tolerance := math.Max(16, math.Abs(float64(v))*0.06)
		if math.Abs(float64(got)-float64(v)) > tolerance {
			t.Errorf("mu-law round trip of %d gave %d (tolerance %.0f)", v, got, tolerance)
		}
	}
}

func TestALawRoundTrip(t *testing.T) {
	values := []int16{0, 16, -16, 100, -100, 1000, -1000, 8000, -8000, 20000, -20000, 32000, -32000}
	for _, v := range values {
		got := DecodeALawSample(EncodeALawSample(v))
		tolerance := math.Max(32, math.Abs(float64(v))*0.06)
		if math.Abs(float64(got)-float64(v)) > tolerance {
			t.Errorf("a-law round trip of %d gave %d (tolerance %.0f)", v, got, tolerance)
		}
	}
}

func TestMuLawSilence(t *testing.T) {
	if got := DecodeMuLawSample(0xFF); got != 0 {
		t.Errorf("expected 0xFF to decode to 0, got %d", got)
	}
	if got := DecodeMuLawSample(EncodeMuLawSample(0)); got != 0 {
		t.Errorf("expected encoded silence to decode to 0, got %d", got)
	}
}

func TestDecodeMuLawLength(t *testing.T) {
	payload := make([]byte, 160)
	pcm := DecodeMuLaw(payload)
	if len(pcm) != 320 {
		t.Errorf("expected 320 bytes of PCM, got %d", len(pcm))
	}
}

func TestEncodeMuLawLength(t *testing.T) {
	pcm := make([]byte, 320)
	payload := EncodeMuLaw(pcm)
	if len(payload) != 160 {
		t.Errorf("expected 160 companded bytes, got %d", len(payload))
	}
}

func TestCompandingPreservesSign(t *testing.T) {
	if DecodeMuLawSample(EncodeMuLawSample(5000)) <= 0 {
		t.Error("positive sample lost its sign through mu-law")
	}
	if DecodeMuLawSample(EncodeMuLawSample(-5000)) >= 0 {
		t.Error("negative sample lost its sign through mu-law")
	}
	if DecodeALawSample(EncodeALawSample(5000)) <= 0 {
		t.Error("positive sample lost its sign through a-law")
	}
	if DecodeALawSample(EncodeALawSample(-5000)) >= 0 {
		t.Error("negative sample lost its sign through a-law")
	}
}
