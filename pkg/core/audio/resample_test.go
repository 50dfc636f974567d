package audio

import (
	"bytes"
	"math"
	"testing"
)

func sinePCM(rate int, freq float64, ms int, amplitude float64) []byte {
	n := rate * ms / 1000
	samples := make([]int16, n)
	for i := range samples {
		v := amplitude * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
		samples[i] = int16(v)
	}
	return pcmBytes(samples)
}

func TestResamplerPassthrough(t *testing.T) {
	r := NewResampler(16000, 16000)
	in := sinePCM(16000, 440, 20, 0.5)
	out := r.Process(in)
	if !bytes.Equal(in, out) {
		t.Error("same-rate resampling should be a copy")
	}
}

func TestResamplerUpsampleRatio(t *testing.T) {
	r := NewResampler(8000, 16000)
	var total int
	for i := 0; i < 50; i++ {
		out := r.Process(sinePCM(8000, 300, 20, 0.5))
		total += len(out) / 2
	}
	// 50 frames of 160 samples doubled, minus edge holdback.
	expected := 50 * 320
	if total < expected-4 || total > expected {
		t.Errorf("expected about %d output samples, got %d", expected, total)
	}
}

func TestResamplerDownsampleRatio(t *testing.T) {
	r := NewResampler(24000, 8000)
	var total int
	for i := 0; i < 50; i++ {
		out := r.Process(sinePCM(24000, 300, 20, 0.5))
		total += len(out) / 2
	}
	expected := 50 * 160
	if total < expected-4 || total > expected+1 {
		t.Errorf("expected about %d output samples, got %d", expected, total)
	}
}

func TestResamplerChunkingInvariant(t *testing.T) {
	stream := sinePCM(8000, 250, 200, 0.6)

	whole := NewResampler(8000, 16000)
	wholeOut := whole.Process(stream)

	chunked := NewResampler(8000, 16000)
	var chunkedOut []byte
	for off := 0; off < len(stream); {
		// Uneven chunk sizes, still sample-aligned.
		size := 50
		if off/50%3 == 1 {
			size = 122
		}
		end := off + size*2
		if end > len(stream) {
			end = len(stream)
		}
		chunkedOut = append(chunkedOut, chunked.Process(stream[off:end])...)
		off = end
	}

	if !bytes.Equal(wholeOut, chunkedOut) {
		t.Errorf("chunked output differs from whole-stream output: %d vs %d bytes",
			len(chunkedOut), len(wholeOut))
	}
}

func TestResamplerPreservesEnergy(t *testing.T) {
	r := NewResampler(16000, 8000)
	in := sinePCM(16000, 400, 100, 0.5)
	out := r.Process(in)

	inRMS := CalculateRMSEnergy(in)
	outRMS := CalculateRMSEnergy(out)
	if math.Abs(inRMS-outRMS) > 0.05 {
		t.Errorf("resampling changed energy too much: %.3f vs %.3f", inRMS, outRMS)
	}
}

func TestDCBlockerRemovesOffset(t *testing.T) {
	f := NewDCBlocker()

	// A tone riding on a large DC offset.
	offset := int16(8000)
	n := 8000 // 1s at 8kHz
	samples := make([]int16, n)
	for i := range samples {
		v := 4000*math.Sin(2*math.Pi*200*float64(i)/8000) + float64(offset)
		samples[i] = int16(v)
	}
	out := f.Process(pcmBytes(samples))

	// Mean of the settled tail should be near zero.
	tail := out[len(out)/2:]
	var sum float64
	for i := 0; i+1 < len(tail); i += 2 {
		sum += float64(int16(tail[i]) | int16(tail[i+1])<<8)
	}
	mean := sum / float64(len(tail)/2)
	if math.Abs(mean) > 200 {
		t.Errorf("expected DC offset removed, residual mean %.1f", mean)
	}
}

func TestSoftLimitCaps(t *testing.T) {
	loud := pcmBytes([]int16{32767, -32768, 30000, -30000})
	out := SoftLimit(loud)
	for i := 0; i+1 < len(out); i += 2 {
		s := int16(out[i]) | int16(out[i+1])<<8
		if s > 32767 || s < -32768 {
			t.Fatalf("sample out of range: %d", s)
		}
	}
}

func TestSoftLimitLeavesQuietAudioAlone(t *testing.T) {
	quiet := sinePCM(8000, 300, 20, 0.3)
	orig := make([]byte, len(quiet))
	copy(orig, quiet)
	out := SoftLimit(quiet)
	if !bytes.Equal(orig, out) {
		t.Error("limiter modified audio below the knee")
	}
}

func TestInboundPipelineMuLaw(t *testing.T) {
	p, err := NewInboundPipeline(EncodingMuLaw, 8000, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 20ms of companded audio.
	payload := EncodeMuLaw(sinePCM(8000, 300, 20, 0.5))
	pcm, err := p.Process(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 160 companded bytes become about 320 samples at 16kHz.
	if len(pcm)/2 < 310 || len(pcm)/2 > 320 {
		t.Errorf("unexpected output length: %d samples", len(pcm)/2)
	}
}

func TestInboundPipelineRejectsUnknownEncoding(t *testing.T) {
	if _, err := NewInboundPipeline(Encoding("opus"), 8000, 16000); err == nil {
		t.Error("expected error for unsupported encoding")
	}
}

func TestOutboundPipelineProducesCompanded(t *testing.T) {
	p, err := NewOutboundPipeline(EncodingMuLaw, 24000, 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pcm := sinePCM(24000, 300, 60, 0.5)
	payload, err := p.Process(pcm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 60ms at 8kHz companded is 480 bytes, minus resampler holdback.
	if len(payload) < 470 || len(payload) > 480 {
		t.Errorf("unexpected payload length: %d", len(payload))
	}
}

func TestOutboundPipelineRejectsOddLength(t *testing.T) {
	p, err := NewOutboundPipeline(EncodingMuLaw, 16000, 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Process(make([]byte, 321)); err == nil {
		t.Error("expected error for odd-length PCM")
	}
}
