package audio

import (
	"github.com/voxa-labs/callbridge/pkg/core"
)

// Encoding names a wire audio format.
type Encoding string

const (
	// EncodingPCM16 is 16-bit signed little-endian linear PCM.
	EncodingPCM16 Encoding = "pcm_s16le"
	// EncodingMuLaw is G.711 mu-law, 8-bit companded.
	EncodingMuLaw Encoding = "pcm_mulaw"
	// EncodingALaw is G.711 A-law, 8-bit companded.
	EncodingALaw Encoding = "pcm_alaw"
)

// Valid reports whether the encoding is one the codec supports.
func (e Encoding) Valid() bool {
	switch e {
	case EncodingPCM16, EncodingMuLaw, EncodingALaw:
		return true
	}
	return false
}

// SilenceByte returns the fill byte that decodes to silence in the given
// encoding. G.711 zero is NOT silence: 0x00 companded decodes near full
// scale.
func SilenceByte(e Encoding) byte {
	switch e {
	case EncodingMuLaw:
		return 0xFF
	case EncodingALaw:
		return 0xD5
	default:
		return 0x00
	}
}

// InboundPipeline converts companded caller audio to linear PCM at the
// backend sample rate. One instance per call leg; not safe for concurrent
// use.
type InboundPipeline struct {
	encoding  Encoding
	resampler *Resampler
}

// NewInboundPipeline builds the caller-to-backend conversion chain.
func NewInboundPipeline(encoding Encoding, wireRate, backendRate int) (*InboundPipeline, error) {
	if !encoding.Valid() {
		return nil, core.NewCodecError("unsupported inbound encoding: " + string(encoding))
	}
	return &InboundPipeline{
		encoding:  encoding,
		resampler: NewResampler(wireRate, backendRate),
	}, nil
}

// Process converts one wire payload. A zero-length payload yields a
// zero-length result, not an error.
func (p *InboundPipeline) Process(payload []byte) ([]byte, error) {
	var pcm []byte
	switch p.encoding {
	case EncodingMuLaw:
		pcm = DecodeMuLaw(payload)
	case EncodingALaw:
		pcm = DecodeALaw(payload)
	case EncodingPCM16:
		if len(payload)%2 != 0 {
			return nil, core.NewCodecError("odd-length pcm payload")
		}
		pcm = make([]byte, len(payload))
		copy(pcm, payload)
	}
	return p.resampler.Process(pcm), nil
}

// Reset clears resampler state between utterances.
func (p *InboundPipeline) Reset() { p.resampler.Reset() }

// OutboundPipeline converts backend synthesis PCM to companded caller
// audio. DC blocking and soft limiting run before companding so gateway
// offset and synthesis peaks do not distort the 8-bit encode.
type OutboundPipeline struct {
	encoding  Encoding
	resampler *Resampler
	dc        *DCBlocker
}

// NewOutboundPipeline builds the backend-to-caller conversion chain.
func NewOutboundPipeline(encoding Encoding, backendRate, wireRate int) (*OutboundPipeline, error) {
	if !encoding.Valid() {
		return nil, core.NewCodecError("unsupported outbound encoding: " + string(encoding))
	}
	return &OutboundPipeline{
		encoding:  encoding,
		resampler: NewResampler(backendRate, wireRate),
		dc:        NewDCBlocker(),
	}, nil
}

// Process converts one chunk of synthesis PCM to the wire format.
func (p *OutboundPipeline) Process(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, core.NewCodecError("odd-length pcm chunk")
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	buf = p.dc.Process(buf)
	buf = SoftLimit(buf)
	buf = p.resampler.Process(buf)

	switch p.encoding {
	case EncodingMuLaw:
		return EncodeMuLaw(buf), nil
	case EncodingALaw:
		return EncodeALaw(buf), nil
	default:
		return buf, nil
	}
}

// Reset clears filter and resampler state between utterances.
func (p *OutboundPipeline) Reset() {
	p.resampler.Reset()
	p.dc.Reset()
}
