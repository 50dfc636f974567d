package transport

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/voxa-labs/callbridge/pkg/core"
	"github.com/voxa-labs/callbridge/pkg/core/audio"
)

const (
	payloadTypePCMU = 0
	payloadTypePCMA = 8

	// Companded 8 kHz audio in 20ms payloads.
	mediaPayloadBytes = 160
	mediaClockRate    = 8000
)

// MediaStream is an Adapter over an RTP/UDP media leg carrying G.711
// audio in fixed 160-byte payloads. Out-of-order and duplicate arrival is
// tolerated here; reordering is the jitter buffer's job downstream.
type MediaStream struct {
	conn   net.PacketConn
	remote net.Addr
	info   CallInfo

	payloadType uint8
	ssrc        uint32
	silence     byte

	writeMu    sync.Mutex
	seq        uint16
	timestamp  uint32
	lastSilent bool

	lastRecvSeq   uint16
	recvStarted   bool
	recvGaps      uint64
	shortPayloads uint64

	closed atomic.Bool
}

// NewMediaStream builds an RTP adapter on an open packet connection.
// remote is where outbound packets go; inbound packets from any source on
// the connection are accepted.
func NewMediaStream(conn net.PacketConn, remote net.Addr, info CallInfo) (*MediaStream, error) {
	var pt uint8
	switch info.Encoding {
	case audio.EncodingMuLaw:
		pt = payloadTypePCMU
	case audio.EncodingALaw:
		pt = payloadTypePCMA
	default:
		return nil, core.NewCodecError("media stream requires companded encoding, got " + string(info.Encoding))
	}

	return &MediaStream{
		conn:        conn,
		remote:      remote,
		info:        info,
		payloadType: pt,
		ssrc:        rand.Uint32(),
		silence:     audio.SilenceByte(info.Encoding),
		seq:         uint16(rand.Intn(1 << 16)),
		timestamp:   rand.Uint32(),
		lastSilent:  true,
	}, nil
}

// DialMediaStream resolves the remote endpoint and opens a local UDP
// socket for the media leg, with bounded retries on the resolve.
func DialMediaStream(ctx context.Context, remoteAddr string, info CallInfo, retry RetryConfig) (*MediaStream, error) {
	var raddr *net.UDPAddr
	err := withRetry(ctx, retry, func() error {
		a, err := net.ResolveUDPAddr("udp", remoteAddr)
		if err != nil {
			return fmt.Errorf("resolve media endpoint: %w", err)
		}
		raddr = a
		return nil
	})
	if err != nil {
		return nil, core.NewTransportError("media_stream", false, err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, core.NewTransportError("media_stream", false, err)
	}
	return NewMediaStream(conn, raddr, info)
}

// Info returns call metadata for this leg.
func (m *MediaStream) Info() CallInfo { return m.info }

// Receive returns the payload of the next RTP packet. Packets with a
// payload type other than the negotiated one are skipped. Short payloads
// are counted and skipped rather than failing the stream.
func (m *MediaStream) Receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if deadline, ok := ctx.Deadline(); ok {
			m.conn.SetReadDeadline(deadline)
		}

		n, _, err := m.conn.ReadFrom(buf)
		if err != nil {
			if m.closed.Load() {
				return nil, io.EOF
			}
			return nil, core.NewTransportError("media_stream", true, err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if pkt.PayloadType != m.payloadType {
			continue
		}
		if len(pkt.Payload) < mediaPayloadBytes {
			m.shortPayloads++
			continue
		}

		if m.recvStarted {
			// Modular delta keeps the count right across wraparound;
			// reordered and duplicate packets land in the upper half.
			if delta := pkt.SequenceNumber - m.lastRecvSeq; delta > 1 && delta < 1<<15 {
				m.recvGaps += uint64(delta - 1)
			}
		}
		m.lastRecvSeq = pkt.SequenceNumber
		m.recvStarted = true

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		return payload, nil
	}
}

// Send packetizes one companded payload and writes it to the remote
// endpoint. The RTP timestamp advances by the sample count so receivers
// can reconstruct timing.
func (m *MediaStream) Send(payload []byte) error {
	if m.closed.Load() {
		return core.NewTransportError("media_stream", false, io.ErrClosedPipe)
	}
	if len(payload) != mediaPayloadBytes {
		return core.NewCodecError(fmt.Sprintf("media payload must be %d bytes, got %d", mediaPayloadBytes, len(payload)))
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	// The marker bit flags the first packet of a talk spurt, so receivers
	// can resync their playout point after comfort noise.
	marker := false
	if m.isSilence(payload) {
		m.lastSilent = true
	} else {
		marker = m.lastSilent
		m.lastSilent = false
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    m.payloadType,
			SequenceNumber: m.seq,
			Timestamp:      m.timestamp,
			SSRC:           m.ssrc,
		},
		Payload: payload,
	}
	m.seq++
	m.timestamp += uint32(len(payload))

	raw, err := pkt.Marshal()
	if err != nil {
		return core.NewTransportError("media_stream", false, err)
	}
	if _, err := m.conn.WriteTo(raw, m.remote); err != nil {
		return core.NewTransportError("media_stream", true, err)
	}
	return nil
}

func (m *MediaStream) isSilence(payload []byte) bool {
	for _, b := range payload {
		if b != m.silence {
			return false
		}
	}
	return true
}

// ShortPayloads returns how many undersized packets were skipped.
func (m *MediaStream) ShortPayloads() uint64 { return m.shortPayloads }

// RecvGaps returns how many inbound packets went missing, judged by
// sequence number jumps.
func (m *MediaStream) RecvGaps() uint64 { return m.recvGaps }

// Close tears down the packet connection. Safe to call more than once.
func (m *MediaStream) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.conn.Close()
}
