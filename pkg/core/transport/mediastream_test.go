package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/voxa-labs/callbridge/pkg/core/audio"
)

func udpPair(t *testing.T) (net.PacketConn, net.PacketConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestMediaStreamRoundTrip(t *testing.T) {
	connA, connB := udpPair(t)

	info := CallInfo{CallID: "media-1", Encoding: audio.EncodingMuLaw, SampleRate: 8000}
	sender, err := NewMediaStream(connA, connB.LocalAddr(), info)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	receiver, err := NewMediaStream(connB, connA.LocalAddr(), info)
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}

	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := sender.Send(payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := receiver.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 160 || got[10] != 10 {
		t.Error("received payload does not match")
	}
}

func TestMediaStreamSequenceAndTimestampAdvance(t *testing.T) {
	connA, connB := udpPair(t)

	info := CallInfo{CallID: "media-2", Encoding: audio.EncodingMuLaw, SampleRate: 8000}
	sender, err := NewMediaStream(connA, connB.LocalAddr(), info)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := sender.Send(make([]byte, 160)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	var prev *rtp.Packet
	buf := make([]byte, 1500)
	for i := 0; i < 3; i++ {
		connB.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := connB.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.Fatalf("unmarshal %d: %v", i, err)
		}
		if pkt.PayloadType != 0 {
			t.Errorf("expected PCMU payload type 0, got %d", pkt.PayloadType)
		}
		if prev != nil {
			if pkt.SequenceNumber != prev.SequenceNumber+1 {
				t.Errorf("sequence did not advance by 1: %d then %d", prev.SequenceNumber, pkt.SequenceNumber)
			}
			if pkt.Timestamp != prev.Timestamp+160 {
				t.Errorf("timestamp did not advance by 160: %d then %d", prev.Timestamp, pkt.Timestamp)
			}
		}
		p := pkt
		prev = &p
	}
}

func TestMediaStreamRejectsWrongPayloadSize(t *testing.T) {
	connA, connB := udpPair(t)
	info := CallInfo{CallID: "media-3", Encoding: audio.EncodingMuLaw, SampleRate: 8000}
	sender, err := NewMediaStream(connA, connB.LocalAddr(), info)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	if err := sender.Send(make([]byte, 159)); err == nil {
		t.Error("expected error for undersized payload")
	}
	if err := sender.Send(make([]byte, 320)); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestMediaStreamSkipsForeignPayloadType(t *testing.T) {
	connA, connB := udpPair(t)

	info := CallInfo{CallID: "media-4", Encoding: audio.EncodingMuLaw, SampleRate: 8000}
	receiver, err := NewMediaStream(connB, connA.LocalAddr(), info)
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}

	// An opus-typed packet followed by a PCMU one.
	foreign := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 1, SSRC: 42},
		Payload: make([]byte, 160),
	}
	raw, _ := foreign.Marshal()
	connA.(*net.UDPConn).WriteTo(raw, connB.LocalAddr())

	good := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: 2, SSRC: 42},
		Payload: make([]byte, 160),
	}
	raw, _ = good.Marshal()
	connA.(*net.UDPConn).WriteTo(raw, connB.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := receiver.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 160 {
		t.Errorf("expected the PCMU payload, got %d bytes", len(got))
	}
}

func TestMediaStreamRequiresCompandedEncoding(t *testing.T) {
	connA, connB := udpPair(t)
	info := CallInfo{CallID: "media-5", Encoding: audio.EncodingPCM16, SampleRate: 8000}
	if _, err := NewMediaStream(connA, connB.LocalAddr(), info); err == nil {
		t.Error("expected error for linear PCM over the media stream")
	}
}

func TestMediaStreamMarksTalkSpurtStart(t *testing.T) {
	connA, connB := udpPair(t)

	info := CallInfo{CallID: "media-6", Encoding: audio.EncodingMuLaw, SampleRate: 8000}
	sender, err := NewMediaStream(connA, connB.LocalAddr(), info)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	silence := make([]byte, 160)
	for i := range silence {
		silence[i] = 0xFF
	}
	speech := make([]byte, 160)
	for i := range speech {
		speech[i] = byte(i)
	}

	// Silence, two speech packets, silence again, then speech: the marker
	// must flag only the first packet of each spurt.
	sequence := [][]byte{silence, speech, speech, silence, speech}
	wantMarkers := []bool{false, true, false, false, true}
	for i, payload := range sequence {
		if err := sender.Send(payload); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	buf := make([]byte, 1500)
	for i := range sequence {
		connB.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := connB.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.Fatalf("unmarshal %d: %v", i, err)
		}
		if pkt.Marker != wantMarkers[i] {
			t.Errorf("packet %d marker = %v, want %v", i, pkt.Marker, wantMarkers[i])
		}
	}
}

func TestMediaStreamCountsReceiveGaps(t *testing.T) {
	connA, connB := udpPair(t)

	info := CallInfo{CallID: "media-7", Encoding: audio.EncodingMuLaw, SampleRate: 8000}
	receiver, err := NewMediaStream(connB, connA.LocalAddr(), info)
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}

	// Sequence 10, 11, then 14: two packets went missing. The stale 13
	// afterwards is reordering, not a new gap.
	for _, seq := range []uint16{10, 11, 14, 13} {
		pkt := rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: seq, SSRC: 42},
			Payload: make([]byte, 160),
		}
		raw, _ := pkt.Marshal()
		connA.(*net.UDPConn).WriteTo(raw, connB.LocalAddr())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		if _, err := receiver.Receive(ctx); err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
	}

	if got := receiver.RecvGaps(); got != 2 {
		t.Errorf("receive gaps = %d, want 2", got)
	}
}
