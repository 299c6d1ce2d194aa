package tcpstream

import (
	"net"
	"testing"
	"time"
)

func ep(ip string, port int) Endpoint {
	return Endpoint{IP: net.ParseIP(ip), Port: port}
}

func TestCanonicalKeySymmetric(t *testing.T) {
	a := ep("10.0.0.1", 1234)
	b := ep("10.0.0.2", 443)

	k1, peer1 := CanonicalKey(a, b)
	k2, peer2 := CanonicalKey(b, a)

	if k1 != k2 {
		t.Fatalf("canonical key must be identical regardless of direction")
	}
	if peer1 == peer2 {
		t.Fatalf("stream_peer must differ between the two directions")
	}
}

// Scenario 1: mid-stream capture, no SYN.
func TestMidStreamCaptureNoSYN(t *testing.T) {
	m := NewManager(nil)
	src := ep("10.0.0.1", 50000)
	dst := ep("10.0.0.2", 443)
	now := time.Now()

	s, a1 := m.Process(Segment{Src: src, Dst: dst, Seq: 1000, Flags: Flags{ACK: true}, Payload: make([]byte, 10), Timestamp: now})
	if a1.IsRetransmission || a1.IsOutOfOrder {
		t.Fatalf("first payload segment must not be flagged")
	}

	_, a2 := m.Process(Segment{Src: src, Dst: dst, Seq: 1010, Flags: Flags{ACK: true}, Payload: nil, Timestamp: now})
	if a2.IsRetransmission || a2.IsOutOfOrder {
		t.Fatalf("zero-payload pure ACK must not be flagged")
	}

	state, _, _, totalPackets, _, retrans, _ := s.Snapshot()
	if state != StateEstablished {
		t.Fatalf("expected ESTABLISHED, got %s", state)
	}
	if totalPackets != 2 {
		t.Fatalf("expected 2 total packets, got %d", totalPackets)
	}
	if retrans != 0 {
		t.Fatalf("expected 0 retransmissions, got %d", retrans)
	}
}

// Scenario 2: retransmission.
func TestRetransmissionScenario(t *testing.T) {
	m := NewManager(nil)
	src := ep("10.0.0.1", 50000)
	dst := ep("10.0.0.2", 443)
	now := time.Now()

	m.Process(Segment{Src: src, Dst: dst, Seq: 500, Flags: Flags{ACK: true}, Payload: make([]byte, 20), Timestamp: now})
	m.Process(Segment{Src: src, Dst: dst, Seq: 540, Flags: Flags{ACK: true}, Payload: make([]byte, 20), Timestamp: now})
	s, a3 := m.Process(Segment{Src: src, Dst: dst, Seq: 500, Flags: Flags{ACK: true}, Payload: make([]byte, 20), Timestamp: now})

	if !a3.IsRetransmission {
		t.Fatalf("replayed segment must be flagged as retransmission")
	}

	_, _, _, totalPackets, _, retrans, _ := s.Snapshot()
	if retrans != 1 {
		t.Fatalf("expected 1 retransmission, got %d", retrans)
	}
	if totalPackets != 3 {
		t.Fatalf("expected 3 total packets, got %d", totalPackets)
	}
}

func TestOutOfOrderDetection(t *testing.T) {
	m := NewManager(nil)
	src := ep("10.0.0.1", 50000)
	dst := ep("10.0.0.2", 443)
	now := time.Now()

	m.Process(Segment{Src: src, Dst: dst, Seq: 1000, Flags: Flags{ACK: true}, Payload: make([]byte, 100), Timestamp: now})
	_, a := m.Process(Segment{Src: src, Dst: dst, Seq: 900, Flags: Flags{ACK: true}, Payload: make([]byte, 50), Timestamp: now})

	if !a.IsOutOfOrder {
		t.Fatalf("segment with seq < expected_next_seq must be flagged out-of-order")
	}
}

func TestSYNRetransmitNotPayloadRetransmission(t *testing.T) {
	m := NewManager(nil)
	src := ep("10.0.0.1", 50000)
	dst := ep("10.0.0.2", 443)
	now := time.Now()

	m.Process(Segment{Src: src, Dst: dst, Seq: 100, Flags: Flags{SYN: true}, Timestamp: now})
	s, a := m.Process(Segment{Src: src, Dst: dst, Seq: 100, Flags: Flags{SYN: true}, Timestamp: now})

	if a.IsRetransmission {
		t.Fatalf("zero-payload SYN retransmit must not be flagged as payload retransmission")
	}
	_, _, _, _, _, retrans, _ := s.Snapshot()
	if retrans != 0 {
		t.Fatalf("SYN retransmits must never increment the payload retransmission counter")
	}
}

func TestBufferOverflowMarksLossy(t *testing.T) {
	m := NewManager(nil)
	m.SetBufferCap(16)
	src := ep("10.0.0.1", 50000)
	dst := ep("10.0.0.2", 443)
	now := time.Now()

	s, _ := m.Process(Segment{Src: src, Dst: dst, Seq: 0, Flags: Flags{ACK: true}, Payload: make([]byte, 10), Timestamp: now})
	m.Process(Segment{Src: src, Dst: dst, Seq: 10, Flags: Flags{ACK: true}, Payload: make([]byte, 10), Timestamp: now})

	out, _, outLossy, _ := s.BufferSnapshot()
	if !outLossy {
		t.Fatalf("expected outbound buffer to be marked lossy after overflow")
	}
	if len(out) > 16 {
		t.Fatalf("buffer must be capped at 16 bytes, got %d", len(out))
	}
}

func TestRSTClosesStreamWithEndTime(t *testing.T) {
	m := NewManager(nil)
	src := ep("10.0.0.1", 50000)
	dst := ep("10.0.0.2", 443)
	now := time.Now()

	s, _ := m.Process(Segment{Src: src, Dst: dst, Seq: 0, Flags: Flags{RST: true}, Timestamp: now})
	state, _, end, _, _, _, _ := s.Snapshot()
	if state != StateClosed {
		t.Fatalf("expected CLOSED after RST, got %s", state)
	}
	if end.IsZero() {
		t.Fatalf("expected end_time to be recorded on RST")
	}
}

func TestDoubleFINClosesStreamWithEndTime(t *testing.T) {
	m := NewManager(nil)
	src := ep("10.0.0.1", 50000)
	dst := ep("10.0.0.2", 443)
	now := time.Now()

	s, _ := m.Process(Segment{Src: src, Dst: dst, Seq: 0, Flags: Flags{FIN: true, ACK: true}, Timestamp: now})
	state, _, end, _, _, _, _ := s.Snapshot()
	if state != StateFinWait {
		t.Fatalf("expected FIN_WAIT after the first FIN, got %s", state)
	}
	if !end.IsZero() {
		t.Fatalf("end_time must not be set after only one side has FIN'd")
	}

	closeTS := now.Add(time.Millisecond)
	s, _ = m.Process(Segment{Src: dst, Dst: src, Seq: 0, Flags: Flags{FIN: true, ACK: true}, Timestamp: closeTS})
	state, _, end, _, _, _, _ = s.Snapshot()
	if state != StateClosed {
		t.Fatalf("expected CLOSED once both sides have FIN'd, got %s", state)
	}
	if !end.Equal(closeTS) {
		t.Fatalf("expected end_time to be the second FIN's timestamp, got %v", end)
	}
}

func TestDoubleFINFromSameEndpointDoesNotClose(t *testing.T) {
	m := NewManager(nil)
	src := ep("10.0.0.1", 50000)
	dst := ep("10.0.0.2", 443)
	now := time.Now()

	m.Process(Segment{Src: src, Dst: dst, Seq: 0, Flags: Flags{FIN: true, ACK: true}, Timestamp: now})
	s, _ := m.Process(Segment{Src: src, Dst: dst, Seq: 1, Flags: Flags{FIN: true, ACK: true}, Timestamp: now})

	state, _, end, _, _, _, _ := s.Snapshot()
	if state != StateFinWait {
		t.Fatalf("a repeated FIN from the same endpoint must not close the stream, got %s", state)
	}
	if !end.IsZero() {
		t.Fatalf("end_time must stay unset until the other endpoint also FINs")
	}
}

func TestGCRemovesIdleClosedStreams(t *testing.T) {
	m := NewManager(nil)
	src := ep("10.0.0.1", 50000)
	dst := ep("10.0.0.2", 443)
	past := time.Now().Add(-10 * time.Minute)

	m.Process(Segment{Src: src, Dst: dst, Seq: 0, Flags: Flags{RST: true}, Timestamp: past})
	if m.Len() != 1 {
		t.Fatalf("expected 1 live stream before GC")
	}

	removed := m.GC(time.Now().Add(-5 * time.Minute))
	if removed != 1 {
		t.Fatalf("expected 1 stream removed by GC, got %d", removed)
	}
	if m.Len() != 0 {
		t.Fatalf("expected 0 live streams after GC")
	}
}
