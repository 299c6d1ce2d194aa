// Package tcpstream implements the TCP Stream Manager (C3): keyed
// reassembly of bidirectional TCP flows, tracking SEQ/ACK state,
// retransmissions, out-of-order segments, and per-direction byte buffers
// for downstream protocol reassembly.
//
// The locking shape is a map of mutex-guarded Streams behind one outer
// mutex owned by the Manager.
package tcpstream

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netshark-go/netshark/internal/metrics"
)

// State is a TCP Stream's position in the simplified state machine.
type State string

const (
	StateInit         State = "INIT"
	StateSynSent      State = "SYN_SENT"
	StateSynReceived  State = "SYN_RECEIVED"
	StateEstablished  State = "ESTABLISHED"
	StateFinWait      State = "FIN_WAIT"
	StateClosed       State = "CLOSED"
)

// Endpoint is one half of a five-tuple.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) less(o Endpoint) bool {
	if c := compareIP(e.IP, o.IP); c != 0 {
		return c < 0
	}
	return e.Port < o.Port
}

func compareIP(a, b net.IP) int {
	a16, b16 := a.To16(), b.To16()
	for i := range a16 {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Key is the canonical five-tuple identity of a TCP Stream: the unordered
// pair of endpoints, normalized so both directions of traffic map to the
// same key.
type Key struct {
	Min, Max Endpoint
}

// CanonicalKey builds the Key for a segment travelling src -> dst. It
// returns the Key and stream_peer: 0 if src is the canonical "min"
// endpoint, 1 otherwise.
func CanonicalKey(src, dst Endpoint) (Key, int) {
	if src.less(dst) {
		return Key{Min: src, Max: dst}, 0
	}
	return Key{Min: dst, Max: src}, 1
}

// Flags mirrors the TCP header flag bits relevant to the state machine.
type Flags struct {
	SYN, ACK, FIN, RST, PSH, URG bool
}

// Mnemonics returns the flag set in conventional display order, e.g.
// ["SYN","ACK"].
func (f Flags) Mnemonics() []string {
	var out []string
	if f.SYN {
		out = append(out, "SYN")
	}
	if f.ACK {
		out = append(out, "ACK")
	}
	if f.FIN {
		out = append(out, "FIN")
	}
	if f.RST {
		out = append(out, "RST")
	}
	if f.PSH {
		out = append(out, "PSH")
	}
	if f.URG {
		out = append(out, "URG")
	}
	return out
}

const (
	defaultBufferCap   = 1 << 20 // 1 MiB per direction, per spec §5.
	maxSeenSeqEntries  = 1 << 14 // bound on seen_seq, prevents unbounded growth on long streams.
)

// Segment is one observed TCP packet as seen by the Manager.
type Segment struct {
	Src, Dst   Endpoint
	Seq, Ack   uint32
	Window     uint16
	Flags      Flags
	Payload    []byte
	Timestamp  time.Time
}

// Analysis is the per-segment result of Manager.Process.
type Analysis struct {
	IsRetransmission bool
	IsOutOfOrder     bool
}

// Stream is a single TCP flow's reconstructed state. All Streams are
// exclusively owned by the Manager that created them.
type Stream struct {
	mu sync.Mutex

	ID        uint64
	Key       Key
	Initiator Endpoint // the first-seen src endpoint; defines "outbound".

	State     State
	StartTime time.Time
	EndTime   time.Time

	TotalPackets       int
	TotalBytes         int
	Retransmissions    int
	OutOfOrderCount    int
	expectedNextSeqSet bool
	expectedNextSeq    uint32

	seenSeq map[uint32]time.Time

	Outbound     []byte
	Inbound      []byte
	OutboundLossy bool
	InboundLossy  bool

	finSeen map[Endpoint]bool
}

// ExpectedNextSeq returns the stream's expected_next_seq and whether it
// has been set yet (false before any payload segment has been seen).
func (s *Stream) ExpectedNextSeq() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedNextSeq, s.expectedNextSeqSet
}

// SeenSeq reports whether seq has previously been recorded with payload.
func (s *Stream) SeenSeq(seq uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seenSeq[seq]
	return ok
}

// snapshot is a concurrency-safe copy of a Stream's state and counters.
type snapshot struct {
	State           State
	Retransmissions int
	TotalPackets    int
	OutOfOrderCount int
}

func (s *Stream) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{State: s.State, Retransmissions: s.Retransmissions, TotalPackets: s.TotalPackets, OutOfOrderCount: s.OutOfOrderCount}
}

// entry is the stream table's value for one canonical Key; the Stream's
// own mutex guards its state.
type entry struct {
	stream *Stream
}

// Manager owns the full set of live Streams, keyed canonically. It creates
// every Stream and applies every segment to it; callers reach a Stream
// through Process's return value or Lookup, and the dissector trims its
// buffers through ConsumeOutbound/ConsumeInbound.
type Manager struct {
	mu      sync.Mutex
	streams map[Key]*entry
	nextID  uint64
	log     *zap.Logger

	bufferCap int
}

// NewManager constructs an empty stream table.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		streams:   make(map[Key]*entry),
		log:       log.Named("tcpstream"),
		bufferCap: defaultBufferCap,
	}
}

// SetBufferCap overrides the default 1 MiB per-direction buffer cap; used
// by tests to exercise the overflow path without allocating megabytes.
func (m *Manager) SetBufferCap(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferCap = n
}

// Process applies one Segment to the owning Stream, creating it on first
// sight, and returns the Stream and the per-segment Analysis.
func (m *Manager) Process(seg Segment) (*Stream, Analysis) {
	key, _ := CanonicalKey(seg.Src, seg.Dst)

	m.mu.Lock()
	e, ok := m.streams[key]
	if !ok {
		m.nextID++
		e = &entry{stream: &Stream{
			ID:        m.nextID,
			Key:       key,
			Initiator: seg.Src,
			State:     StateInit,
			StartTime: seg.Timestamp,
			seenSeq:   make(map[uint32]time.Time),
			finSeen:   make(map[Endpoint]bool),
		}}
		m.streams[key] = e
		metrics.StreamsOpened.Inc()
	}
	bufCap := m.bufferCap
	m.mu.Unlock()

	s := e.stream
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TotalPackets++

	s.transitionLocked(seg)

	var analysis Analysis
	hasPayload := len(seg.Payload) > 0

	if hasPayload {
		if _, seen := s.seenSeq[seg.Seq]; seen {
			analysis.IsRetransmission = true
			s.Retransmissions++
			metrics.Retransmissions.Inc()
		} else {
			if len(s.seenSeq) < maxSeenSeqEntries {
				s.seenSeq[seg.Seq] = seg.Timestamp
			}
		}

		if s.expectedNextSeqSet && seg.Seq < s.expectedNextSeq {
			analysis.IsOutOfOrder = true
			s.OutOfOrderCount++
		}

		if !analysis.IsRetransmission {
			s.expectedNextSeq = seg.Seq + uint32(len(seg.Payload))
			s.expectedNextSeqSet = true

			outbound := seg.Src.IP.Equal(s.Initiator.IP) && seg.Src.Port == s.Initiator.Port
			if outbound {
				s.appendLocked(&s.Outbound, &s.OutboundLossy, seg.Payload, bufCap)
			} else {
				s.appendLocked(&s.Inbound, &s.InboundLossy, seg.Payload, bufCap)
			}
		}

		s.TotalBytes += len(seg.Payload)
	}

	return s, analysis
}

// transitionLocked applies the spec §4.3 state machine. s.mu must be held.
func (s *Stream) transitionLocked(seg Segment) {
	f := seg.Flags
	switch {
	case f.SYN && !f.ACK:
		s.State = StateSynSent
	case f.SYN && f.ACK:
		s.State = StateSynReceived
	case f.RST:
		s.State = StateClosed
		s.EndTime = seg.Timestamp
	case f.FIN:
		s.finSeen[seg.Src] = true
		if s.finSeen[s.Key.Min] && s.finSeen[s.Key.Max] {
			s.State = StateClosed
			s.EndTime = seg.Timestamp
		} else {
			s.State = StateFinWait
		}
	case f.ACK && (s.State == StateSynSent || s.State == StateSynReceived || s.State == StateInit):
		s.State = StateEstablished
	}
}

// appendLocked grows buf with payload, dropping the oldest prefix and
// flagging lossy on overflow per spec §4.3. s.mu must be held by the caller.
func (s *Stream) appendLocked(buf *[]byte, lossy *bool, payload []byte, cap int) {
	*buf = append(*buf, payload...)
	if len(*buf) > cap {
		overflow := len(*buf) - cap
		*buf = (*buf)[overflow:]
		*lossy = true
	}
}

// ConsumeOutbound removes the first n bytes of the outbound buffer,
// called by the dissector once a complete HTTP message has been parsed.
func (s *Stream) ConsumeOutbound(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.Outbound) {
		n = len(s.Outbound)
	}
	s.Outbound = s.Outbound[n:]
}

// ConsumeInbound removes the first n bytes of the inbound buffer.
func (s *Stream) ConsumeInbound(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.Inbound) {
		n = len(s.Inbound)
	}
	s.Inbound = s.Inbound[n:]
}

// BufferSnapshot returns read-only copies of the outbound/inbound buffers
// and their lossy flags, for dissection without holding the stream lock.
func (s *Stream) BufferSnapshot() (outbound, inbound []byte, outLossy, inLossy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outbound = append([]byte(nil), s.Outbound...)
	inbound = append([]byte(nil), s.Inbound...)
	return outbound, inbound, s.OutboundLossy, s.InboundLossy
}

// Snapshot exposes a concurrency-safe copy of the Stream's scalar state.
func (s *Stream) Snapshot() (state State, start, end time.Time, totalPackets, totalBytes, retrans, ooo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State, s.StartTime, s.EndTime, s.TotalPackets, s.TotalBytes, s.Retransmissions, s.OutOfOrderCount
}

// GC removes CLOSED streams whose EndTime is before olderThan,
// returning the number of streams removed. Called periodically by the
// Capture Engine per the §5 resource ceilings.
func (m *Manager) GC(olderThan time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.streams {
		e.stream.mu.Lock()
		closed := e.stream.State == StateClosed && e.stream.EndTime.Before(olderThan) && !e.stream.EndTime.IsZero()
		e.stream.mu.Unlock()
		if closed {
			delete(m.streams, k)
			removed++
			metrics.StreamsClosed.Inc()
		}
	}
	return removed
}

// Len returns the number of live streams.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Lookup returns the Stream for a canonical Key, if present.
func (m *Manager) Lookup(k Key) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[k]
	if !ok {
		return nil, false
	}
	return e.stream, true
}
