// Package record defines the wire-visible data model: the Packet Record
// handed to subscribers and the sub-records it carries for each layer.
package record

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/netshark-go/netshark/internal/classify"
)

// Transport names the recognized transport-layer protocol of a Packet.
type Transport string

const (
	TransportTCP Transport = "TCP"
	TransportUDP Transport = "UDP"
	TransportIP  Transport = "IP"
)

// AppProtocol names the recognized application-layer protocol of a Packet.
// The zero value means "unset" — no application layer was identified.
type AppProtocol string

const (
	AppUnset AppProtocol = ""
	AppHTTP  AppProtocol = "HTTP"
	AppDNS   AppProtocol = "DNS"
	AppSSH   AppProtocol = "SSH"
	AppMySQL AppProtocol = "MySQL"
	AppRedis AppProtocol = "Redis"
)

// TLSVersionLabel returns the application-protocol label for a recognized
// TLS version, e.g. "TLS1.2".
func TLSVersionLabel(major, minor byte) AppProtocol {
	switch {
	case major == 0x03 && minor == 0x00:
		return "SSL3.0"
	case major == 0x03 && minor == 0x01:
		return "TLS1.0"
	case major == 0x03 && minor == 0x02:
		return "TLS1.1"
	case major == 0x03 && minor == 0x03:
		return "TLS1.2"
	case major == 0x03 && minor == 0x04:
		return "TLS1.3"
	default:
		return AppUnset
	}
}

// TCPInfo is the optional TCP sub-record of a Packet.
type TCPInfo struct {
	Seq              uint32   `json:"seq"`
	Ack              uint32   `json:"ack"`
	Flags            []string `json:"flags"`
	Window           uint16   `json:"window"`
	PayloadLen       int      `json:"payload_len"`
	IsRetransmission bool     `json:"is_retransmission"`
	IsOutOfOrder     bool     `json:"is_out_of_order"`
	Info             string   `json:"info"`
}

// UDPInfo is the optional UDP sub-record of a Packet.
type UDPInfo struct {
	Length int `json:"length"`
}

// HTTPInfo is the optional HTTP sub-record of a Packet.
type HTTPInfo struct {
	Direction string            `json:"direction"` // "request" or "response"
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url,omitempty"`
	Status    int               `json:"status,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body,omitempty"`
}

// TLSInfo is the optional TLS sub-record of a Packet.
type TLSInfo struct {
	Version       AppProtocol `json:"version"`
	ContentType   string      `json:"content_type"`
	RecordLength  int         `json:"record_length"`
	HandshakeType string      `json:"handshake_type,omitempty"`
	SNI           string      `json:"sni,omitempty"`
}

// Packet is the unit emitted to subscribers. Exactly one of TCP/UDP may be
// set, matching the Transport field; HTTP and TLS are populated only when
// the dissector recognized the corresponding application layer.
type Packet struct {
	ID        uint64 `json:"id"`
	Timestamp string `json:"timestamp"`

	SourceIP string `json:"source_ip"`
	DestIP   string `json:"dest_ip"`
	SrcPort  int    `json:"src_port"`
	DstPort  int    `json:"dst_port"`

	Transport   Transport   `json:"transport"`
	AppProtocol AppProtocol `json:"app_protocol,omitempty"`

	// Category is the Traffic Classifier's (C2) authoritative coarse
	// assignment. The live Capture Engine sets it on every attributed
	// packet; offline ingest leaves it unset.
	Category classify.Category `json:"category,omitempty"`

	TotalSize int `json:"total_size"`

	PayloadRaw     []byte `json:"payload_raw,omitempty"`
	PayloadPreview string `json:"payload_preview"`
	PayloadDecoder string `json:"payload_decoder"`
	PayloadHex     string `json:"payload_hex,omitempty"`
	PayloadBase64  string `json:"payload_base64,omitempty"`

	TCP *TCPInfo  `json:"tcp,omitempty"`
	UDP *UDPInfo  `json:"udp,omitempty"`
	HTTP *HTTPInfo `json:"http,omitempty"`
	TLS  *TLSInfo  `json:"tls,omitempty"`

	// StreamID is present iff Transport == TransportTCP. StreamPeer is
	// always serialized and is meaningful only for TCP packets.
	StreamID   uint64 `json:"stream_id,omitempty"`
	StreamPeer int    `json:"stream_peer"`
}

// HasStream reports the §3 invariant: stream_id present iff TCP present.
func (p *Packet) HasStream() bool {
	return p.Transport == TransportTCP
}

// WallClockTimestamp formats t as "HH:MM:SS.mmm" for live capture.
func WallClockTimestamp(t time.Time) string {
	return t.Format("15:04:05.000")
}

// RelativeTimestamp formats an offset from the first packet of an offline
// or remote capture as "<seconds>.<micros>".
func RelativeTimestamp(offset time.Duration) string {
	secs := int64(offset / time.Second)
	micros := int64((offset % time.Second) / time.Microsecond)
	return padMicros(secs, micros)
}

func padMicros(secs, micros int64) string {
	s := strconv.FormatInt(secs, 10) + "."
	m := strconv.FormatInt(micros, 10)
	for len(m) < 6 {
		m = "0" + m
	}
	return s + m
}

// DecodeStrategy applies the lossy-decode cascade from the Design Notes:
// try UTF-8, then Latin-1, then a hex dump, returning which decoder fired.
// It never fails — hex is the universal fallback.
func DecodeStrategy(payload []byte) (text string, decoder string) {
	if len(payload) == 0 {
		return "", "utf-8"
	}
	if utf8.Valid(payload) {
		return string(payload), "utf-8"
	}
	if isLatin1Printable(payload) {
		return latin1ToString(payload), "latin-1"
	}
	return hex.EncodeToString(payload), "hex"
}

func isLatin1Printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
	}
	return true
}

func latin1ToString(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

// Projections fills PayloadPreview/PayloadDecoder/PayloadHex/PayloadBase64
// from raw payload bytes.
func (p *Packet) Projections(payload []byte) {
	p.PayloadRaw = payload
	p.PayloadPreview, p.PayloadDecoder = DecodeStrategy(payload)
	p.PayloadHex = hex.EncodeToString(payload)
	p.PayloadBase64 = base64.StdEncoding.EncodeToString(payload)
}

// MITMRequest is the wire shape of an HTTP(S) request intercepted by the
// MITM Proxy Engine.
type MITMRequest struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Host      string            `json:"host"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body,omitempty"`
	Timestamp string            `json:"timestamp"`
	IsHTTPS   bool              `json:"is_https"`
}

// MITMResponse is the wire shape of the response paired with a MITMRequest.
type MITMResponse struct {
	StatusCode int               `json:"status_code"`
	Reason     string            `json:"reason"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body,omitempty"`
	Timestamp  string            `json:"timestamp"`
}

// MITMTransaction is the wire shape of a completed MITM Transaction (§3
// "MITM Transaction"): unlike an HTTP Transaction reassembled from a TCP
// stream, request and response bodies are guaranteed intact because the
// proxy terminates TLS itself.
type MITMTransaction struct {
	Request    MITMRequest   `json:"request"`
	Response   *MITMResponse `json:"response,omitempty"`
	DurationMS float64       `json:"duration_ms"`
}

// Event is the union wire type delivered through the Subscriber Fan-out:
// either a Packet Record from the capture/offline pipeline, or a MITM
// Transaction from the proxy engine. Exactly one field is set.
type Event struct {
	Packet      *Packet          `json:"packet,omitempty"`
	Transaction *MITMTransaction `json:"transaction,omitempty"`
}
