// Package offline implements offline PCAP/PCAPNG ingestion (§6 "Offline
// capture ingest"): replaying a byte stream of captured packets through
// the same stream/dissect pipeline the live Capture Engine uses, and
// returning a Packet array plus Stream summaries.
package offline

import (
	"bytes"
	"encoding/base64"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	gzip "github.com/klauspost/pgzip"
	"github.com/pkg/errors"

	"github.com/netshark-go/netshark/internal/dissect"
	"github.com/netshark-go/netshark/internal/record"
	"github.com/netshark-go/netshark/internal/tcpstream"
)

// Peer is one endpoint of a Stream summary.
type Peer struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StreamPacketRef is one packet's entry within a Stream summary.
type StreamPacketRef struct {
	ID            uint64 `json:"id"`
	Peer          int    `json:"peer"`
	Timestamp     string `json:"timestamp"`
	PayloadSize   int    `json:"payload_size"`
	PayloadBase64 string `json:"payload_base64"`
}

// StreamSummary is one entry of the §6 offline-ingest response.
type StreamSummary struct {
	StreamID    uint64            `json:"stream_id"`
	Peers       [2]Peer           `json:"peers"`
	PacketCount int               `json:"packet_count"`
	TotalBytes  int               `json:"total_bytes"`
	Packets     []StreamPacketRef `json:"packets"`
}

// detectFormat peeks the first 4 bytes to distinguish PCAP from PCAPNG.
// Classic pcap files start with the magic number 0xa1b2c3d4, written in
// either byte order depending on the capturing host's endianness.
// PCAPNG files start with a Section Header Block of type 0x0a0d0d0a,
// which reads identically regardless of endianness.
func detectFormat(b []byte) (isNg bool, err error) {
	if len(b) < 4 {
		return false, errors.New("input too short to be a capture file")
	}

	switch {
	case bytes.Equal(b[:4], []byte{0xa1, 0xb2, 0xc3, 0xd4}),
		bytes.Equal(b[:4], []byte{0xd4, 0xc3, 0xb2, 0xa1}),
		bytes.Equal(b[:4], []byte{0xa1, 0xb2, 0x3c, 0x4d}), // nanosecond-resolution variant
		bytes.Equal(b[:4], []byte{0x4d, 0x3c, 0xb2, 0xa1}):
		return false, nil
	case bytes.Equal(b[:4], []byte{0x0a, 0x0d, 0x0d, 0x0a}):
		return true, nil
	default:
		return false, errors.New("unrecognized capture file magic number")
	}
}

// decompressIfGzipped peeks the gzip magic number (0x1f 0x8b) and, when
// present, transparently inflates buf before format detection — mirroring
// the teacher's use of pgzip to decode gzip-wrapped stream content on read.
func decompressIfGzipped(buf []byte) ([]byte, error) {
	if len(buf) < 2 || buf[0] != 0x1f || buf[1] != 0x8b {
		return buf, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, errors.Wrap(err, "opening gzip-compressed capture")
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "inflating gzip-compressed capture")
	}
	return out, nil
}

// Ingest reads every packet from r (PCAP or PCAPNG, optionally
// gzip-compressed, auto-detected), replays it through a private
// stream/dissect pipeline, and returns the resulting Packet Records and
// per-stream summaries.
func Ingest(r io.Reader) ([]record.Packet, []StreamSummary, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading capture bytes")
	}

	buf, err = decompressIfGzipped(buf)
	if err != nil {
		return nil, nil, err
	}

	isNg, err := detectFormat(buf)
	if err != nil {
		return nil, nil, err
	}

	var src gopacket.PacketDataSource
	var linkType layers.LinkType
	if isNg {
		rdr, err := pcapgo.NewNgReader(bytes.NewReader(buf), pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening pcapng reader")
		}
		src = rdr
		linkType = rdr.LinkType()
	} else {
		rdr, err := pcapgo.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening pcap reader")
		}
		src = rdr
		linkType = rdr.LinkType()
	}

	manager := tcpstream.NewManager(nil)
	httpParsers := make(map[uint64]*dissect.HTTPParser)

	var packets []record.Packet
	streamMeta := make(map[uint64]*StreamSummary)
	var firstTS time.Time
	var nextID uint64

	source := gopacket.NewPacketSource(src, linkType)
	for pkt := range source.Packets() {
		nextID++
		rec, summaryRef := processOffline(pkt, manager, httpParsers, nextID)
		if firstTS.IsZero() {
			firstTS = pkt.Metadata().Timestamp
		}
		rec.Timestamp = record.RelativeTimestamp(pkt.Metadata().Timestamp.Sub(firstTS))
		packets = append(packets, rec)

		if summaryRef != nil {
			sum, ok := streamMeta[rec.StreamID]
			if !ok {
				sum = &StreamSummary{StreamID: rec.StreamID}
				sum.Peers[0] = Peer{Host: summaryRef.minHost, Port: summaryRef.minPort}
				sum.Peers[1] = Peer{Host: summaryRef.maxHost, Port: summaryRef.maxPort}
				streamMeta[rec.StreamID] = sum
			}
			sum.PacketCount++
			sum.TotalBytes += rec.TotalSize
			sum.Packets = append(sum.Packets, StreamPacketRef{
				ID:            rec.ID,
				Peer:          rec.StreamPeer,
				Timestamp:     rec.Timestamp,
				PayloadSize:   len(rec.PayloadRaw),
				PayloadBase64: base64.StdEncoding.EncodeToString(rec.PayloadRaw),
			})
		}
	}

	summaries := make([]StreamSummary, 0, len(streamMeta))
	for _, s := range streamMeta {
		summaries = append(summaries, *s)
	}

	return packets, summaries, nil
}

type streamEndpoints struct {
	minHost string
	minPort int
	maxHost string
	maxPort int
}

// processOffline dissects one packet exactly as the live Capture Engine's
// processPacket/dissectTCP/dissectHTTPIfBuffered do, so an offline ingest
// produces the same TLS/HTTP-populated Packet Records a live session would.
func processOffline(pkt gopacket.Packet, manager *tcpstream.Manager, httpParsers map[uint64]*dissect.HTTPParser, id uint64) (record.Packet, *streamEndpoints) {
	rec := record.Packet{ID: id}

	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		return rec, nil
	}
	srcIP, dstIP := netLayer.NetworkFlow().Endpoints()
	rec.SourceIP, rec.DestIP = srcIP.String(), dstIP.String()
	rec.TotalSize = len(pkt.Data())

	payload := pkt.ApplicationLayer()
	var appPayload []byte
	if payload != nil {
		appPayload = payload.Payload()
	}
	rec.Projections(appPayload)

	tcpIface := pkt.Layer(layers.LayerTypeTCP)
	if tcpIface == nil {
		if udpIface := pkt.Layer(layers.LayerTypeUDP); udpIface != nil {
			udp := udpIface.(*layers.UDP)
			rec.Transport = record.TransportUDP
			rec.SrcPort, rec.DstPort = int(udp.SrcPort), int(udp.DstPort)
			rec.UDP = &record.UDPInfo{Length: int(udp.Length)}
		} else {
			rec.Transport = record.TransportIP
		}
		return rec, nil
	}

	tcp := tcpIface.(*layers.TCP)
	rec.Transport = record.TransportTCP
	rec.SrcPort, rec.DstPort = int(tcp.SrcPort), int(tcp.DstPort)

	srcEP := tcpstream.Endpoint{IP: net.ParseIP(rec.SourceIP), Port: rec.SrcPort}
	dstEP := tcpstream.Endpoint{IP: net.ParseIP(rec.DestIP), Port: rec.DstPort}

	flags := tcpstream.Flags{SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN, RST: tcp.RST, PSH: tcp.PSH, URG: tcp.URG}

	stream, analysis := manager.Process(tcpstream.Segment{
		Src: srcEP, Dst: dstEP, Seq: tcp.Seq, Ack: tcp.Ack, Window: tcp.Window,
		Flags: flags, Payload: tcp.Payload, Timestamp: pkt.Metadata().Timestamp,
	})

	mnemonics, info := dissect.TCPSummary(rec.SrcPort, rec.DstPort, tcp.Seq, tcp.Ack, flags, len(tcp.Payload))
	rec.TCP = &record.TCPInfo{
		Seq: tcp.Seq, Ack: tcp.Ack, Flags: mnemonics, Window: tcp.Window,
		PayloadLen: len(tcp.Payload), IsRetransmission: analysis.IsRetransmission,
		IsOutOfOrder: analysis.IsOutOfOrder, Info: info,
	}

	key, peer := tcpstream.CanonicalKey(srcEP, dstEP)
	rec.StreamID = stream.ID
	rec.StreamPeer = peer

	if len(tcp.Payload) >= 6 {
		if view, ok := dissect.RecognizeTLSRecord(tcp.Payload); ok {
			rec.TLS = &view
			rec.AppProtocol = view.Version
		}
	}

	dissectHTTPIfBuffered(stream, httpParsers, &rec, pkt.Metadata().Timestamp)

	return rec, &streamEndpoints{
		minHost: key.Min.IP.String(), minPort: key.Min.Port,
		maxHost: key.Max.IP.String(), maxPort: key.Max.Port,
	}
}

// dissectHTTPIfBuffered mirrors capture.Engine.dissectHTTPIfBuffered: each
// stream gets its own HTTPParser, keyed by stream ID for the lifetime of
// one Ingest call, so request/response reassembly survives across packets.
func dissectHTTPIfBuffered(stream *tcpstream.Stream, httpParsers map[uint64]*dissect.HTTPParser, rec *record.Packet, ts time.Time) {
	parser, ok := httpParsers[stream.ID]
	if !ok {
		parser = dissect.NewHTTPParser()
		httpParsers[stream.ID] = parser
	}

	outbound, inbound, outLossy, inLossy := stream.BufferSnapshot()

	if !outLossy {
		if n, req := parser.ParseRequest(outbound, stream.ID, ts); req != nil {
			stream.ConsumeOutbound(n)
			rec.AppProtocol = record.AppHTTP
			rec.HTTP = &record.HTTPInfo{
				Direction: "request",
				Method:    req.Method,
				URL:       req.URL,
				Headers:   req.Headers.Map(),
				Body:      req.Body,
			}
		}
	}

	if !inLossy {
		if n, txn := parser.ParseResponse(inbound, stream.ID, ts); txn != nil {
			stream.ConsumeInbound(n)
			rec.AppProtocol = record.AppHTTP
			rec.HTTP = &record.HTTPInfo{
				Direction: "response",
				Status:    txn.Response.Status,
				Reason:    txn.Response.Reason,
				Headers:   txn.Response.Headers.Map(),
				Body:      txn.Response.Body,
			}
		} else if n > 0 {
			stream.ConsumeInbound(n)
		}
	}
}
