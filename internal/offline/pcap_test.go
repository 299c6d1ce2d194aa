package offline

import (
	"bytes"
	"compress/gzip"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// buildPcap serializes a single Ethernet/IPv4/TCP packet carrying payload
// and wraps it in a classic-pcap byte stream, mirroring how a live capture
// device's bytes would arrive at Ingest.
func buildPcap(t *testing.T, srcPort, dstPort layers.TCPPort, flags func(*layers.TCP), payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     1000,
		Ack:     1,
		Window:  65535,
		ACK:     true,
		PSH:     true,
	}
	if flags != nil {
		flags(tcp)
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}

	var pcapBuf bytes.Buffer
	w := pcapgo.NewWriter(&pcapBuf)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("WriteFileHeader: %v", err)
	}
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
	if err := w.WritePacket(ci, buf.Bytes()); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	return pcapBuf.Bytes()
}

func TestDetectFormatClassicPcap(t *testing.T) {
	isNg, err := detectFormat([]byte{0xd4, 0xc3, 0xb2, 0xa1, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("detectFormat: %v", err)
	}
	if isNg {
		t.Fatalf("expected classic pcap magic to be detected as non-NG")
	}
}

func TestDetectFormatPcapNg(t *testing.T) {
	isNg, err := detectFormat([]byte{0x0a, 0x0d, 0x0d, 0x0a, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("detectFormat: %v", err)
	}
	if !isNg {
		t.Fatalf("expected pcapng section header magic to be detected as NG")
	}
}

func TestDetectFormatNanosecondVariant(t *testing.T) {
	isNg, err := detectFormat([]byte{0xa1, 0xb2, 0x3c, 0x4d})
	if err != nil {
		t.Fatalf("detectFormat: %v", err)
	}
	if isNg {
		t.Fatalf("expected nanosecond-resolution pcap magic to be detected as non-NG")
	}
}

func TestDetectFormatUnrecognized(t *testing.T) {
	if _, err := detectFormat([]byte{0, 1, 2, 3}); err == nil {
		t.Fatalf("expected an error for an unrecognized magic number")
	}
}

func TestDetectFormatTooShort(t *testing.T) {
	if _, err := detectFormat([]byte{0xd4}); err == nil {
		t.Fatalf("expected an error for input shorter than the magic number")
	}
}

func TestDecompressIfGzippedPassesThroughPlainInput(t *testing.T) {
	plain := []byte{0xd4, 0xc3, 0xb2, 0xa1, 1, 2, 3}
	out, err := decompressIfGzipped(plain)
	if err != nil {
		t.Fatalf("decompressIfGzipped: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Fatalf("expected ungzipped input to pass through unchanged")
	}
}

func TestDecompressIfGzippedInflatesGzipInput(t *testing.T) {
	payload := []byte{0xd4, 0xc3, 0xb2, 0xa1, 9, 9, 9}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		t.Fatalf("writing gzip fixture: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing gzip fixture: %v", err)
	}

	out, err := decompressIfGzipped(buf.Bytes())
	if err != nil {
		t.Fatalf("decompressIfGzipped: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("expected inflated bytes to match the original payload, got %x", out)
	}
}

// Review comment 3: offline ingest must replay packets through the same
// TLS/HTTP dissection the live Capture Engine applies, not just TCPSummary.
func TestIngestPopulatesHTTPInfoFromReplayedStream(t *testing.T) {
	reqPayload := []byte("GET /status HTTP/1.1\r\nHost: example.com\r\n\r\n")
	pcapBytes := buildPcap(t, 51000, 80, nil, reqPayload)

	packets, _, err := Ingest(bytes.NewReader(pcapBytes))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}

	rec := packets[0]
	if rec.HTTP == nil {
		t.Fatalf("expected HTTPInfo to be populated from the replayed request, got nil")
	}
	if rec.HTTP.Method != "GET" || rec.HTTP.URL != "/status" {
		t.Fatalf("expected GET /status, got %+v", rec.HTTP)
	}
	if rec.AppProtocol != "HTTP" {
		t.Fatalf("expected AppProtocol HTTP, got %q", rec.AppProtocol)
	}
}

func TestIngestPopulatesTLSInfoFromReplayedStream(t *testing.T) {
	tlsRecord := []byte{0x17, 0x03, 0x03, 0x00, 0x05, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	pcapBytes := buildPcap(t, 51001, 443, nil, tlsRecord)

	packets, _, err := Ingest(bytes.NewReader(pcapBytes))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}

	rec := packets[0]
	if rec.TLS == nil {
		t.Fatalf("expected TLSInfo to be populated from the replayed TLS record, got nil")
	}
	if rec.TLS.ContentType != "ApplicationData" {
		t.Fatalf("expected ApplicationData content type, got %q", rec.TLS.ContentType)
	}
	if rec.AppProtocol != "TLS1.2" {
		t.Fatalf("expected AppProtocol TLS1.2, got %q", rec.AppProtocol)
	}
}
