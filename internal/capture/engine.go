// Package capture implements the Capture Engine (C5): owns the sniffing
// goroutine, applies BPF + IP + PID filters, orchestrates the Port/PID
// Resolver, Traffic Classifier, TCP Stream Manager and Protocol
// Dissector, and emits per-packet structured Packet Records to the
// Subscriber Fan-out.
package capture

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/netshark-go/netshark/internal/classify"
	"github.com/netshark-go/netshark/internal/dissect"
	"github.com/netshark-go/netshark/internal/metrics"
	"github.com/netshark-go/netshark/internal/portmap"
	"github.com/netshark-go/netshark/internal/record"
	"github.com/netshark-go/netshark/internal/tcpstream"
)

// SessionRequest is the inbound session-control message from §6.
type SessionRequest struct {
	TargetPID    int32  `json:"target_pid"`
	DBFilter     string `json:"db_filter"`
	ServerFilter string `json:"server_filter"`
}

// DefaultDBFilter is the default db_filter per §6.
const DefaultDBFilter = "3306,6379,5432"

// OnPacket is the per-packet callback handed to Start.
type OnPacket func(record.Packet)

// Engine owns one capture session's lifecycle.
type Engine struct {
	log *zap.Logger

	device    string
	localIPFallback string
	debug     bool

	resolver   *portmap.Resolver
	classifier *classify.Classifier
	streams    *tcpstream.Manager
	httpParsers sync.Map // stream key string -> *dissect.HTTPParser

	localIP *localIPDetector
	sticky  *stickySet

	nextID atomic.Uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	handle *pcap.Handle
}

// NewEngine constructs an Engine bound to a capture device (an interface
// name for live capture). When debug is set, a dissection panic dumps the
// offending packet's capture metadata via spew before recovering, matching
// the teacher's debug-gated audit-record dump.
func NewEngine(device, localIPFallback string, debug bool, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("capture")
	return &Engine{
		log:             log,
		device:          device,
		localIPFallback: localIPFallback,
		debug:           debug,
		resolver:        portmap.NewResolver(log),
		streams:         tcpstream.NewManager(log),
		sticky:          newStickySet(),
	}
}

// BuildBPF constructs the capture filter per §4.5: "(tcp or udp)"
// optionally AND-combined with "host <ip>" disjunctions from serverIPs.
func BuildBPF(serverIPs []string) string {
	base := "(tcp or udp)"
	var hosts []string
	for _, ip := range serverIPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		hosts = append(hosts, fmt.Sprintf("host %s", ip))
	}
	if len(hosts) == 0 {
		return base
	}
	return base + " and (" + strings.Join(hosts, " or ") + ")"
}

// Start opens the capture device, resolves the initial Port/PID snapshot,
// and begins dispatching Packet Records to onPacket. It is fatal-to-the-
// session (per §7) if the device cannot be opened.
func (e *Engine) Start(req SessionRequest, onPacket OnPacket) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.New("capture session already running")
	}
	if req.TargetPID <= 0 {
		return errors.Errorf("invalid target_pid: %d", req.TargetPID)
	}

	dbFilter := req.DBFilter
	if dbFilter == "" {
		dbFilter = DefaultDBFilter
	}
	e.classifier = classify.New(dbFilter, e.log)
	e.localIP = newLocalIPDetector(e.localIPFallback, e.log)
	e.resolver.Refresh()

	var serverIPs []string
	if req.ServerFilter != "" {
		serverIPs = strings.Split(req.ServerFilter, ",")
	}
	bpf := BuildBPF(serverIPs)

	handle, err := pcap.OpenLive(e.device, 65536, true, pcap.BlockForever)
	if err != nil {
		return errors.Wrap(err, "failed to open capture device")
	}
	if err := handle.SetBPFFilter(bpf); err != nil {
		handle.Close()
		return errors.Wrap(err, "failed to compile BPF filter")
	}
	e.handle = handle

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go e.sniffLoop(ctx, req.TargetPID, onPacket)

	return nil
}

// Stop idempotently tears down the session, joining the sniff goroutine
// with a bounded timeout per §5.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	handle := e.handle
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if handle != nil {
		handle.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		e.log.Warn("capture goroutine did not exit within the join timeout")
	}
}

func (e *Engine) sniffLoop(ctx context.Context, targetPID int32, onPacket OnPacket) {
	defer e.wg.Done()

	source := gopacket.NewPacketSource(e.handle, e.handle.LinkType())
	packets := source.Packets()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			rec, belongs := e.processPacketRecovering(pkt, targetPID)
			if !belongs {
				continue
			}
			metrics.PacketsProcessed.Inc()
			onPacket(rec)
		}
	}
}

// processPacketRecovering wraps processPacket with the teacher's
// debug-gated recover-and-dump idiom, so a dissection bug on one
// malformed packet degrades to a dropped packet instead of killing the
// sniff goroutine.
func (e *Engine) processPacketRecovering(pkt gopacket.Packet, targetPID int32) (rec record.Packet, belongs bool) {
	if e.debug {
		defer func() {
			if r := recover(); r != nil {
				spew.Dump(pkt.Metadata().CaptureInfo)
				e.log.Error("recovered from panic while dissecting packet", zap.Any("panic", r))
				rec, belongs = record.Packet{}, false
			}
		}()
	}
	return e.processPacket(pkt, targetPID)
}

// processPacket dissects a single gopacket.Packet, applies PID
// attribution, and returns the resulting Packet Record. belongs is false
// if the packet should be discarded silently per §4.5.
func (e *Engine) processPacket(pkt gopacket.Packet, targetPID int32) (record.Packet, bool) {
	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		return record.Packet{}, false
	}
	srcIP, dstIP := netLayer.NetworkFlow().Endpoints()

	var (
		transport record.Transport
		srcPort, dstPort int
		tcpLayer *layers.TCP
		udpLayer *layers.UDP
	)

	if tl := pkt.Layer(layers.LayerTypeTCP); tl != nil {
		tcpLayer = tl.(*layers.TCP)
		transport = record.TransportTCP
		srcPort = int(tcpLayer.SrcPort)
		dstPort = int(tcpLayer.DstPort)
	} else if ul := pkt.Layer(layers.LayerTypeUDP); ul != nil {
		udpLayer = ul.(*layers.UDP)
		transport = record.TransportUDP
		srcPort = int(udpLayer.SrcPort)
		dstPort = int(udpLayer.DstPort)
	} else {
		transport = record.TransportIP
	}

	if !e.belongsToPID(srcIP.String(), dstIP.String(), srcPort, dstPort, targetPID) {
		return record.Packet{}, false
	}

	ts := pkt.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	rec := record.Packet{
		ID:        e.nextID.Add(1),
		Timestamp: record.WallClockTimestamp(ts),
		SourceIP:  srcIP.String(),
		DestIP:    dstIP.String(),
		SrcPort:   srcPort,
		DstPort:   dstPort,
		Transport: transport,
	}

	isOutbound := e.isOutbound(srcPort, dstPort, targetPID)
	rec.Category = e.classifier.Classify(dstPort, isOutbound)

	payload := pkt.ApplicationLayer()
	var appPayload []byte
	if payload != nil {
		appPayload = payload.Payload()
	}
	rec.TotalSize = len(pkt.Data())
	rec.Projections(appPayload)

	switch transport {
	case record.TransportTCP:
		e.dissectTCP(pkt, tcpLayer, srcIP.String(), dstIP.String(), &rec)
		e.sticky.markOutbound(srcIP.String(), srcPort, dstIP.String(), dstPort)
	case record.TransportUDP:
		rec.UDP = &record.UDPInfo{Length: int(udpLayer.Length)}
	}

	return rec, true
}

func (e *Engine) belongsToPID(srcIP, dstIP string, srcPort, dstPort int, pid int32) bool {
	snap := e.resolver.Current()
	if snap.BelongsTo(srcPort, pid) || snap.BelongsTo(dstPort, pid) {
		return true
	}
	localIP := e.localIP.detect(pid)
	if localIP != "" && (srcIP == localIP || dstIP == localIP) {
		return true
	}
	return e.sticky.isReverseOfKnown(srcIP, srcPort, dstIP, dstPort)
}

func (e *Engine) isOutbound(srcPort, dstPort int, pid int32) bool {
	return e.resolver.Current().BelongsTo(srcPort, pid)
}

func (e *Engine) dissectTCP(pkt gopacket.Packet, tcp *layers.TCP, srcIP, dstIP string, rec *record.Packet) {
	srcEP := tcpstream.Endpoint{IP: net.ParseIP(srcIP), Port: int(tcp.SrcPort)}
	dstEP := tcpstream.Endpoint{IP: net.ParseIP(dstIP), Port: int(tcp.DstPort)}

	flags := tcpstream.Flags{SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN, RST: tcp.RST, PSH: tcp.PSH, URG: tcp.URG}

	seg := tcpstream.Segment{
		Src: srcEP, Dst: dstEP,
		Seq: tcp.Seq, Ack: tcp.Ack,
		Window: tcp.Window,
		Flags:  flags,
		Payload: tcp.Payload,
		Timestamp: time.Now(),
	}

	stream, analysis := e.streams.Process(seg)

	mnemonics, info := dissect.TCPSummary(int(tcp.SrcPort), int(tcp.DstPort), tcp.Seq, tcp.Ack, flags, len(tcp.Payload))

	rec.TCP = &record.TCPInfo{
		Seq: tcp.Seq, Ack: tcp.Ack,
		Flags: mnemonics, Window: tcp.Window,
		PayloadLen:       len(tcp.Payload),
		IsRetransmission: analysis.IsRetransmission,
		IsOutOfOrder:     analysis.IsOutOfOrder,
		Info:             info,
	}

	_, peer := tcpstream.CanonicalKey(srcEP, dstEP)
	rec.StreamID = stream.ID
	rec.StreamPeer = peer

	if len(tcp.Payload) >= 6 {
		if view, ok := dissect.RecognizeTLSRecord(tcp.Payload); ok {
			rec.TLS = &view
			rec.AppProtocol = view.Version
		}
	}

	e.dissectHTTPIfBuffered(stream, rec)
}

func (e *Engine) dissectHTTPIfBuffered(stream *tcpstream.Stream, rec *record.Packet) {
	key := strconv.FormatUint(stream.ID, 10)
	parserIface, _ := e.httpParsers.LoadOrStore(key, dissect.NewHTTPParser())
	parser := parserIface.(*dissect.HTTPParser)

	outbound, inbound, outLossy, inLossy := stream.BufferSnapshot()

	if !outLossy {
		if n, req := parser.ParseRequest(outbound, stream.ID, time.Now()); req != nil {
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
		if n, txn := parser.ParseResponse(inbound, stream.ID, time.Now()); txn != nil {
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
			e.log.Debug("no matching request for response", zap.Uint64("stream_id", stream.ID))
		}
	}
}

// GCStreams runs the stream-table garbage collector per §5; callers
// invoke it periodically (e.g. from a ticker in the owning process).
func (e *Engine) GCStreams(idleFor time.Duration) int {
	return e.streams.GC(time.Now().Add(-idleFor))
}
