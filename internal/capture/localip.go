package capture

import (
	"net"
	"strconv"
	"strings"
	"sync"

	gnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
)

// localIPDetector memoizes the "local IP" heuristic for the lifetime of a
// session, per §4.5: enumerate the socket table for target_pid, discard
// loopback/wildcard, prefer 192.168.0.0/16, else take the first
// candidate, else fall back to a configured default.
type localIPDetector struct {
	once    sync.Once
	result  string
	log     *zap.Logger
	fallback string
}

func newLocalIPDetector(fallback string, log *zap.Logger) *localIPDetector {
	return &localIPDetector{fallback: fallback, log: log}
}

func (d *localIPDetector) detect(pid int32) string {
	d.once.Do(func() {
		d.result = d.detectOnce(pid)
	})
	return d.result
}

func (d *localIPDetector) detectOnce(pid int32) string {
	conns, err := gnet.ConnectionsPid("inet", pid)
	if err != nil {
		d.log.Debug("local IP detection: failed to enumerate sockets", zap.Error(err))
		return d.fallback
	}

	_, private192, _ := net.ParseCIDR("192.168.0.0/16")

	var firstCandidate string
	for _, c := range conns {
		ip := c.Laddr.IP
		if ip == "" {
			continue
		}
		parsed := net.ParseIP(ip)
		if parsed == nil {
			continue
		}
		if parsed.IsLoopback() || parsed.IsUnspecified() {
			continue
		}
		if firstCandidate == "" {
			firstCandidate = ip
		}
		if private192.Contains(parsed) {
			return ip
		}
	}

	if firstCandidate != "" {
		return firstCandidate
	}

	return d.fallback
}

// stickySet is the cache of forward 5-tuples observed as outbound, used
// to include their reverse packets even when PID attribution fails on
// the return path. Keyed by the canonical "forward" direction string.
type stickySet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newStickySet() *stickySet {
	return &stickySet{seen: make(map[string]struct{})}
}

func (s *stickySet) markOutbound(srcIP string, srcPort int, dstIP string, dstPort int) {
	key := fiveTupleKey(srcIP, srcPort, dstIP, dstPort)
	s.mu.Lock()
	s.seen[key] = struct{}{}
	s.mu.Unlock()
}

// isReverseOfKnown reports whether (srcIP,srcPort,dstIP,dstPort) is the
// reverse of a previously marked outbound forward tuple.
func (s *stickySet) isReverseOfKnown(srcIP string, srcPort int, dstIP string, dstPort int) bool {
	key := fiveTupleKey(dstIP, dstPort, srcIP, srcPort)
	s.mu.Lock()
	_, ok := s.seen[key]
	s.mu.Unlock()
	return ok
}

func fiveTupleKey(srcIP string, srcPort int, dstIP string, dstPort int) string {
	var sb strings.Builder
	sb.WriteString(srcIP)
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(srcPort))
	sb.WriteString("->")
	sb.WriteString(dstIP)
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(dstPort))
	return sb.String()
}
