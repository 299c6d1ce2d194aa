// Package dissect implements the Protocol Dissector (C4): layered
// recognition over a single packet (TCP flags, TLS record + SNI) and,
// where the TCP Stream Manager has buffered data, incremental HTTP
// request/response parsing over the stream buffers.
package dissect

import (
	"strconv"
	"strings"

	"github.com/netshark-go/netshark/internal/tcpstream"
)

// TCPSummary produces the flag mnemonic set and a human-readable Info
// line in the style "<sport> -> <dport> [FLAGS] Seq=N Ack=M Len=K".
func TCPSummary(srcPort, dstPort int, seq, ack uint32, flags tcpstream.Flags, payloadLen int) (mnemonics []string, info string) {
	mnemonics = flags.Mnemonics()

	var sb strings.Builder
	sb.WriteString(strconv.Itoa(srcPort))
	sb.WriteString(" -> ")
	sb.WriteString(strconv.Itoa(dstPort))
	sb.WriteString(" [")
	sb.WriteString(strings.Join(mnemonics, ","))
	sb.WriteString("] Seq=")
	sb.WriteString(strconv.FormatUint(uint64(seq), 10))
	sb.WriteString(" Ack=")
	sb.WriteString(strconv.FormatUint(uint64(ack), 10))
	sb.WriteString(" Len=")
	sb.WriteString(strconv.Itoa(payloadLen))

	return mnemonics, sb.String()
}
