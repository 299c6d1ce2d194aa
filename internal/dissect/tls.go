package dissect

import (
	"encoding/binary"

	"github.com/netshark-go/netshark/internal/record"
)

const (
	tlsChangeCipherSpec = 0x14
	tlsAlert            = 0x15
	tlsHandshake        = 0x16
	tlsApplicationData  = 0x17

	minTLSRecordLength = 1
	maxTLSRecordLength = 16640

	clientHelloHandshakeType = 0x01
)

var tlsContentTypeNames = map[byte]string{
	tlsChangeCipherSpec: "ChangeCipherSpec",
	tlsAlert:            "Alert",
	tlsHandshake:        "Handshake",
	tlsApplicationData:  "ApplicationData",
}

var tlsHandshakeTypeNames = map[byte]string{
	0x00: "HelloRequest",
	0x01: "ClientHello",
	0x02: "ServerHello",
	0x0b: "Certificate",
	0x0c: "ServerKeyExchange",
	0x0d: "CertificateRequest",
	0x0e: "ServerHelloDone",
	0x0f: "CertificateVerify",
	0x10: "ClientKeyExchange",
	0x14: "Finished",
}

// RecognizeTLSRecord applies the §4.4 TLS record recognizer rules to a
// segment. ok is false if the segment fails any bound check.
func RecognizeTLSRecord(segment []byte) (view record.TLSInfo, ok bool) {
	if len(segment) < 6 {
		return record.TLSInfo{}, false
	}

	contentType := segment[0]
	switch contentType {
	case tlsChangeCipherSpec, tlsAlert, tlsHandshake, tlsApplicationData:
	default:
		return record.TLSInfo{}, false
	}

	if segment[1] != 0x03 {
		return record.TLSInfo{}, false
	}
	minor := segment[2]
	if minor > 0x04 {
		return record.TLSInfo{}, false
	}

	recordLength := int(binary.BigEndian.Uint16(segment[3:5]))
	if recordLength < minTLSRecordLength || recordLength > maxTLSRecordLength {
		return record.TLSInfo{}, false
	}

	view = record.TLSInfo{
		Version:      record.TLSVersionLabel(0x03, minor),
		ContentType:  tlsContentTypeNames[contentType],
		RecordLength: recordLength,
	}

	if contentType == tlsHandshake && len(segment) >= 6 {
		handshakeType := segment[5]
		if handshakeType > 0x14 {
			return record.TLSInfo{}, false
		}
		view.HandshakeType = tlsHandshakeTypeNames[handshakeType]
		if handshakeType == clientHelloHandshakeType {
			if sni, found := extractSNI(segment); found {
				view.SNI = sni
			}
		}
	}

	return view, true
}

// extractSNI parses a Client Hello to recover the server_name extension.
// Any bound violation aborts extraction silently, returning found=false,
// per §4.4.
func extractSNI(segment []byte) (sni string, found bool) {
	defer func() {
		if r := recover(); r != nil {
			sni, found = "", false
		}
	}()

	// Fixed prefix: record header (5) + handshake header (4) + client
	// version (2) + random (32) = 43 bytes.
	const fixedPrefix = 43
	if len(segment) < fixedPrefix+1 {
		return "", false
	}
	off := fixedPrefix

	sessionIDLen := int(segment[off])
	off++
	off += sessionIDLen
	if off+2 > len(segment) {
		return "", false
	}

	cipherSuitesLen := int(binary.BigEndian.Uint16(segment[off : off+2]))
	off += 2 + cipherSuitesLen
	if off+1 > len(segment) {
		return "", false
	}

	compressionLen := int(segment[off])
	off++
	off += compressionLen
	if off+2 > len(segment) {
		return "", false
	}

	extensionsLen := int(binary.BigEndian.Uint16(segment[off : off+2]))
	off += 2
	extensionsEnd := off + extensionsLen
	if extensionsEnd > len(segment) {
		return "", false
	}

	for off+4 <= extensionsEnd {
		extType := binary.BigEndian.Uint16(segment[off : off+2])
		extLen := int(binary.BigEndian.Uint16(segment[off+2 : off+4]))
		off += 4

		if off+extLen > extensionsEnd {
			return "", false
		}

		if extType == 0x0000 {
			return parseServerNameExtension(segment[off : off+extLen])
		}

		off += extLen
	}

	return "", false
}

func parseServerNameExtension(ext []byte) (string, bool) {
	if len(ext) < 2 {
		return "", false
	}
	serverNameListLen := int(binary.BigEndian.Uint16(ext[0:2]))
	off := 2
	end := off + serverNameListLen
	if end > len(ext) {
		end = len(ext)
	}

	for off+3 <= end {
		nameType := ext[off]
		nameLen := int(binary.BigEndian.Uint16(ext[off+1 : off+3]))
		off += 3
		if off+nameLen > end {
			return "", false
		}
		if nameType == 0x00 {
			return string(ext[off : off+nameLen]), true
		}
		off += nameLen
	}

	return "", false
}
