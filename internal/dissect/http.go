package dissect

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request is a parsed HTTP request, per §3 HTTP Message.
type Request struct {
	Method    string
	URL       string
	Version   string
	Headers   OrderedHeaders
	Body      []byte
	Timestamp time.Time
	StreamID  uint64
	IsRetry   bool
}

// Response is a parsed HTTP response, per §3 HTTP Message.
type Response struct {
	Version   string
	Status    int
	Reason    string
	Headers   OrderedHeaders
	Body      []byte
	Timestamp time.Time
	StreamID  uint64
}

// Transaction pairs a Request with its Response, per §3 HTTP Transaction.
type Transaction struct {
	Request    Request
	Response   *Response
	DurationMS float64
}

// OrderedHeaders is a case-insensitive-lookup, insertion-ordered header
// map, matching the §3 "ordered mapping, case-insensitive lookup" shape.
type OrderedHeaders struct {
	keys   []string
	values map[string]string // keyed by lower-cased header name
	orig   map[string]string // lower-cased -> as-written casing
}

func newOrderedHeaders() OrderedHeaders {
	return OrderedHeaders{values: make(map[string]string), orig: make(map[string]string)}
}

// Set records a header, preserving first-seen casing and order.
func (h *OrderedHeaders) Set(key, value string) {
	lower := strings.ToLower(key)
	if _, exists := h.values[lower]; !exists {
		h.keys = append(h.keys, lower)
		h.orig[lower] = key
	}
	h.values[lower] = value
}

// Get performs a case-insensitive lookup.
func (h OrderedHeaders) Get(key string) (string, bool) {
	v, ok := h.values[strings.ToLower(key)]
	return v, ok
}

// Map returns the headers as as-written-key -> value. A Go map keeps no
// order, so the insertion order of the headers is not preserved.
func (h OrderedHeaders) Map() map[string]string {
	out := make(map[string]string, len(h.keys))
	for _, lower := range h.keys {
		out[h.orig[lower]] = h.values[lower]
	}
	return out
}

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "HEAD": true,
	"OPTIONS": true, "PATCH": true, "CONNECT": true, "TRACE": true,
}

// HTTPParser incrementally extracts HTTP requests and responses from the
// outbound/inbound buffers of a single TCP Stream, pairs them FIFO, and
// applies the 5-second retry heuristic. One HTTPParser per stream_id.
type HTTPParser struct {
	mu sync.Mutex

	pending []Request // unpaired requests, FIFO

	retryHistory map[string][]time.Time // URL -> recent request timestamps
}

// NewHTTPParser constructs an empty per-stream parser.
func NewHTTPParser() *HTTPParser {
	return &HTTPParser{retryHistory: make(map[string][]time.Time)}
}

const retryWindow = 5 * time.Second
const retryHistoryCap = 10

// ParseRequest attempts to extract one complete request from buf (the
// stream's outbound buffer). It returns the consumed byte count (0 if no
// complete request is yet present) and the Request if one was extracted.
func (p *HTTPParser) ParseRequest(buf []byte, streamID uint64, now time.Time) (consumed int, req *Request) {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return 0, nil
	}

	lines := strings.Split(string(buf[:headerEnd]), "\r\n")
	if len(lines) == 0 {
		return 0, nil
	}

	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 || !httpMethods[parts[0]] || !strings.HasPrefix(parts[2], "HTTP/") {
		return 0, nil
	}

	headers := newOrderedHeaders()
	for _, line := range lines[1:] {
		k, v, ok := splitHeaderLine(line)
		if ok {
			headers.Set(k, v)
		}
	}

	bodyStart := headerEnd + 4
	contentLength, hasCL := contentLengthOf(headers)

	var bodyEnd int
	if hasCL {
		if len(buf) < bodyStart+contentLength {
			return 0, nil // incomplete body, wait for more data
		}
		bodyEnd = bodyStart + contentLength
	} else {
		bodyEnd = bodyStart // no Content-Length: body length is 0 per §3.
	}

	body := append([]byte(nil), buf[bodyStart:bodyEnd]...)

	r := Request{
		Method:    parts[0],
		URL:       parts[1],
		Version:   parts[2],
		Headers:   headers,
		Body:      body,
		Timestamp: now,
		StreamID:  streamID,
	}

	p.mu.Lock()
	r.IsRetry = p.checkRetryLocked(r.URL, now)
	p.pending = append(p.pending, r)
	p.mu.Unlock()

	return bodyEnd, &r
}

// ParseResponse attempts to extract one complete response from buf (the
// stream's inbound buffer) and pairs it FIFO with the oldest unpaired
// request, yielding a Transaction.
func (p *HTTPParser) ParseResponse(buf []byte, streamID uint64, now time.Time) (consumed int, txn *Transaction) {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return 0, nil
	}

	lines := strings.Split(string(buf[:headerEnd]), "\r\n")
	if len(lines) == 0 {
		return 0, nil
	}

	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, nil
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, nil
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	headers := newOrderedHeaders()
	for _, line := range lines[1:] {
		k, v, ok := splitHeaderLine(line)
		if ok {
			headers.Set(k, v)
		}
	}

	bodyStart := headerEnd + 4
	contentLength, hasCL := contentLengthOf(headers)

	var bodyEnd int
	if hasCL {
		if len(buf) < bodyStart+contentLength {
			return 0, nil
		}
		bodyEnd = bodyStart + contentLength
	} else {
		bodyEnd = bodyStart
	}

	body := append([]byte(nil), buf[bodyStart:bodyEnd]...)

	resp := Response{
		Version:   parts[0],
		Status:    status,
		Reason:    reason,
		Headers:   headers,
		Body:      body,
		Timestamp: now,
		StreamID:  streamID,
	}

	p.mu.Lock()
	var req *Request
	if len(p.pending) > 0 {
		req = &p.pending[0]
		p.pending = p.pending[1:]
	}
	p.mu.Unlock()

	if req == nil {
		// No pending request to pair with: no Transaction is returned, but
		// the consumed count is, so the caller can drop the response bytes.
		return bodyEnd, nil
	}

	durationMS := resp.Timestamp.Sub(req.Timestamp).Seconds() * 1000

	return bodyEnd, &Transaction{Request: *req, Response: &resp, DurationMS: durationMS}
}

// checkRetryLocked implements the 5-second/10-item retry heuristic.
// p.mu must be held.
func (p *HTTPParser) checkRetryLocked(url string, now time.Time) bool {
	hist := p.retryHistory[url]

	isRetry := false
	for _, t := range hist {
		if now.Sub(t) <= retryWindow {
			isRetry = true
			break
		}
	}

	hist = append(hist, now)
	if len(hist) > retryHistoryCap {
		hist = hist[len(hist)-retryHistoryCap:]
	}
	p.retryHistory[url] = hist

	return isRetry
}

func splitHeaderLine(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func contentLengthOf(h OrderedHeaders) (int, bool) {
	v, ok := h.Get("Content-Length")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}
