// Package mitm implements the MITM Proxy Engine (C6): a TCP proxy that
// terminates TLS with a local CA and correlates each intercepted request
// with its response into a Transaction.
package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/netshark-go/netshark/internal/metrics"
	"github.com/netshark-go/netshark/internal/record"
)

// Request mirrors the Python source's HttpsRequest dataclass.
type Request struct {
	Method    string
	URL       string
	Host      string
	Path      string
	Headers   http.Header
	Body      []byte
	Timestamp time.Time
	IsHTTPS   bool
}

// Response mirrors HttpsResponse.
type Response struct {
	StatusCode int
	Reason     string
	Headers    http.Header
	Body       []byte
	Timestamp  time.Time
}

// Transaction mirrors HttpsTransaction.
type Transaction struct {
	Request    Request
	Response   *Response
	DurationMS float64
}

// OnTransaction is invoked once per completed request/response pair.
type OnTransaction func(Transaction)

// ToRecord converts t into its wire shape for delivery through the same
// Subscriber Fan-out the Capture Engine feeds, per the Data flow in §1
// ("Independently, C6 accepts HTTPS flows, produces transactions, and
// feeds the same C7").
func (t Transaction) ToRecord() record.MITMTransaction {
	out := record.MITMTransaction{
		Request: record.MITMRequest{
			Method:    t.Request.Method,
			URL:       t.Request.URL,
			Host:      t.Request.Host,
			Path:      t.Request.Path,
			Headers:   flattenHeaders(t.Request.Headers),
			Body:      t.Request.Body,
			Timestamp: record.WallClockTimestamp(t.Request.Timestamp),
			IsHTTPS:   t.Request.IsHTTPS,
		},
		DurationMS: t.DurationMS,
	}
	if t.Response != nil {
		out.Response = &record.MITMResponse{
			StatusCode: t.Response.StatusCode,
			Reason:     t.Response.Reason,
			Headers:    flattenHeaders(t.Response.Headers),
			Body:       t.Response.Body,
			Timestamp:  record.WallClockTimestamp(t.Response.Timestamp),
		}
	}
	return out
}

// flattenHeaders collapses a net/http.Header's multi-value lists into the
// single-valued mapping the Packet Record's HTTP sub-record uses,
// joining repeated values with ", ".
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// Engine is the MITM proxy's accept loop owner.
type Engine struct {
	log        *zap.Logger
	issuer     CertIssuer
	insecure   bool // mirrors the source's ssl_insecure flag; off by default.

	mu      sync.Mutex
	running bool
	ln      net.Listener
	wg      sync.WaitGroup

	pending sync.Map // flow id -> Request
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithInsecureUpstream reproduces the source's ssl_insecure=true default
// as a documented, off-by-default option rather than a silent default.
func WithInsecureUpstream() Option {
	return func(e *Engine) { e.insecure = true }
}

// NewEngine constructs a proxy Engine backed by issuer for leaf
// certificate issuance.
func NewEngine(issuer CertIssuer, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{issuer: issuer, log: log.Named("mitm")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start binds port and begins accepting connections, dispatching
// completed Transactions to onTxn.
func (e *Engine) Start(port string, onTxn OnTransaction) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("mitm engine already running")
	}

	ln, err := net.Listen("tcp", port)
	if err != nil {
		e.mu.Unlock()
		return errors.Wrap(err, "failed to bind mitm listener")
	}
	e.ln = ln
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.acceptLoop(onTxn)

	return nil
}

// Stop closes the listener and joins the accept loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	ln := e.ln
	e.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	e.wg.Wait()
}

func (e *Engine) acceptLoop(onTxn OnTransaction) {
	defer e.wg.Done()

	for {
		conn, err := e.ln.Accept()
		if err != nil {
			if !e.isRunning() {
				return
			}
			e.log.Warn("mitm accept error", zap.Error(err))
			continue
		}
		go e.handleConn(conn, onTxn)
	}
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// handleConn services one client connection: either a plain HTTP request
// or a CONNECT tunnel that is terminated locally with a leaf cert.
func (e *Engine) handleConn(conn net.Conn, onTxn OnTransaction) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			e.log.Debug("failed to read client request", zap.Error(err))
		}
		return
	}

	if req.Method == http.MethodConnect {
		e.handleConnect(conn, req, onTxn)
		return
	}

	e.handlePlainHTTP(conn, req, onTxn, false)
}

func (e *Engine) handleConnect(conn net.Conn, req *http.Request, onTxn OnTransaction) {
	host := req.URL.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = host + ":443"
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		e.log.Debug("failed to ack CONNECT", zap.Error(err))
		return
	}

	hostOnly, _, _ := net.SplitHostPort(host)
	cert, err := e.issuer.IssueLeaf(hostOnly)
	if err != nil {
		e.log.Warn("failed to issue leaf certificate", zap.String("host", hostOnly), zap.Error(err))
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	defer tlsConn.Close()

	if err := tlsConn.Handshake(); err != nil {
		e.log.Debug("tls handshake with client failed", zap.Error(err))
		return
	}

	br := bufio.NewReader(tlsConn)
	for {
		inner, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		inner.URL.Scheme = "https"
		inner.URL.Host = hostOnly
		e.handlePlainHTTP(tlsConn, inner, onTxn, true)
	}
}

func (e *Engine) handlePlainHTTP(conn net.Conn, req *http.Request, onTxn OnTransaction, isHTTPS bool) {
	flowID := newFlowID()

	body, _ := io.ReadAll(req.Body)
	req.Body.Close()

	scheme := "http"
	if isHTTPS {
		scheme = "https"
	}
	url := scheme + "://" + req.Host + req.URL.RequestURI()

	e.pending.Store(flowID, Request{
		Method: req.Method, URL: url, Host: req.Host, Path: req.URL.Path,
		Headers: req.Header, Body: body, Timestamp: time.Now(), IsHTTPS: isHTTPS,
	})

	outReq := req.Clone(context.Background())
	outReq.RequestURI = ""
	outReq.Body = io.NopCloser(strings.NewReader(string(body)))

	resp, err := e.upstreamTransport().RoundTrip(outReq)
	if err != nil {
		e.log.Debug("upstream round trip failed", zap.Error(err))
		e.pending.Delete(flowID)
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	e.emitTransaction(flowID, resp.StatusCode, reasonPhrase(resp.Status), resp.Header, respBody, onTxn)

	resp.Body = io.NopCloser(strings.NewReader(string(respBody)))
	if err := resp.Write(conn); err != nil {
		e.log.Debug("failed to relay response to client", zap.Error(err))
	}
}

// upstreamTransport returns the RoundTripper used to forward requests to
// the original authority. insecure mirrors the source's ssl_insecure
// flag; it stays false (full certificate validation) unless the engine
// was built WithInsecureUpstream.
func (e *Engine) upstreamTransport() http.RoundTripper {
	if !e.insecure {
		return http.DefaultTransport
	}
	return &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
}

func reasonPhrase(status string) string {
	parts := strings.SplitN(status, " ", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}

func (e *Engine) emitTransaction(flowID string, status int, reason string, headers http.Header, body []byte, onTxn OnTransaction) {
	v, ok := e.pending.LoadAndDelete(flowID)
	if !ok {
		e.log.Warn("no matching request for response", zap.String("flow_id", flowID))
		return
	}
	req := v.(Request)

	resp := Response{
		StatusCode: status,
		Reason:     reason,
		Headers:    headers,
		Body:       body,
		Timestamp:  time.Now(),
	}

	durationMS := resp.Timestamp.Sub(req.Timestamp).Seconds() * 1000

	metrics.MITMTransactions.Inc()
	onTxn(Transaction{Request: req, Response: &resp, DurationMS: durationMS})
}

var flowIDCounter struct {
	sync.Mutex
	n uint64
}

// newFlowID generates a process-unique flow identity, standing in for
// the source's id(flow)-keyed pending map.
func newFlowID() string {
	flowIDCounter.Lock()
	flowIDCounter.n++
	id := flowIDCounter.n
	flowIDCounter.Unlock()
	return strings.Join([]string{"flow", strconv.FormatUint(id, 10)}, "-")
}
