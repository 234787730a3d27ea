package icap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Server accepts ICAP connections and drives each through its transaction
// loop. One goroutine serves one connection; the only cross-connection state
// is the read-only service Registry and the stats counters.
type Server struct {
	Addr           string
	Registry       *Registry
	MaxHeaderBytes int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger

	stats serverStats
}

type serverStats struct {
	connsTotal  atomic.Uint64
	connsActive atomic.Int64
	txTotal     atomic.Uint64
	txErrors    atomic.Uint64
}

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	ConnsTotal   uint64 `json:"conns_total"`
	ConnsActive  int64  `json:"conns_active"`
	Transactions uint64 `json:"transactions"`
	Errors       uint64 `json:"errors"`
}

// Stats returns a snapshot of the server's counters.
func (srv *Server) Stats() Stats {
	return Stats{
		ConnsTotal:   srv.stats.connsTotal.Load(),
		ConnsActive:  srv.stats.connsActive.Load(),
		Transactions: srv.stats.txTotal.Load(),
		Errors:       srv.stats.txErrors.Load(),
	}
}

func (srv *Server) logger() *slog.Logger {
	if srv.Logger != nil {
		return srv.Logger
	}
	return slog.Default()
}

// ListenAndServe listens on srv.Addr and serves until ctx is canceled.
func (srv *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is canceled, handling each on
// its own goroutine.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		rwc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				srv.logger().Warn("accept error", "err", err)
				continue
			}
		}
		go srv.newConn(rwc).serve(ctx)
	}
}

// conn is one accepted connection's session state.
type conn struct {
	srv *Server
	rwc net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer
	log *slog.Logger
}

func (srv *Server) newConn(rwc net.Conn) *conn {
	id := uuid.New().String()[:8]
	return &conn{
		srv: srv,
		rwc: rwc,
		br:  bufio.NewReader(rwc),
		bw:  bufio.NewWriter(rwc),
		log: srv.logger().With("conn_id", id, "remote", rwc.RemoteAddr().String()),
	}
}

// serve runs the connection's transaction loop: read a request, dispatch it,
// then either loop for the next pipelined transaction or close.
func (c *conn) serve(ctx context.Context) {
	c.srv.stats.connsTotal.Add(1)
	c.srv.stats.connsActive.Add(1)
	defer c.srv.stats.connsActive.Add(-1)
	defer c.rwc.Close()

	for {
		if d := c.srv.ReadTimeout; d > 0 {
			_ = c.rwc.SetReadDeadline(time.Now().Add(d))
		}
		req, err := ReadRequest(c.br, c.srv.MaxHeaderBytes)
		if err != nil {
			if err == io.EOF {
				return // client closed between transactions
			}
			c.srv.stats.txErrors.Add(1)
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.writeErr(StatusRequestTimeout)
				return
			}
			c.log.Warn("request parse failed", "err", err)
			c.writeErr(statusFor(err))
			return
		}
		c.srv.stats.txTotal.Add(1)
		if d := c.srv.WriteTimeout; d > 0 {
			_ = c.rwc.SetWriteDeadline(time.Now().Add(d))
		}
		if !c.handle(ctx, req) {
			return
		}
	}
}

// handle dispatches one parsed request and reports whether the connection
// may be reused for the next transaction.
func (c *conn) handle(ctx context.Context, req *Request) bool {
	keep := wantsKeepAlive(req)
	svc, ok := c.srv.Registry.Lookup(req.URL.Path)
	if !ok {
		c.srv.stats.txErrors.Add(1)
		c.log.Warn("service not found", "uri", req.RawURL)
		c.writeErr(StatusServiceNotFound)
		return false
	}
	if req.Method == MethodOptions {
		return c.handleOptions(svc, req, keep)
	}
	if !svc.Supports(req.Method) {
		c.srv.stats.txErrors.Add(1)
		c.writeErr(StatusMethodNotAllowed)
		return false
	}
	return c.handleMod(ctx, svc, req, keep)
}

// handleOptions answers capability negotiation. OPTIONS never touches
// encapsulated bodies beyond draining a stray opt-body.
func (c *conn) handleOptions(svc *Service, req *Request, keep bool) bool {
	if req.chunked != nil {
		if err := req.chunked.drain(); err != nil {
			c.log.Warn("failed to drain opt-body", "err", err)
			return false
		}
	}
	resp := NewResponse(StatusOK)
	resp.Header.Set("Methods", strings.Join(svc.Methods, ", "))
	if svc.Description != "" {
		resp.Header.Set("Service", svc.Description)
	}
	resp.Header.Set("ISTag", istagValue(svc.ISTag))
	resp.Header.Set("Allow", "204")
	if svc.PreviewSize >= 0 {
		resp.Header.Set("Preview", strconv.Itoa(svc.PreviewSize))
	}
	if svc.OptionsTTL > 0 {
		resp.Header.Set("Options-TTL", strconv.Itoa(int(svc.OptionsTTL.Seconds())))
	}
	return c.finish(resp, keep)
}

// handleMod drives a REQMOD/RESPMOD transaction: optional preview exchange,
// body streaming through the handler, then response emission.
func (c *conn) handleMod(ctx context.Context, svc *Service, req *Request, keep bool) bool {
	// Outside preview mode a "not modified" verdict can only be answered
	// 204 when the client allowed it; otherwise the original message must
	// be echoed, which requires recording the body as the handler
	// consumes it.
	var record *bytes.Buffer
	if !req.Allow204() {
		record = &bytes.Buffer{}
	}

	if req.Preview >= 0 && req.chunked != nil {
		ps, data, err := readPreview(req.chunked, req.Preview)
		if err != nil {
			c.srv.stats.txErrors.Add(1)
			c.log.Warn("preview read failed", "err", err)
			c.writeErr(statusFor(err))
			return false
		}
		dec, err := svc.Handler.Preview(ctx, req, data, ps.Complete())
		if err != nil {
			return c.callbackFailed(req, err, keep)
		}
		switch dec.Action {
		case ActionNoContent:
			// 204 is always permitted inside preview; the client
			// stops sending the remainder once it sees a final
			// response.
			return c.finish(c.decorate(NewResponse(StatusNoContent), svc), keep)
		case ActionRespond:
			return c.finish(c.decorate(dec.Response, svc), keep)
		case ActionContinue:
			if record != nil {
				record.Write(data)
			}
			if ps.Complete() {
				// The preview already was the entire body.
				req.chunked = nil
				req.Body = bytes.NewReader(data)
			} else {
				if err := writeStatus(c.bw, StatusContinue, true); err != nil {
					return false
				}
				rest := NewChunkedReader(c.br)
				req.chunked = rest
				var cont io.Reader = rest
				if record != nil {
					cont = io.TeeReader(rest, record)
				}
				req.Body = io.MultiReader(bytes.NewReader(data), cont)
			}
		default:
			c.writeErr(StatusServerError)
			return false
		}
	} else if record != nil && req.Body != nil {
		req.Body = io.TeeReader(req.Body, record)
	}

	dec, err := svc.Handler.Adapt(ctx, req)
	if err != nil {
		return c.callbackFailed(req, err, keep)
	}
	switch dec.Action {
	case ActionNoContent:
		if err := c.drainBody(req); err != nil {
			c.log.Warn("failed to drain body", "err", err)
			return false
		}
		if record == nil {
			return c.finish(c.decorate(NewResponse(StatusNoContent), svc), keep)
		}
		return c.finish(c.decorate(c.echoOriginal(req, record), svc), keep)
	case ActionRespond:
		if err := c.drainBody(req); err != nil {
			c.log.Warn("failed to drain body", "err", err)
			return false
		}
		return c.finish(c.decorate(dec.Response, svc), keep)
	default:
		c.srv.stats.txErrors.Add(1)
		c.log.Error("handler returned Continue outside preview")
		c.writeErr(StatusServerError)
		return false
	}
}

// echoOriginal rebuilds the unmodified message from the request's embedded
// header block and the recorded body bytes, for clients that did not allow
// 204.
func (c *conn) echoOriginal(req *Request, record *bytes.Buffer) *Response {
	resp := NewResponse(StatusOK)
	if req.Method == MethodRespmod {
		resp.Embedded = req.EmbeddedResponse
	} else {
		resp.Embedded = req.EmbeddedRequest
	}
	switch bt := req.Encapsulated.BodyType(); bt {
	case SectionReqBody, SectionResBody:
		resp.Body = bytes.NewReader(record.Bytes())
		resp.BodySection = bt
	}
	return resp
}

// callbackFailed maps a handler error to an ICAP status. Body framing errors
// surfaced through the handler's reads are the client's fault and answer 400;
// anything else is a 500. The connection stays open only when no body bytes
// had been consumed yet and the remainder can be drained.
func (c *conn) callbackFailed(req *Request, err error, keep bool) bool {
	c.srv.stats.txErrors.Add(1)
	if errors.Is(err, ErrMalformedChunkSize) || errors.Is(err, ErrChunkSizeMismatch) {
		c.log.Warn("malformed body framing", "err", err)
		c.writeErr(statusFor(err))
		return false
	}
	c.log.Error("adaptation callback failed", "err", err)
	consumed := req.chunked != nil && req.chunked.Consumed() > 0
	if consumed {
		c.writeErr(StatusServerError)
		return false
	}
	if err := c.drainBody(req); err != nil {
		c.writeErr(StatusServerError)
		return false
	}
	if werr := writeStatus(c.bw, StatusServerError, keep); werr != nil {
		return false
	}
	return keep
}

// drainBody discards whatever the handler left unread. Reading through
// req.Body keeps any recording tee intact.
func (c *conn) drainBody(req *Request) error {
	if req.Body == nil {
		return nil
	}
	_, err := io.Copy(io.Discard, req.Body)
	return err
}

// decorate stamps service-level headers onto an outbound response.
func (c *conn) decorate(resp *Response, svc *Service) *Response {
	if !resp.Header.Has("ISTag") {
		resp.Header.Set("ISTag", istagValue(svc.ISTag))
	}
	return resp
}

// finish writes the final response and reports whether the connection is
// reusable.
func (c *conn) finish(resp *Response, keep bool) bool {
	if !keep {
		resp.Header.Set("Connection", "close")
	}
	if err := resp.Write(c.bw); err != nil {
		c.log.Warn("response write failed", "err", err)
		return false
	}
	return keep
}

// writeErr emits a best-effort error status before the connection closes.
func (c *conn) writeErr(code int) {
	_ = writeStatus(c.bw, code, false)
}

// wantsKeepAlive reports whether the client asked to reuse the connection.
func wantsKeepAlive(req *Request) bool {
	for _, v := range req.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "keep-alive") {
				return true
			}
		}
	}
	return false
}

// statusFor maps a parse or framing error to the ICAP status emitted before
// closing.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnsupportedMethod):
		return StatusMethodNotAllowed
	case errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrProtocolSyntax),
		errors.Is(err, ErrMissingEncapsulated),
		errors.Is(err, ErrMalformedEncapsulated),
		errors.Is(err, ErrMalformedChunkSize),
		errors.Is(err, ErrChunkSizeMismatch):
		return StatusBadRequest
	default:
		return StatusBadRequest
	}
}
