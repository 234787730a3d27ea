package icap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

// scriptedHandler lets each test supply its own verdicts.
type scriptedHandler struct {
	previewFn func(req *Request, preview []byte, complete bool) (Decision, error)
	adaptFn   func(req *Request) (Decision, error)
}

func (h *scriptedHandler) Preview(_ context.Context, req *Request, preview []byte, complete bool) (Decision, error) {
	if h.previewFn == nil {
		return Continue(), nil
	}
	return h.previewFn(req, preview, complete)
}

func (h *scriptedHandler) Adapt(_ context.Context, req *Request) (Decision, error) {
	if h.adaptFn == nil {
		return NoContent(), nil
	}
	return h.adaptFn(req)
}

// startConn wires a service to one end of a net.Pipe and serves it; the test
// drives the other end as the ICAP client.
func startConn(t *testing.T, svc *Service) net.Conn {
	t.Helper()
	reg := NewRegistry()
	reg.Register(svc)
	srv := &Server{
		Registry: reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	client, server := net.Pipe()
	go srv.newConn(server).serve(context.Background())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testService(h Handler) *Service {
	return &Service{
		Path:        "/reqmod",
		Methods:     []string{MethodReqmod},
		PreviewSize: 1024,
		OptionsTTL:  time.Hour,
		ISTag:       "test-tag",
		Description: "test service",
		Handler:     h,
	}
}

// exchange writes one request and reads everything the server sends before
// closing the connection.
func exchange(t *testing.T, client net.Conn, raw string) string {
	t.Helper()
	if _, err := io.WriteString(client, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(resp)
}

func TestOptionsResponse(t *testing.T) {
	client := startConn(t, testService(&scriptedHandler{}))
	got := exchange(t, client, buildICAP(
		"OPTIONS icap://localhost/reqmod ICAP/1.0",
		"Host: localhost\r\n",
		"",
	))

	if !strings.HasPrefix(got, "ICAP/1.0 200 OK\r\n") {
		t.Errorf("expected 200 OK, got %q", got)
	}
	for _, want := range []string{
		"Methods: REQMOD\r\n",
		"Preview: 1024\r\n",
		"ISTag: \"test-tag\"\r\n",
		"Options-TTL: 3600\r\n",
		"Allow: 204\r\n",
		"Encapsulated: null-body=0\r\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("OPTIONS response missing %q:\n%q", want, got)
		}
	}
}

func TestRespmodFullBodyNoPreview(t *testing.T) {
	var calls int
	var gotBody string
	svc := &Service{
		Path:    "/respmod",
		Methods: []string{MethodRespmod},
		ISTag:   "test-tag",
		Handler: &scriptedHandler{
			adaptFn: func(req *Request) (Decision, error) {
				calls++
				body, err := io.ReadAll(req.Body)
				if err != nil {
					return Decision{}, err
				}
				gotBody = string(body)
				return NoContent(), nil
			},
		},
	}
	client := startConn(t, svc)

	httpRespHdr := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n"
	payload := "exactly 20 bytes !!!"
	got := exchange(t, client, buildICAP(
		"RESPMOD icap://localhost/respmod ICAP/1.0",
		fmt.Sprintf("Host: localhost\r\nAllow: 204\r\nEncapsulated: res-hdr=0, res-body=%d\r\n", len(httpRespHdr)),
		httpRespHdr+fmt.Sprintf("%x\r\n%s\r\n0\r\n\r\n", len(payload), payload),
	))

	if calls != 1 {
		t.Errorf("expected 1 Adapt call, got %d", calls)
	}
	if gotBody != payload {
		t.Errorf("handler saw body %q, want %q", gotBody, payload)
	}
	if !strings.HasPrefix(got, "ICAP/1.0 204 No Content\r\n") {
		t.Errorf("expected 204, got %q", got)
	}
	if strings.Contains(got, "res-body=") {
		t.Errorf("204 must not declare a body section:\n%q", got)
	}
}

func TestMalformedEncapsulatedCloses(t *testing.T) {
	client := startConn(t, testService(&scriptedHandler{}))
	got := exchange(t, client, buildICAP(
		"REQMOD icap://localhost/reqmod ICAP/1.0",
		"Host: localhost\r\nEncapsulated: req-hdr=10, res-hdr=5\r\n",
		"",
	))
	if !strings.HasPrefix(got, "ICAP/1.0 400 Bad Request\r\n") {
		t.Errorf("expected 400, got %q", got)
	}
	// exchange returning means the server closed the connection.
}

func TestMalformedChunkSizeCloses(t *testing.T) {
	httpHdr := "POST /x HTTP/1.1\r\nHost: h\r\n\r\n"
	client := startConn(t, testService(&scriptedHandler{
		adaptFn: func(req *Request) (Decision, error) {
			if _, err := io.ReadAll(req.Body); err != nil {
				return Decision{}, err
			}
			return NoContent(), nil
		},
	}))
	got := exchange(t, client, buildICAP(
		"REQMOD icap://localhost/reqmod ICAP/1.0",
		fmt.Sprintf("Host: h\r\nAllow: 204\r\nEncapsulated: req-hdr=0, req-body=%d\r\n", len(httpHdr)),
		httpHdr+"g3\r\n",
	))
	if !strings.Contains(got, "ICAP/1.0 400") {
		t.Errorf("expected 400 for broken body framing, got %q", got)
	}
}

func TestServiceNotFound(t *testing.T) {
	client := startConn(t, testService(&scriptedHandler{}))
	got := exchange(t, client, buildICAP(
		"OPTIONS icap://localhost/nope ICAP/1.0",
		"Host: localhost\r\n",
		"",
	))
	if !strings.HasPrefix(got, "ICAP/1.0 404 ICAP Service Not Found\r\n") {
		t.Errorf("expected 404, got %q", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	client := startConn(t, testService(&scriptedHandler{}))
	got := exchange(t, client, buildICAP(
		"RESPMOD icap://localhost/reqmod ICAP/1.0",
		"Host: localhost\r\nEncapsulated: null-body=0\r\n",
		"",
	))
	if !strings.HasPrefix(got, "ICAP/1.0 405 Method Not Allowed\r\n") {
		t.Errorf("expected 405, got %q", got)
	}
}

func TestHandlerErrorMapsTo500(t *testing.T) {
	client := startConn(t, testService(&scriptedHandler{
		adaptFn: func(*Request) (Decision, error) {
			return Decision{}, fmt.Errorf("scanner exploded")
		},
	}))
	got := exchange(t, client, buildICAP(
		"REQMOD icap://localhost/reqmod ICAP/1.0",
		"Host: localhost\r\nEncapsulated: null-body=0\r\n",
		"",
	))
	if !strings.HasPrefix(got, "ICAP/1.0 500 Server Error\r\n") {
		t.Errorf("expected 500, got %q", got)
	}
}

// Without Allow: 204 a "not modified" verdict must echo the original message
// back instead of answering 204.
func TestNoContentWithoutAllow204Echoes(t *testing.T) {
	httpHdr := "POST /submit HTTP/1.1\r\nHost: example.com\r\n\r\n"
	client := startConn(t, testService(&scriptedHandler{
		adaptFn: func(req *Request) (Decision, error) {
			if _, err := io.ReadAll(req.Body); err != nil {
				return Decision{}, err
			}
			return NoContent(), nil
		},
	}))
	raw := exchange(t, client, buildICAP(
		"REQMOD icap://localhost/reqmod ICAP/1.0",
		fmt.Sprintf("Host: localhost\r\nEncapsulated: req-hdr=0, req-body=%d\r\n", len(httpHdr)),
		httpHdr+"5\r\nhello\r\n0\r\n\r\n",
	))

	if !strings.HasPrefix(raw, "ICAP/1.0 200 OK\r\n") {
		t.Fatalf("expected 200 echo, got %q", raw)
	}
	br := bufio.NewReader(strings.NewReader(raw))
	lr := newLineReader(br, 0)
	if _, err := lr.readLine(); err != nil {
		t.Fatal(err)
	}
	hdr, err := readHeaderBlock(lr)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := ParseEncapsulated(hdr.Get("Encapsulated"))
	if err != nil {
		t.Fatal(err)
	}
	if enc.String() != fmt.Sprintf("req-hdr=0, req-body=%d", len(httpHdr)) {
		t.Errorf("unexpected Encapsulated %q", enc.String())
	}
	emb := make([]byte, len(httpHdr))
	if _, err := io.ReadFull(br, emb); err != nil {
		t.Fatal(err)
	}
	if string(emb) != httpHdr {
		t.Errorf("embedded block altered: %q", emb)
	}
	body, err := io.ReadAll(NewChunkedReader(br))
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello" {
		t.Errorf("echoed body mismatch: %q", body)
	}
}

// The echo rule applies to bodyless messages too: a null-body REQMOD without
// Allow: 204 gets its header block replayed under a 200, never a 204.
func TestNoContentWithoutAllow204EchoesNullBody(t *testing.T) {
	httpHdr := "GET /page HTTP/1.1\r\nHost: example.com\r\n\r\n"
	client := startConn(t, testService(&scriptedHandler{}))
	raw := exchange(t, client, buildICAP(
		"REQMOD icap://localhost/reqmod ICAP/1.0",
		fmt.Sprintf("Host: localhost\r\nEncapsulated: req-hdr=0, null-body=%d\r\n", len(httpHdr)),
		httpHdr,
	))

	if !strings.HasPrefix(raw, "ICAP/1.0 200 OK\r\n") {
		t.Fatalf("expected 200 echo, got %q", raw)
	}
	br := bufio.NewReader(strings.NewReader(raw))
	lr := newLineReader(br, 0)
	if _, err := lr.readLine(); err != nil {
		t.Fatal(err)
	}
	hdr, err := readHeaderBlock(lr)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := ParseEncapsulated(hdr.Get("Encapsulated"))
	if err != nil {
		t.Fatal(err)
	}
	if enc.String() != fmt.Sprintf("req-hdr=0, null-body=%d", len(httpHdr)) {
		t.Errorf("unexpected Encapsulated %q", enc.String())
	}
	emb, err := io.ReadAll(br)
	if err != nil {
		t.Fatal(err)
	}
	if string(emb) != httpHdr {
		t.Errorf("embedded block altered: %q", emb)
	}
}

// Preview covering the whole body (ieof at the limit) must reach the handler
// with complete=true and must not trigger 100 Continue.
func TestPreviewCompleteBody(t *testing.T) {
	httpHdr := "POST /x HTTP/1.1\r\nHost: h\r\n\r\n"
	var sawComplete bool
	var adaptBody string
	client := startConn(t, testService(&scriptedHandler{
		previewFn: func(_ *Request, preview []byte, complete bool) (Decision, error) {
			sawComplete = complete
			return Continue(), nil
		},
		adaptFn: func(req *Request) (Decision, error) {
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return Decision{}, err
			}
			adaptBody = string(body)
			return NoContent(), nil
		},
	}))
	got := exchange(t, client, buildICAP(
		"REQMOD icap://localhost/reqmod ICAP/1.0",
		fmt.Sprintf("Host: h\r\nAllow: 204\r\nPreview: 10\r\nEncapsulated: req-hdr=0, req-body=%d\r\n", len(httpHdr)),
		httpHdr+"a\r\n0123456789\r\n0; ieof\r\n\r\n",
	))

	if !sawComplete {
		t.Error("handler must see complete=true for an ieof preview")
	}
	if adaptBody != "0123456789" {
		t.Errorf("adapt saw body %q", adaptBody)
	}
	if strings.Contains(got, "100 Continue") {
		t.Errorf("complete preview must not trigger 100 Continue:\n%q", got)
	}
	if !strings.HasPrefix(got, "ICAP/1.0 204 No Content\r\n") {
		t.Errorf("expected 204, got %q", got)
	}
}

// A partial preview answered with Continue gets 100 Continue, then the
// remainder as a fresh chunk stream; the handler sees the stitched body.
func TestPreviewContinueReceivesRemainder(t *testing.T) {
	httpHdr := "POST /x HTTP/1.1\r\nHost: h\r\n\r\n"
	var adaptBody string
	client := startConn(t, testService(&scriptedHandler{
		adaptFn: func(req *Request) (Decision, error) {
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return Decision{}, err
			}
			adaptBody = string(body)
			return NoContent(), nil
		},
	}))

	head := buildICAP(
		"REQMOD icap://localhost/reqmod ICAP/1.0",
		fmt.Sprintf("Host: h\r\nAllow: 204\r\nPreview: 4\r\nEncapsulated: req-hdr=0, req-body=%d\r\n", len(httpHdr)),
		httpHdr+"4\r\nabcd\r\n0\r\n\r\n",
	)
	if _, err := io.WriteString(client, head); err != nil {
		t.Fatal(err)
	}

	interim := make([]byte, len("ICAP/1.0 100 Continue\r\n\r\n"))
	if _, err := io.ReadFull(client, interim); err != nil {
		t.Fatal(err)
	}
	if string(interim) != "ICAP/1.0 100 Continue\r\n\r\n" {
		t.Fatalf("expected interim 100 Continue, got %q", interim)
	}

	if _, err := io.WriteString(client, "6\r\nefghij\r\n0\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	final, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if adaptBody != "abcdefghij" {
		t.Errorf("adapt saw body %q, want abcdefghij", adaptBody)
	}
	if !strings.HasPrefix(string(final), "ICAP/1.0 204 No Content\r\n") {
		t.Errorf("expected 204, got %q", final)
	}
}

// Preview answered 204 terminates the transaction without reading further
// body bytes.
func TestPreviewNoContentShortCircuits(t *testing.T) {
	httpHdr := "POST /x HTTP/1.1\r\nHost: h\r\n\r\n"
	client := startConn(t, testService(&scriptedHandler{
		previewFn: func(_ *Request, _ []byte, _ bool) (Decision, error) {
			return NoContent(), nil
		},
		adaptFn: func(*Request) (Decision, error) {
			t.Error("Adapt must not run after a preview 204")
			return NoContent(), nil
		},
	}))
	got := exchange(t, client, buildICAP(
		"REQMOD icap://localhost/reqmod ICAP/1.0",
		fmt.Sprintf("Host: h\r\nPreview: 4\r\nEncapsulated: req-hdr=0, req-body=%d\r\n", len(httpHdr)),
		httpHdr+"4\r\nabcd\r\n0\r\n\r\n",
	))
	if !strings.HasPrefix(got, "ICAP/1.0 204 No Content\r\n") {
		t.Errorf("expected 204, got %q", got)
	}
}

// A preview verdict carrying a full response is relayed as the transaction's
// final response.
func TestPreviewRespond(t *testing.T) {
	httpHdr := "POST /x HTTP/1.1\r\nHost: h\r\n\r\n"
	client := startConn(t, testService(&scriptedHandler{
		previewFn: func(_ *Request, _ []byte, _ bool) (Decision, error) {
			h := NewHeader()
			h.Set("Content-Type", "text/plain")
			resp := NewResponse(StatusOK)
			resp.Embedded = NewEmbedded("HTTP/1.1 403 Forbidden", h)
			resp.Body = strings.NewReader("blocked")
			return Respond(resp), nil
		},
	}))
	got := exchange(t, client, buildICAP(
		"REQMOD icap://localhost/reqmod ICAP/1.0",
		fmt.Sprintf("Host: h\r\nPreview: 4\r\nEncapsulated: req-hdr=0, req-body=%d\r\n", len(httpHdr)),
		httpHdr+"4\r\nabcd\r\n0\r\n\r\n",
	))
	if !strings.HasPrefix(got, "ICAP/1.0 200 OK\r\n") {
		t.Fatalf("expected 200 with encapsulated response, got %q", got)
	}
	if !strings.Contains(got, "HTTP/1.1 403 Forbidden\r\n") {
		t.Errorf("missing encapsulated status line:\n%q", got)
	}
	if !strings.Contains(got, "7\r\nblocked\r\n0\r\n\r\n") {
		t.Errorf("missing chunked body:\n%q", got)
	}
}

// With Connection: keep-alive the same connection serves sequential
// transactions.
func TestKeepAliveSequentialTransactions(t *testing.T) {
	client := startConn(t, testService(&scriptedHandler{}))
	br := bufio.NewReader(client)

	for i := 0; i < 2; i++ {
		req := buildICAP(
			"OPTIONS icap://localhost/reqmod ICAP/1.0",
			"Host: localhost\r\nConnection: keep-alive\r\n",
			"",
		)
		if _, err := io.WriteString(client, req); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		lr := newLineReader(br, 0)
		status, err := lr.readLine()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if status != "ICAP/1.0 200 OK" {
			t.Fatalf("transaction %d: unexpected status %q", i, status)
		}
		hdr, err := readHeaderBlock(lr)
		if err != nil {
			t.Fatalf("read headers %d: %v", i, err)
		}
		if hdr.Has("Connection") {
			t.Errorf("transaction %d: kept-alive response must not close", i)
		}
	}

	_ = client.Close()
}

func TestRequestTimeoutClosesConnection(t *testing.T) {
	reg := NewRegistry()
	reg.Register(testService(&scriptedHandler{}))
	srv := &Server{
		Registry:    reg,
		ReadTimeout: 20 * time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	client, server := net.Pipe()
	go srv.newConn(server).serve(context.Background())
	defer client.Close()

	// Send nothing; the read deadline should fire and the server should
	// answer 408 before closing.
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(got, []byte("ICAP/1.0 408 Request Timeout\r\n")) {
		t.Errorf("expected 408, got %q", got)
	}
}
