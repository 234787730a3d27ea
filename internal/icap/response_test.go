package icap

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"
)

func TestResponseWriteNoSections(t *testing.T) {
	resp := NewResponse(StatusNoContent)
	resp.Header.Set("ISTag", istagValue("abc"))
	var buf bytes.Buffer
	if err := resp.Write(bufio.NewWriter(&buf)); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	if !strings.HasPrefix(got, "ICAP/1.0 204 No Content\r\n") {
		t.Errorf("unexpected status line in %q", got)
	}
	if !strings.Contains(got, "ISTag: \"abc\"\r\n") {
		t.Errorf("missing ISTag in %q", got)
	}
	if !strings.Contains(got, "Encapsulated: null-body=0\r\n") {
		t.Errorf("missing null-body declaration in %q", got)
	}
	if !strings.HasSuffix(got, "\r\n\r\n") {
		t.Errorf("response must end with blank line, got %q", got)
	}
}

func TestResponseWriteContinueHasNoEncapsulated(t *testing.T) {
	var buf bytes.Buffer
	if err := writeStatus(bufio.NewWriter(&buf), StatusContinue, true); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	if got != "ICAP/1.0 100 Continue\r\n\r\n" {
		t.Errorf("unexpected interim response %q", got)
	}
}

func TestResponseWriteDefaultReason(t *testing.T) {
	var buf bytes.Buffer
	if err := writeStatus(bufio.NewWriter(&buf), StatusServiceNotFound, false); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "ICAP/1.0 404 ICAP Service Not Found\r\n") {
		t.Errorf("unexpected status line in %q", buf.String())
	}
	if !strings.Contains(buf.String(), "Connection: close\r\n") {
		t.Errorf("expected Connection: close in %q", buf.String())
	}
}

// Offsets must be final before serialization and match the embedded block's
// real length.
func TestResponseEncapsulatedOffsets(t *testing.T) {
	h := NewHeader()
	h.Set("Content-Type", "text/plain")
	emb := NewEmbedded("HTTP/1.1 200 OK", h)

	resp := NewResponse(StatusOK)
	resp.Embedded = emb
	resp.Body = strings.NewReader("payload")

	enc := resp.encapsulated()
	if enc.String() != "res-hdr=0, res-body="+strconv.Itoa(len(emb.Bytes())) {
		t.Errorf("unexpected Encapsulated %q", enc.String())
	}
	prev := -1
	for _, s := range enc {
		if s.Offset < prev {
			t.Errorf("offsets must be non-decreasing, got %q", enc.String())
		}
		prev = s.Offset
	}

	resp.Body = nil
	if got := resp.encapsulated().BodyType(); got != SectionNullBody {
		t.Errorf("bodiless response must declare null-body, got %q", got)
	}
}

func TestResponseEmbeddedRequestBlock(t *testing.T) {
	h := NewHeader()
	h.Set("Host", "example.com")
	resp := NewResponse(StatusOK)
	resp.Embedded = NewEmbedded("GET / HTTP/1.1", h)
	resp.Body = strings.NewReader("x")
	if got := resp.encapsulated().String(); !strings.Contains(got, "req-hdr=0, req-body=") {
		t.Errorf("request-line block must declare req sections, got %q", got)
	}
}

// Encoding a response with a body and re-parsing the produced bytes must
// recover the same headers and the same body byte sequence.
func TestResponseRoundTrip(t *testing.T) {
	embHdr := NewHeader()
	embHdr.Set("Content-Type", "text/plain")
	embHdr.Set("Server", "origin/1.0")

	resp := NewResponse(StatusOK)
	resp.Header.Set("ISTag", istagValue("rt-1"))
	resp.Header.Set("Service", "test")
	resp.Embedded = NewEmbedded("HTTP/1.1 200 OK", embHdr)
	resp.Body = strings.NewReader("round trip payload")

	var buf bytes.Buffer
	if err := resp.Write(bufio.NewWriter(&buf)); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(&buf)
	lr := newLineReader(br, 0)
	status, err := lr.readLine()
	if err != nil {
		t.Fatal(err)
	}
	if status != "ICAP/1.0 200 OK" {
		t.Errorf("unexpected status line %q", status)
	}
	hdr, err := readHeaderBlock(lr)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Get("ISTag") != istagValue("rt-1") {
		t.Errorf("ISTag lost in round trip, got %q", hdr.Get("ISTag"))
	}
	if hdr.Get("Service") != "test" {
		t.Errorf("Service lost in round trip, got %q", hdr.Get("Service"))
	}

	enc, err := ParseEncapsulated(hdr.Get("Encapsulated"))
	if err != nil {
		t.Fatal(err)
	}
	if enc.BodyType() != SectionResBody {
		t.Fatalf("expected res-body, got %q", enc.BodyType())
	}
	rawEmb := make([]byte, enc[1].Offset)
	if _, err := io.ReadFull(br, rawEmb); err != nil {
		t.Fatal(err)
	}
	emb, err := parseEmbedded(rawEmb)
	if err != nil {
		t.Fatal(err)
	}
	if emb.StartLine != "HTTP/1.1 200 OK" {
		t.Errorf("embedded start line lost, got %q", emb.StartLine)
	}
	if emb.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("embedded header lost, got %q", emb.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(NewChunkedReader(br))
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "round trip payload" {
		t.Errorf("body mismatch: %q", body)
	}
}
