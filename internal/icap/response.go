package icap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// ICAP status codes used by this server, RFC 3507 §4.x.
const (
	StatusContinue          = 100
	StatusOK                = 200
	StatusNoContent         = 204
	StatusPartialContent    = 206
	StatusBadRequest        = 400
	StatusForbidden         = 403
	StatusServiceNotFound   = 404
	StatusMethodNotAllowed  = 405
	StatusRequestTimeout    = 408
	StatusServerError       = 500
	StatusNotImplemented    = 501
	StatusBadGateway        = 502
	StatusServiceOverloaded = 503
)

var statusText = map[int]string{
	StatusContinue:          "Continue",
	StatusOK:                "OK",
	StatusNoContent:         "No Content",
	StatusPartialContent:    "Partial Content",
	StatusBadRequest:        "Bad Request",
	StatusForbidden:         "Forbidden",
	StatusServiceNotFound:   "ICAP Service Not Found",
	StatusMethodNotAllowed:  "Method Not Allowed",
	StatusRequestTimeout:    "Request Timeout",
	StatusServerError:       "Server Error",
	StatusNotImplemented:    "Method Not Implemented",
	StatusBadGateway:        "Bad Gateway",
	StatusServiceOverloaded: "Service Overloaded",
}

// StatusText returns the reason phrase for an ICAP status code.
func StatusText(code int) string {
	if t, ok := statusText[code]; ok {
		return t
	}
	return "Unknown"
}

// Response is an outbound ICAP response: status, ICAP headers, and optionally
// an encapsulated HTTP header block plus a body stream. The Encapsulated
// header is computed during serialization, never set by hand.
type Response struct {
	Status int
	Reason string // defaults to StatusText(Status)
	Header Header

	// Embedded is the HTTP header block to encapsulate (res-hdr for a
	// status-line block, req-hdr for a request-line block). nil for
	// section-less responses such as 204 or OPTIONS.
	Embedded *Embedded

	// Body is the decoded body to stream out in chunked framing. The body
	// section name follows Embedded's kind (req or res) when a block is
	// present.
	Body io.Reader

	// BodySection optionally names the body section for a headerless
	// body. Ignored when Embedded is set.
	BodySection string
}

// NewResponse returns a Response with the given status and an empty header
// map.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: NewHeader()}
}

// NewEmbedded builds an encapsulated HTTP header block from a start line and
// headers, serializing them once so offsets can be computed bit-exactly.
func NewEmbedded(startLine string, h Header) *Embedded {
	var buf bytes.Buffer
	buf.WriteString(startLine)
	buf.WriteString("\r\n")
	h.Write(&buf) // bytes.Buffer writes cannot fail
	buf.WriteString("\r\n")
	return &Embedded{StartLine: startLine, Header: h, raw: buf.Bytes()}
}

// encapsulated computes the Encapsulated header for the response. Offsets
// must be final before any bytes are written, which is why Embedded keeps its
// serialized form.
func (resp *Response) encapsulated() Encapsulated {
	if resp.Embedded == nil {
		if resp.Body != nil {
			name := resp.BodySection
			if name == "" {
				name = SectionResBody
			}
			return Encapsulated{{Name: name, Offset: 0}}
		}
		return Encapsulated{{Name: SectionNullBody, Offset: 0}}
	}
	hdrName, bodyName := SectionResHdr, SectionResBody
	if !resp.Embedded.IsResponse() {
		hdrName, bodyName = SectionReqHdr, SectionReqBody
	}
	if resp.Body == nil {
		bodyName = SectionNullBody
	}
	return Encapsulated{
		{Name: hdrName, Offset: 0},
		{Name: bodyName, Offset: len(resp.Embedded.raw)},
	}
}

// Write serializes the response onto w: status line, headers with the
// computed Encapsulated, blank line, embedded header block, then the body in
// chunked framing.
func (resp *Response) Write(w *bufio.Writer) error {
	reason := resp.Reason
	if reason == "" {
		reason = StatusText(resp.Status)
	}
	if _, err := fmt.Fprintf(w, "%s %d %s\r\n", protoVersion, resp.Status, reason); err != nil {
		return err
	}
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	// 100 Continue is an interim response and carries no sections.
	if resp.Status != StatusContinue {
		if _, err := fmt.Fprintf(w, "Encapsulated: %s\r\n", resp.encapsulated().String()); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if resp.Embedded != nil {
		if _, err := w.Write(resp.Embedded.raw); err != nil {
			return err
		}
	}
	if resp.Body != nil {
		if err := copyChunked(w, resp.Body); err != nil {
			return err
		}
	}
	return w.Flush()
}

// writeStatus emits a bare section-less response, used for interim 100
// Continue replies and best-effort error statuses.
func writeStatus(w *bufio.Writer, code int, keepAlive bool) error {
	resp := NewResponse(code)
	if !keepAlive && code != StatusContinue {
		resp.Header.Set("Connection", "close")
	}
	return resp.Write(w)
}

// istagValue formats an ISTag header value, quoted per RFC 3507 §4.7.
func istagValue(tag string) string {
	return strconv.Quote(tag)
}
