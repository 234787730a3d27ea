package icap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// ICAP request methods, RFC 3507 §4.3.2.
const (
	MethodOptions = "OPTIONS"
	MethodReqmod  = "REQMOD"
	MethodRespmod = "RESPMOD"
)

const protoVersion = "ICAP/1.0"

// Request is a parsed inbound ICAP request. Header blocks are fully read
// before Request is constructed; the body, if any, is left on the wire behind
// Body and pulled lazily.
type Request struct {
	Method string
	RawURL string
	URL    *url.URL
	Proto  string
	Header Header

	// Encapsulated mirrors the request's Encapsulated header.
	Encapsulated Encapsulated

	// EmbeddedRequest and EmbeddedResponse hold the encapsulated HTTP
	// header blocks (req-hdr / res-hdr) when declared.
	EmbeddedRequest  *Embedded
	EmbeddedResponse *Embedded

	// Body streams the encapsulated body. nil when the request declares
	// null-body or no body at all. During preview negotiation the
	// dispatcher replaces it with the preview bytes plus the continuation
	// stream.
	Body io.Reader

	// Preview is the value of the Preview header, or -1 when absent.
	Preview int

	chunked *ChunkedReader // underlying decoder, kept for drain/ieof
}

// Allow204 reports whether the client declared Allow: 204, permitting a
// bodiless "use the original" response outside preview mode.
func (r *Request) Allow204() bool {
	for _, v := range r.Header.Values("Allow") {
		for _, tok := range strings.Split(v, ",") {
			if strings.TrimSpace(tok) == "204" {
				return true
			}
		}
	}
	return false
}

// Embedded is an encapsulated HTTP header block: the start line, parsed
// headers for inspection, and the exact octets as received so the block can
// be replayed without reformatting.
type Embedded struct {
	StartLine string
	Header    Header
	raw       []byte
}

// Bytes returns the block's original octets, including the terminating blank
// line.
func (e *Embedded) Bytes() []byte { return e.raw }

// IsResponse reports whether the block starts with an HTTP status line
// rather than a request line.
func (e *Embedded) IsResponse() bool {
	return strings.HasPrefix(strings.ToUpper(e.StartLine), "HTTP/")
}

// ReadRequest parses one ICAP request from br: request line, headers, the
// Encapsulated header, and any embedded HTTP header blocks. The encapsulated
// body is not read; it is exposed through Request.Body. maxHeaderBytes bounds
// the ICAP header section; 0 means unlimited.
func ReadRequest(br *bufio.Reader, maxHeaderBytes int) (*Request, error) {
	lr := newLineReader(br, maxHeaderBytes)

	line, err := lr.readLine()
	if err != nil {
		return nil, err
	}
	req := &Request{Preview: -1, Header: NewHeader()}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrProtocolSyntax, line)
	}
	req.Method, req.RawURL, req.Proto = strings.ToUpper(parts[0]), parts[1], strings.ToUpper(parts[2])
	switch req.Method {
	case MethodOptions, MethodReqmod, MethodRespmod:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.Method)
	}
	if req.Proto != protoVersion {
		return nil, fmt.Errorf("%w: protocol %q", ErrProtocolSyntax, req.Proto)
	}
	if req.URL, err = url.Parse(req.RawURL); err != nil {
		return nil, fmt.Errorf("%w: request URI %q", ErrProtocolSyntax, req.RawURL)
	}

	if req.Header, err = readHeaderBlock(lr); err != nil {
		return nil, err
	}

	if v := req.Header.Get("Preview"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: Preview %q", ErrProtocolSyntax, v)
		}
		req.Preview = n
	}

	encValue := req.Header.Get("Encapsulated")
	if encValue == "" {
		if req.Method == MethodOptions {
			return req, nil
		}
		return nil, ErrMissingEncapsulated
	}
	if req.Encapsulated, err = ParseEncapsulated(encValue); err != nil {
		return nil, err
	}
	if !req.Encapsulated.validFor(req.Method) {
		return nil, fmt.Errorf("%w: sections %q not valid for %s",
			ErrMalformedEncapsulated, req.Encapsulated.String(), req.Method)
	}

	if err := req.readEmbedded(br); err != nil {
		return nil, err
	}

	switch req.Encapsulated.BodyType() {
	case SectionReqBody, SectionResBody, SectionOptBody:
		req.chunked = NewChunkedReader(br)
		req.Body = req.chunked
	}
	return req, nil
}

// readEmbedded reads the encapsulated HTTP header sections declared before
// the body, using the lengths implied by consecutive offsets.
func (req *Request) readEmbedded(br *bufio.Reader) error {
	consumed := 0
	for i, s := range req.Encapsulated {
		if s.Name != SectionReqHdr && s.Name != SectionResHdr {
			continue
		}
		if gap := s.Offset - consumed; gap > 0 {
			if _, err := io.CopyN(io.Discard, br, int64(gap)); err != nil {
				return fmt.Errorf("%w: truncated encapsulated sections", ErrProtocolSyntax)
			}
			consumed += gap
		}
		length := req.Encapsulated.sectionLength(i)
		if length < 0 {
			return fmt.Errorf("%w: header section %s without following offset",
				ErrMalformedEncapsulated, s.Name)
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(br, raw); err != nil {
			return fmt.Errorf("%w: truncated %s section", ErrProtocolSyntax, s.Name)
		}
		consumed += length
		emb, err := parseEmbedded(raw)
		if err != nil {
			return err
		}
		if s.Name == SectionReqHdr {
			req.EmbeddedRequest = emb
		} else {
			req.EmbeddedResponse = emb
		}
	}
	return nil
}

// parseEmbedded parses an encapsulated HTTP header block. The block is
// otherwise treated as opaque pass-through octets; only the start line and
// header map are lifted out for inspection.
func parseEmbedded(raw []byte) (*Embedded, error) {
	lr := newLineReader(bufio.NewReader(bytes.NewReader(raw)), 0)
	start, err := lr.readLine()
	if err != nil {
		return nil, fmt.Errorf("%w: embedded start line", ErrProtocolSyntax)
	}
	h, err := readHeaderBlock(lr)
	if err != nil {
		// Tolerate a block without a terminating blank line.
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, err
		}
	}
	return &Embedded{StartLine: start, Header: h, raw: raw}, nil
}
