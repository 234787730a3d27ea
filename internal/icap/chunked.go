package icap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ChunkedReader decodes one HTTP-style chunked body from a bufio.Reader, the
// only body framing ICAP permits. It reads incrementally and never buffers
// the whole body. Read returns io.EOF after the zero-size chunk and its
// trailer block have been consumed.
//
// ICAP extends the framing with the "ieof" marker on the zero chunk
// (RFC 3507 §4.5): "0; ieof" means the preview covered the entire body and
// nothing further follows at the ICAP level. EarlyEOF reports it.
//
// A ChunkedReader is owned by exactly one component at a time; it is not safe
// for concurrent use and cannot be rewound.
type ChunkedReader struct {
	r         *bufio.Reader
	remaining int64
	consumed  int64
	eof       bool
	earlyEOF  bool
	err       error
	trailer   Header
}

// NewChunkedReader returns a reader decoding a chunked body from r.
func NewChunkedReader(r *bufio.Reader) *ChunkedReader {
	return &ChunkedReader{r: r, trailer: NewHeader()}
}

func (cr *ChunkedReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.eof {
		return 0, io.EOF
	}
	if cr.remaining == 0 {
		if err := cr.readChunkHeader(); err != nil {
			cr.err = err
			return 0, err
		}
		if cr.eof {
			return 0, io.EOF
		}
	}
	if int64(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := cr.r.Read(p)
	cr.remaining -= int64(n)
	cr.consumed += int64(n)
	if err != nil {
		if err == io.EOF {
			err = fmt.Errorf("%w: stream ended mid-chunk", ErrChunkSizeMismatch)
		}
		cr.err = err
		return n, err
	}
	if cr.remaining == 0 {
		if err := cr.expectCRLF(); err != nil {
			cr.err = err
			return n, err
		}
	}
	return n, nil
}

// EarlyEOF reports whether the body ended with the ieof marker. Only
// meaningful once Read has returned io.EOF.
func (cr *ChunkedReader) EarlyEOF() bool { return cr.earlyEOF }

// Trailer returns the trailer headers that followed the zero chunk. Only
// populated once Read has returned io.EOF.
func (cr *ChunkedReader) Trailer() Header { return cr.trailer }

// Consumed returns how many body bytes have been read so far.
func (cr *ChunkedReader) Consumed() int64 { return cr.consumed }

// readChunkHeader parses the next chunk-size line. On the zero chunk it also
// consumes trailers and the final CRLF, setting eof.
func (cr *ChunkedReader) readChunkHeader() error {
	line, err := cr.readLine()
	if err != nil {
		return err
	}
	sizeTok := line
	var ext string
	if i := strings.IndexByte(line, ';'); i != -1 {
		sizeTok, ext = line[:i], line[i+1:]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeTok), 16, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: %q", ErrMalformedChunkSize, line)
	}
	if size > 0 {
		cr.remaining = size
		return nil
	}
	for _, tok := range strings.Split(ext, ";") {
		if strings.TrimSpace(tok) == "ieof" {
			cr.earlyEOF = true
		}
	}
	return cr.readTrailers()
}

// readTrailers consumes optional trailer header lines after the zero chunk,
// up to the blank line ending the body. A bare "ieof" line is accepted as a
// lenient alternative to the chunk-extension form.
func (cr *ChunkedReader) readTrailers() error {
	for {
		line, err := cr.readLine()
		if err != nil {
			return err
		}
		if line == "" {
			cr.eof = true
			return nil
		}
		if strings.TrimSpace(line) == "ieof" {
			cr.earlyEOF = true
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return fmt.Errorf("%w: trailer line %q", ErrMalformedChunkSize, line)
		}
		cr.trailer.Add(strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]))
	}
}

func (cr *ChunkedReader) expectCRLF() error {
	line, err := cr.readLine()
	if err != nil {
		return err
	}
	if line != "" {
		return fmt.Errorf("%w: missing CRLF after chunk data", ErrMalformedChunkSize)
	}
	return nil
}

func (cr *ChunkedReader) readLine() (string, error) {
	line, err := cr.r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			err = fmt.Errorf("%w: stream ended mid-body", ErrChunkSizeMismatch)
		}
		return "", err
	}
	if strings.HasSuffix(line, "\r\n") {
		return line[:len(line)-2], nil
	}
	return line[:len(line)-1], nil
}

// drain reads and discards the rest of the body. Used before reusing a
// kept-alive connection; ICAP forbids leaving unread body bytes behind.
func (cr *ChunkedReader) drain() error {
	_, err := io.Copy(io.Discard, cr)
	return err
}

// ChunkedWriter encodes byte spans as an HTTP chunked body. Each Write emits
// one chunk; Close emits the zero chunk and terminating CRLF.
type ChunkedWriter struct {
	w      io.Writer
	closed bool
}

// NewChunkedWriter returns a writer encoding chunks onto w.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

func (cw *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(cw.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := cw.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := io.WriteString(cw.w, "\r\n"); err != nil {
		return n, err
	}
	return n, nil
}

// Close terminates the body with a zero chunk, optional trailers, and the
// final CRLF.
func (cw *ChunkedWriter) Close() error {
	return cw.CloseWithTrailer(Header{})
}

// CloseWithTrailer terminates the body, emitting trailer headers after the
// zero chunk.
func (cw *ChunkedWriter) CloseWithTrailer(trailer Header) error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	if _, err := io.WriteString(cw.w, "0\r\n"); err != nil {
		return err
	}
	if err := trailer.Write(cw.w); err != nil {
		return err
	}
	_, err := io.WriteString(cw.w, "\r\n")
	return err
}

// copyChunked streams src onto w in chunked framing with a fixed-size buffer,
// then terminates the body.
func copyChunked(w io.Writer, src io.Reader) error {
	cw := NewChunkedWriter(w)
	buf := make([]byte, 8192)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := cw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return cw.Close()
		}
		if err != nil {
			return err
		}
	}
}
