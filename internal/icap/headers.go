package icap

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Header is an ordered, case-insensitive header map. Keys are matched
// case-insensitively; the spelling and position of the first occurrence are
// preserved so a message re-serializes deterministically. Repeated names keep
// every value and are joined with ", " on output, per the HTTP list rule.
type Header struct {
	keys   []string            // lower-cased, first-seen order
	names  map[string]string   // lower-cased key -> spelling as first seen
	values map[string][]string // lower-cased key -> values in arrival order
}

// NewHeader returns an empty Header.
func NewHeader() Header {
	return Header{
		names:  make(map[string]string),
		values: make(map[string][]string),
	}
}

func (h *Header) init() {
	if h.values == nil {
		h.names = make(map[string]string)
		h.values = make(map[string][]string)
	}
}

// Add appends value under name, creating the entry if needed.
func (h *Header) Add(name, value string) {
	h.init()
	lk := strings.ToLower(name)
	if _, ok := h.values[lk]; !ok {
		h.keys = append(h.keys, lk)
		h.names[lk] = name
	}
	h.values[lk] = append(h.values[lk], value)
}

// Set replaces all values of name with value, keeping the original position
// if the name was already present.
func (h *Header) Set(name, value string) {
	h.init()
	lk := strings.ToLower(name)
	if _, ok := h.values[lk]; !ok {
		h.keys = append(h.keys, lk)
		h.names[lk] = name
	}
	h.values[lk] = []string{value}
}

// Get returns the first value for name, or "" if absent.
func (h Header) Get(name string) string {
	vs := h.values[strings.ToLower(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for name in arrival order.
func (h Header) Values(name string) []string {
	return h.values[strings.ToLower(name)]
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	_, ok := h.values[strings.ToLower(name)]
	return ok
}

// Del removes name.
func (h *Header) Del(name string) {
	lk := strings.ToLower(name)
	if _, ok := h.values[lk]; !ok {
		return
	}
	delete(h.values, lk)
	delete(h.names, lk)
	for i, k := range h.keys {
		if k == lk {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of distinct names.
func (h Header) Len() int { return len(h.keys) }

// Each calls fn for every name in first-seen order with its joined value.
func (h Header) Each(fn func(name, value string)) {
	for _, lk := range h.keys {
		fn(h.names[lk], strings.Join(h.values[lk], ", "))
	}
}

// Write serializes the header block, one "Name: value" line per name with
// multi-values comma-joined, always CRLF-terminated. It does not write the
// terminating blank line.
func (h Header) Write(w io.Writer) error {
	for _, lk := range h.keys {
		line := h.names[lk] + ": " + strings.Join(h.values[lk], ", ") + "\r\n"
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}

// lineReader yields CRLF-terminated lines from a bufio.Reader while charging
// the raw bytes consumed against a header-section budget. Bare LF line
// endings are tolerated on input; output is always re-emitted as CRLF
// elsewhere.
type lineReader struct {
	r      *bufio.Reader
	budget int // remaining header-section bytes, <0 means unlimited
}

func newLineReader(r *bufio.Reader, limit int) *lineReader {
	if limit <= 0 {
		limit = -1
	}
	return &lineReader{r: r, budget: limit}
}

// readLine returns the next line with its terminator stripped. It returns
// ErrMessageTooLarge once the budget is exhausted and io.ErrUnexpectedEOF if
// the stream ends mid-line.
func (lr *lineReader) readLine() (string, error) {
	line, err := lr.r.ReadString('\n')
	if lr.budget >= 0 {
		lr.budget -= len(line)
		if lr.budget < 0 {
			return "", ErrMessageTooLarge
		}
	}
	if err != nil {
		if err == io.EOF && line != "" {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	if strings.HasSuffix(line, "\r\n") {
		return line[:len(line)-2], nil
	}
	return line[:len(line)-1], nil
}

// readHeaderBlock reads header lines up to and including the blank line that
// ends the block. Continuation lines starting with SP or HT are folded into
// the previous value with a single space.
func readHeaderBlock(lr *lineReader) (Header, error) {
	h := NewHeader()
	var lastName string
	for {
		line, err := lr.readLine()
		if err != nil {
			return h, err
		}
		if line == "" {
			return h, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastName == "" {
				return h, fmt.Errorf("%w: continuation before first header", ErrProtocolSyntax)
			}
			lk := strings.ToLower(lastName)
			vs := h.values[lk]
			vs[len(vs)-1] = vs[len(vs)-1] + " " + strings.TrimSpace(line)
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return h, fmt.Errorf("%w: header line %q", ErrProtocolSyntax, line)
		}
		name := strings.TrimRight(line[:idx], " \t")
		value := strings.TrimSpace(line[idx+1:])
		if name == "" {
			return h, fmt.Errorf("%w: empty header name", ErrProtocolSyntax)
		}
		h.Add(name, value)
		lastName = name
	}
}
