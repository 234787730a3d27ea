package icap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Encapsulated section names permitted by RFC 3507 §4.4.1.
const (
	SectionReqHdr   = "req-hdr"
	SectionResHdr   = "res-hdr"
	SectionReqBody  = "req-body"
	SectionResBody  = "res-body"
	SectionOptBody  = "opt-body"
	SectionNullBody = "null-body"
)

// Section is one entry of an Encapsulated header: a section name and its byte
// offset from the start of the message body.
type Section struct {
	Name   string
	Offset int
}

// Encapsulated is the ordered list of sections declared by an Encapsulated
// header. Offsets are non-decreasing; the last section is always a body
// section (possibly null-body) and extends to the end of the message.
type Encapsulated []Section

// Valid section orders per request method, RFC 3507 §4.4.1:
//
//	REQMOD  request: [req-hdr] {req-body|null-body}
//	RESPMOD request: [req-hdr] [res-hdr] {res-body|null-body}
//	OPTIONS request: {opt-body|null-body}
var encapsulatedOrders = map[string]*regexp.Regexp{
	MethodReqmod:  regexp.MustCompile(`^(req-hdr )?(req-body|null-body)$`),
	MethodRespmod: regexp.MustCompile(`^(req-hdr )?(res-hdr )?(res-body|null-body)$`),
	MethodOptions: regexp.MustCompile(`^(opt-body|null-body)$`),
}

// ParseEncapsulated parses the value of an Encapsulated header,
// e.g. "req-hdr=0, req-body=749".
func ParseEncapsulated(value string) (Encapsulated, error) {
	var enc Encapsulated
	prev := -1
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		eq := strings.IndexByte(item, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedEncapsulated, value)
		}
		name := strings.ToLower(strings.TrimSpace(item[:eq]))
		switch name {
		case SectionReqHdr, SectionResHdr, SectionReqBody, SectionResBody,
			SectionOptBody, SectionNullBody:
		default:
			return nil, fmt.Errorf("%w: unknown section %q", ErrMalformedEncapsulated, name)
		}
		offset, err := strconv.Atoi(strings.TrimSpace(item[eq+1:]))
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("%w: offset in %q", ErrMalformedEncapsulated, item)
		}
		if offset < prev {
			return nil, fmt.Errorf("%w: non-monotonic offsets in %q", ErrMalformedEncapsulated, value)
		}
		prev = offset
		enc = append(enc, Section{Name: name, Offset: offset})
	}
	if len(enc) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedEncapsulated, value)
	}
	return enc, nil
}

// String serializes the sections in RFC 3507 form.
func (e Encapsulated) String() string {
	var b strings.Builder
	for i, s := range e {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.Name)
		b.WriteByte('=')
		b.WriteString(strconv.Itoa(s.Offset))
	}
	return b.String()
}

// validFor reports whether the section list is one of the orders RFC 3507
// permits for a request with the given method.
func (e Encapsulated) validFor(method string) bool {
	re, ok := encapsulatedOrders[method]
	if !ok {
		return false
	}
	names := make([]string, len(e))
	for i, s := range e {
		names[i] = s.Name
	}
	return re.MatchString(strings.Join(names, " "))
}

// BodyType returns which body section the list declares: one of req-body,
// res-body, opt-body, or null-body. The grammar guarantees the body section
// is last.
func (e Encapsulated) BodyType() string {
	if len(e) == 0 {
		return ""
	}
	return e[len(e)-1].Name
}

// sectionLength returns the byte length of the section at index i, derived
// from the following section's offset. The final (body) section has no
// declared length and yields -1.
func (e Encapsulated) sectionLength(i int) int {
	if i+1 >= len(e) {
		return -1
	}
	return e[i+1].Offset - e[i].Offset
}
