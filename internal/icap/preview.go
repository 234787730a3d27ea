package icap

import (
	"bytes"
	"fmt"
	"io"
)

// PreviewState tracks one preview negotiation: the limit the client declared,
// how much arrived, and whether the preview covered the entire body.
type PreviewState struct {
	Limit    int
	Received int
	EarlyEOF bool
}

// Complete reports whether the preview was the whole body, either because the
// zero chunk carried ieof or because the body was empty to begin with.
func (ps *PreviewState) Complete() bool {
	return ps.EarlyEOF
}

// readPreview consumes the preview portion of the body: chunks up to the
// zero-size chunk that terminates the preview, with ieof set when the whole
// body fit inside it. Reading stops at limit+1 bytes, so a client ignoring its
// own Preview declaration cannot force unbounded buffering; overshooting the
// limit is a protocol error.
func readPreview(cr *ChunkedReader, limit int) (*PreviewState, []byte, error) {
	ps := &PreviewState{Limit: limit}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(cr, int64(limit)+1)); err != nil {
		return ps, nil, err
	}
	ps.Received = buf.Len()
	if ps.Received > limit {
		return ps, nil, fmt.Errorf("%w: preview exceeds declared limit %d",
			ErrProtocolSyntax, limit)
	}
	ps.EarlyEOF = cr.EarlyEOF()
	return ps, buf.Bytes(), nil
}
