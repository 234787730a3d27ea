// Package handler provides the built-in adaptation handlers. LogAdapter is a
// pass-through: it records each transaction to the access log and never
// modifies content.
package handler

import (
	"context"
	"fmt"
	"io"
	"strings"

	"icap-gateway/internal/accesslog"
	"icap-gateway/internal/icap"
)

// LogAdapter implements icap.Handler. It consumes the full body (requesting
// continuation after previews), writes a structured access-log entry, and
// reports that no modification is needed.
type LogAdapter struct {
	Log *accesslog.Logger

	// MaxBody caps how many body bytes are kept for logging; the rest of
	// the stream is still consumed. 0 means no cap.
	MaxBody int
}

// Preview asks for the remainder unless the preview already covered the
// whole body.
func (a *LogAdapter) Preview(ctx context.Context, req *icap.Request, preview []byte, complete bool) (icap.Decision, error) {
	return icap.Continue(), nil
}

// Adapt reads the body, logs the transaction, and leaves the message
// unmodified.
func (a *LogAdapter) Adapt(ctx context.Context, req *icap.Request) (icap.Decision, error) {
	body, err := a.readBody(req.Body)
	if err != nil {
		return icap.Decision{}, fmt.Errorf("reading body: %w", err)
	}

	entry := accesslog.Entry{
		ICAPMethod:  req.Method,
		ICAPURL:     req.RawURL,
		ICAPHeaders: accesslog.HeadersToMap(req.Header),
	}

	if emb := req.EmbeddedRequest; emb != nil {
		method, target := splitRequestLine(emb.StartLine)
		entry.ReqMethod = method
		entry.ReqPath = pathOf(target)
		entry.DestinationURL = destinationURL(emb, target)
		entry.ReqHeaders = accesslog.HeadersToMap(emb.Header)
	}
	if emb := req.EmbeddedResponse; emb != nil {
		entry.RespStatus = statusOf(emb.StartLine)
		entry.RespHeaders = accesslog.HeadersToMap(emb.Header)
	}

	sanitized := ""
	if len(body) > 0 {
		ct := ""
		switch {
		case req.Method == icap.MethodRespmod && req.EmbeddedResponse != nil:
			ct = req.EmbeddedResponse.Header.Get("Content-Type")
		case req.EmbeddedRequest != nil:
			ct = req.EmbeddedRequest.Header.Get("Content-Type")
		}
		sanitized = accesslog.Sanitize(body, ct)
	}
	if req.Method == icap.MethodRespmod {
		entry.RespBody = sanitized
	} else {
		entry.ReqBody = sanitized
	}
	entry.Verdict = "no-modification"

	a.Log.Log(entry)
	return icap.NoContent(), nil
}

// readBody drains the stream, keeping at most MaxBody bytes.
func (a *LogAdapter) readBody(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	if a.MaxBody <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, int64(a.MaxBody)))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return body, nil
}

// splitRequestLine splits "GET /path HTTP/1.1" into method and target.
func splitRequestLine(line string) (method, target string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) >= 2 {
		return parts[0], parts[1]
	}
	return line, ""
}

// statusOf extracts "200 OK" from "HTTP/1.1 200 OK".
func statusOf(line string) string {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return line
}

func pathOf(target string) string {
	if i := strings.IndexByte(target, '?'); i != -1 {
		return target[:i]
	}
	return target
}

// destinationURL reconstructs the origin URL the client was talking to from
// the embedded request's target and Host header.
func destinationURL(emb *icap.Embedded, target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	host := emb.Header.Get("Host")
	if host == "" {
		return ""
	}
	return fmt.Sprintf("http://%s%s", host, target)
}
