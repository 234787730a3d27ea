// Package accesslog writes one structured JSON line per ICAP transaction to
// a size-rotated log file.
package accesslog

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"icap-gateway/internal/icap"
)

// Entry is the JSON structure written to the log file.
type Entry struct {
	Timestamp      string            `json:"timestamp"`
	ConnID         string            `json:"conn_id,omitempty"`
	ICAPMethod     string            `json:"icap_method,omitempty"`
	ICAPURL        string            `json:"icap_url,omitempty"`
	ICAPHeaders    map[string]string `json:"icap_headers,omitempty"`
	ReqMethod      string            `json:"req_method,omitempty"`
	ReqPath        string            `json:"req_path,omitempty"`
	DestinationURL string            `json:"destination_url,omitempty"`
	ReqHeaders     map[string]string `json:"req_headers,omitempty"`
	ReqBody        string            `json:"req_body,omitempty"`
	RespStatus     string            `json:"resp_status,omitempty"`
	RespHeaders    map[string]string `json:"resp_headers,omitempty"`
	RespBody       string            `json:"resp_body,omitempty"`
	Verdict        string            `json:"verdict,omitempty"`
}

// Logger appends entries to a rotating log file.
type Logger struct {
	out    *log.Logger
	closer *lumberjack.Logger
}

// New opens (creating if needed) a rotating access log at path. maxSizeMB
// bounds the file size before rotation.
func New(path string, maxSizeMB int) *Logger {
	lj := &lumberjack.Logger{
		Filename: path,
		MaxSize:  maxSizeMB,
		Compress: false,
	}
	return &Logger{out: log.New(lj, "", 0), closer: lj}
}

// Log writes one entry as a JSON line. Timestamp is filled in when empty.
func (l *Logger) Log(e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339)
	}
	data, err := json.Marshal(e)
	if err != nil {
		errEntry, _ := json.Marshal(map[string]string{
			"error": fmt.Sprintf("failed to marshal log entry: %v", err),
		})
		l.out.Println(string(errEntry))
		return
	}
	l.out.Println(string(data))
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	return l.closer.Close()
}

// HeadersToMap flattens an ICAP header map into string pairs, joining
// repeated names with ", ".
func HeadersToMap(h icap.Header) map[string]string {
	if h.Len() == 0 {
		return nil
	}
	m := make(map[string]string, h.Len())
	h.Each(func(name, value string) {
		m[name] = value
	})
	return m
}
