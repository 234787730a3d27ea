// Package icap implements the server side of the Internet Content Adaptation
// Protocol (RFC 3507): message parsing, Encapsulated section handling,
// chunked body streaming with the ieof marker, preview negotiation, and the
// per-connection transaction state machine. Adaptation logic is supplied by
// the caller through the Handler interface; the package itself never decides
// how content is modified.
package icap
