package icap

import "errors"

// Protocol errors. All of these are fatal to the transaction that produced
// them; the dispatcher maps each to an ICAP status code and, for framing
// errors, closes the connection.
var (
	// ErrProtocolSyntax covers malformed request lines, header lines, and
	// embedded HTTP header blocks.
	ErrProtocolSyntax = errors.New("icap: malformed message syntax")

	// ErrUnsupportedMethod is returned for a request method other than
	// OPTIONS, REQMOD, or RESPMOD.
	ErrUnsupportedMethod = errors.New("icap: unsupported method")

	// ErrMissingEncapsulated is returned when a REQMOD or RESPMOD request
	// has no Encapsulated header. OPTIONS may omit it.
	ErrMissingEncapsulated = errors.New("icap: missing Encapsulated header")

	// ErrMalformedEncapsulated is returned when the Encapsulated header has
	// unknown keys, non-monotonic offsets, or a section list not permitted
	// for the request method.
	ErrMalformedEncapsulated = errors.New("icap: malformed Encapsulated header")

	// ErrMessageTooLarge is returned when a header section grows past the
	// configured limit before its terminating blank line.
	ErrMessageTooLarge = errors.New("icap: header section too large")

	// ErrMalformedChunkSize is returned when a chunk-size line is not valid
	// hex, or chunk framing is otherwise broken.
	ErrMalformedChunkSize = errors.New("icap: malformed chunk size")

	// ErrChunkSizeMismatch is returned when the stream ends before a chunk's
	// declared size was delivered.
	ErrChunkSizeMismatch = errors.New("icap: chunk shorter than declared size")
)
