package icap

import (
	"context"
	"strings"
	"time"
)

// Action is the verdict kind an adaptation handler returns.
type Action int

const (
	// ActionContinue asks for the rest of the body. Valid only from
	// Preview; the dispatcher answers 100 Continue and calls Adapt with
	// the full body.
	ActionContinue Action = iota + 1

	// ActionNoContent means no modification is needed: the dispatcher
	// answers 204, or echoes the original message when the client did not
	// allow 204.
	ActionNoContent

	// ActionRespond sends the Decision's Response as the adapted result.
	ActionRespond
)

// Decision is an adaptation verdict.
type Decision struct {
	Action   Action
	Response *Response
}

// Continue returns a Decision requesting the remainder of the body.
func Continue() Decision { return Decision{Action: ActionContinue} }

// NoContent returns a Decision declaring the message unmodified.
func NoContent() Decision { return Decision{Action: ActionNoContent} }

// Respond returns a Decision carrying a full adapted response.
func Respond(resp *Response) Decision {
	return Decision{Action: ActionRespond, Response: resp}
}

// Handler is the adaptation callback a Service routes REQMOD/RESPMOD
// transactions to. Implementations are external to the protocol engine.
//
// When the client negotiates a preview, Preview is called first with the
// preview bytes; complete reports whether they cover the entire body
// (terminated by ieof). If Preview returns Continue, Adapt is then called
// with req.Body set to the full body stream (preview bytes followed by the
// continuation). Without a preview, Adapt alone is called.
//
// Handlers may be invoked concurrently for different connections and must
// not retain req or its body past their return.
type Handler interface {
	Preview(ctx context.Context, req *Request, preview []byte, complete bool) (Decision, error)
	Adapt(ctx context.Context, req *Request) (Decision, error)
}

// Service binds an ICAP service path to its capabilities and its adaptation
// handler. Fields are read-only after registration; services are the only
// state shared between connections.
type Service struct {
	// Path is the request-URI path clients address, e.g. "/reqmod".
	Path string

	// Methods lists the ICAP methods the service supports (REQMOD,
	// RESPMOD).
	Methods []string

	// PreviewSize is the preview byte count offered in OPTIONS responses.
	PreviewSize int

	// OptionsTTL bounds how long clients may cache an OPTIONS response.
	OptionsTTL time.Duration

	// ISTag identifies the current adaptation configuration; it must
	// change whenever adaptation semantics change.
	ISTag string

	// Description is advertised as the Service header in OPTIONS
	// responses.
	Description string

	Handler Handler
}

// Supports reports whether the service accepts the given ICAP method.
func (s *Service) Supports(method string) bool {
	for _, m := range s.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Registry maps service paths to registered services. Populated once at
// startup and read-only afterwards, so no locking is needed.
type Registry struct {
	services map[string]*Service
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Register adds a service under its path.
func (r *Registry) Register(s *Service) {
	r.services[normalizePath(s.Path)] = s
}

// Lookup resolves a request-URI path to its service.
func (r *Registry) Lookup(path string) (*Service, bool) {
	s, ok := r.services[normalizePath(path)]
	return s, ok
}

func normalizePath(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
