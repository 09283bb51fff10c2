package provider

import (
	"io"
	"net/http"

	"github.com/vnmchuo/ai-gateway/internal/modelapi"
)

// Result is the outcome of one attempt. It is one of *Success, *Stream,
// *Passthrough, *ErrorResult, *ModelNotFound or *Unexpected.
type Result interface {
	result()
}

// Success is a buffered, priced response.
type Success struct {
	RequestModel   string
	ResponseModel  string
	RequestBody    []byte
	Status         int
	Header         http.Header
	Body           []byte
	Usage          modelapi.Usage
	Cost           float64
	OtelAttributes map[string]any
}

// Stream is a response still being produced. Body is the client's copy of
// the upstream bytes. Done delivers exactly one outcome once the usage copy
// has been fully read.
type Stream struct {
	RequestModel string
	RequestBody  []byte
	Status       int
	Header       http.Header
	Body         io.ReadCloser
	Done         <-chan StreamOutcome
}

// StreamOutcome is what was learned from a finished stream. Err is set when
// the stream could not be priced.
type StreamOutcome struct {
	RequestModel   string
	ResponseModel  string
	Usage          *modelapi.Usage
	Cost           float64
	OtelAttributes map[string]any
	Err            error
	DisableKey     bool
}

// Passthrough is returned verbatim without usage tracking.
type Passthrough struct {
	Response *http.Response
}

// ErrorResult is a request the gateway refuses or a response it cannot
// bill. DisableKey asks for the key to be blocked.
type ErrorResult struct {
	Err          string
	DisableKey   bool
	RequestModel string
}

// ModelNotFound means the request model has no price entry.
type ModelNotFound struct {
	RequestModel string
}

// Unexpected is a non-2xx upstream response.
type Unexpected struct {
	RequestModel string
	RequestBody  []byte
	Status       int
	Header       http.Header
	Body         []byte
}

func (*Success) result()       {}
func (*Stream) result()        {}
func (*Passthrough) result()   {}
func (*ErrorResult) result()   {}
func (*ModelNotFound) result() {}
func (*Unexpected) result()    {}

// Retryable reports whether the next routed provider should be tried.
func (u *Unexpected) Retryable() bool {
	return u.Status == http.StatusTooManyRequests || u.Status >= 500
}
