// Package wire defines the bridge's message envelopes, the codecs that frame
// them, and the shape predicates that classify inbound frames.
package wire

// IntrospectionChannel is the reserved channel every host serves to describe
// its other channels.
const IntrospectionChannel = "$bridge"

// Status values carried by a Response.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request is the envelope a caller sends to invoke Method on the target
// registered under Channel. ID is the correlation key and is unique among the
// caller's outstanding calls.
type Request struct {
	ID      int64   `json:"id"`
	Channel string  `json:"channel"`
	Method  string  `json:"method"`
	Args    []Value `json:"args"`
}

// Response is the envelope a dispatcher sends back for exactly one Request.
// It echoes the request fields; ID is the sole correlation key.
type Response struct {
	ID      int64   `json:"id"`
	Channel string  `json:"channel"`
	Method  string  `json:"method"`
	Args    []Value `json:"args"`
	Status  string  `json:"status"`
	Body    Value   `json:"body,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Push is a one-way notification. ID is the channel (topic) name, not a
// correlation id.
type Push struct {
	ID   string `json:"id"`
	Body Value  `json:"body"`
}

// Success builds the success response for req carrying body.
func Success(req *Request, body Value) *Response {
	return &Response{
		ID:      req.ID,
		Channel: req.Channel,
		Method:  req.Method,
		Args:    req.Args,
		Status:  StatusSuccess,
		Body:    body,
	}
}

// Failure builds the error response for req. The body is left empty.
func Failure(req *Request, message string) *Response {
	return &Response{
		ID:      req.ID,
		Channel: req.Channel,
		Method:  req.Method,
		Args:    req.Args,
		Status:  StatusError,
		Error:   message,
	}
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return r.Status == StatusError
}
