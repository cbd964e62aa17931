package channel

import "fmt"

// UnreachableError is a connection failure or timeout talking to the
// routing service
type UnreachableError struct {
	URL string
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("routing service unreachable at %s: %v", e.URL, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// ProtocolError is an unexpected status code or an unparsable body
type ProtocolError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing service protocol error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("routing service returned status %d: %s", e.StatusCode, e.Body)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// UpstreamRejectedError is a well-formed response with success=false
type UpstreamRejectedError struct {
	Message string
}

func (e *UpstreamRejectedError) Error() string {
	if e.Message == "" {
		return "routing service rejected the request"
	}
	return "routing service rejected the request: " + e.Message
}
