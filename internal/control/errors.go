package control

import (
	"fmt"
	"strings"
)

// RequestError is returned when a control call fails, either on the network
// or with a non-2xx response.
type RequestError struct {
	Op         string
	URL        string
	StatusCode int // zero when no response was received
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.URL)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": " + e.Body)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
