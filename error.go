package consulkv

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// ErrUnexpectedResponse is the cause of errors returned when an endpoint which
// answers with a boolean (lock acquisition and release, compare-and-swap)
// responds with a body that is neither true nor false.
var ErrUnexpectedResponse = errors.New("unexpected response body")

// IsNotFound reports whether the error is a not found error.
//
// Errors wrapped with github.com/pkg/errors are unwrapped before being tested.
func IsNotFound(err error) bool {
	if nf, ok := errors.Cause(err).(notFound); ok {
		return nf.NotFound()
	}
	return false
}

type notFound interface {
	NotFound() bool
}

// RequestError is returned by clients when the consul agent responds with a
// status other than 200.
type RequestError struct {
	Method     string
	URL        *url.URL
	Status     string
	StatusCode int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Status)
}

// NotFound reports whether the request failed with a 404 status.
func (e *RequestError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func newRequestError(method string, u *url.URL, res *http.Response) error {
	return &RequestError{
		Method:     method,
		URL:        u,
		Status:     res.Status,
		StatusCode: res.StatusCode,
	}
}

type keyNotFound string

func (k keyNotFound) Error() string {
	return fmt.Sprintf("key %s does not exist", string(k))
}

func (keyNotFound) NotFound() bool {
	return true
}
