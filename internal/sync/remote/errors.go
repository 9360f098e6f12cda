package remote

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPError is a non-200 response from the sync server.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func newHTTPError(req *http.Request, resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{
		Method: req.Method,
		Path:   req.URL.Path,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// StatusCode returns the HTTP status.
func (e *HTTPError) StatusCode() int { return e.Status }

// PayloadError is a pull body that failed schema validation or decoding.
type PayloadError struct {
	Problems []string
	Err      error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed pull payload: %v", e.Err)
	}
	return "malformed pull payload: " + strings.Join(e.Problems, "; ")
}

func (e *PayloadError) Unwrap() error { return e.Err }
