package protocol

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody caps how much of a failed response body is kept for diagnostics.
const maxErrorBody = 64 * 1024

// HTTPError describes a non-2xx response. It keeps the status, a snapshot of
// the body and the headers so callers can classify failures without
// re-reading the response.
type HTTPError struct {
	Op     string
	Status int
	Body   string
	Header http.Header
	URL    string
}

// NewHTTPError drains up to 64 KiB of resp.Body into an HTTPError. The caller
// still owns closing the body.
func NewHTTPError(op string, resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &HTTPError{
		Op:     op,
		Status: resp.StatusCode,
		Body:   string(body),
		Header: resp.Header.Clone(),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		e.URL = resp.Request.URL.String()
	}
	return e
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Body)
}

// StatusOf returns the HTTP status carried by err, or 0 when err does not
// wrap an HTTPError.
func StatusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

// IsAuthStatus reports whether status is 401 or 403.
func IsAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
