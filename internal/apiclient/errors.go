package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRefreshFailed wraps every failure of the refresh protocol. When the
	// exchange itself failed the token store has been cleared by the time a
	// caller sees it; a failure caused by Reset leaves the store alone.
	ErrRefreshFailed = errors.New("apiclient: token refresh failed")
	// ErrNoRefreshToken means there was nothing to refresh with
	ErrNoRefreshToken = errors.New("apiclient: no refresh token stored")
)

// HTTPError is returned for any non-2xx response
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("apiclient: %s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsStatus reports whether err is an HTTPError carrying the given status code
func IsStatus(err error, code int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == code
}
