package opensky

import (
	"errors"
	"fmt"
)

// ErrAuth reports missing, incomplete or rejected credentials. It is never retried.
var ErrAuth = errors.New("opensky: authentication failed")

// APIError is a non-2xx, non-404 response from the API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("opensky: %s returned %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("opensky: %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// IsRateLimited reports whether err is a 429 from the API.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}
