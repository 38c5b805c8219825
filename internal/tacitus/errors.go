package tacitus

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable wraps network level failures: refused connections, DNS errors, timeouts
	ErrUnreachable = errors.New("tacitus API unreachable")

	// ErrResponseInvalid wraps bodies that are not a {"result": [...]} JSON document
	ErrResponseInvalid = errors.New("tacitus API response invalid")
)

// UnavailableError reports a non-2xx answer from the API
type UnavailableError struct {
	Resource   Resource
	StatusCode int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("tacitus API unavailable: GET %s returned HTTP status code %d", e.Resource.Path(), e.StatusCode)
}

// IsUnavailable reports whether err carries a bad HTTP status and returns the status code
func IsUnavailable(err error) (int, bool) {
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		return unavailable.StatusCode, true
	}
	return 0, false
}
