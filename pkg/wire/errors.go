package wire

import (
	"errors"
	"fmt"
	"time"
)

// Error codes carried by error response frames.
const (
	CodeBadRequest   = uint16(400)
	CodeUnauthorized = uint16(401)
	CodeNotFound     = uint16(404)
	CodeRateLimited  = uint16(420)
	CodeInternal     = uint16(500)
)

// Error is a structured failure reported by the remote endpoint. A
// rate-limit error carries the wait the endpoint suggests before retrying.
type Error struct {
	Code       uint16
	RetryAfter time.Duration
	Msg        string
}

func (e *Error) Error() string {
	if e.Code == CodeRateLimited {
		return fmt.Sprintf("endpoint error %d: %s (retry after %s)", e.Code, e.Msg, e.RetryAfter)
	}
	return fmt.Sprintf("endpoint error %d: %s", e.Code, e.Msg)
}

// IsRateLimited reports whether err is a rate-limit signal from the endpoint.
func IsRateLimited(err error) bool {
	var werr *Error
	return errors.As(err, &werr) && werr.Code == CodeRateLimited
}

// RetryAfter returns the endpoint's suggested wait for a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var werr *Error
	if errors.As(err, &werr) && werr.Code == CodeRateLimited {
		return werr.RetryAfter, true
	}
	return 0, false
}

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool {
	var werr *Error
	return errors.As(err, &werr) && werr.Code == CodeUnauthorized
}
