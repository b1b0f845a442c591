package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// ErrDeviceOffline is returned by the admission gate before any RPC is
// attempted; it is always an accurate, immediate failure.
var ErrDeviceOffline = errors.New("device offline")

// TransportError is a failed call into the third-party platform. Status is
// zero when the request never produced an HTTP response.
type TransportError struct {
	Status  int
	Message string
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway: %d %s", e.Status, e.Message)
	}
	return "gateway: " + e.Message
}

var softTimeoutPattern = regexp.MustCompile(`(?i)timed?[ _-]?out|timeout|bad gateway|deadline exceeded`)

// IsSoftTimeout reports whether a transport failure looks like a lost
// acknowledgement rather than a lost request: gateway-timeout status codes,
// timeout-shaped error text, or a client-side deadline. Commands failing this
// way may well have reached the device, so the dispatcher treats delivery as
// ambiguous instead of failed.
func IsSoftTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		if te.Status == http.StatusGatewayTimeout || te.Status == http.StatusRequestTimeout {
			return true
		}
		return softTimeoutPattern.MatchString(te.Message)
	}
	return false
}
