package monitor

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrBreakerOpen short-circuits a check pass while the chain is
	// cooling down after sustained rate limiting.
	ErrBreakerOpen = errors.New("monitor: circuit breaker open")

	// ErrNoStream marks a chain configured without a streaming endpoint;
	// polling carries the chain alone.
	ErrNoStream = errors.New("monitor: no streaming endpoint configured")

	// ErrMalformedBlock marks a block payload missing required fields.
	ErrMalformedBlock = errors.New("monitor: malformed block payload")

	// ErrBlockNotFound marks a block the provider does not (yet) have.
	ErrBlockNotFound = errors.New("monitor: block not found")
)

// rate-limit markers seen across providers. Alchemy reports "exceeded
// compute units", Infura "too many requests", QuickNode plain 429 text.
var rateLimitMarkers = []string{
	"429",
	"too many requests",
	"rate limit",
	"rate-limit",
	"exceeded compute units",
	"capacity exceeded",
	"request limit reached",
}

// IsRateLimited classifies an RPC failure as provider throttling:
// HTTP 429, JSON-RPC -32005, or a provider-specific message marker.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return true
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32005 {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTimeout reports deadline and generic network timeout failures.
// A single timeout is transient; the throttle promotes repeated
// timeouts to rate-limit events.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
