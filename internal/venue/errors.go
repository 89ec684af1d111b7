package venue

import (
	"errors"
	"fmt"
)

// Kind partitions venue fetch failures into the classes the poller
// backs off on differently.
type Kind int

const (
	// KindUnexpected covers anything the client could not classify.
	KindUnexpected Kind = iota
	// KindNetwork is a transient transport failure.
	KindNetwork
	// KindExchange is an error signalled by the venue itself.
	KindExchange
	// KindRateLimited means the venue throttled or banned us; the
	// poller uses a randomized initial backoff for this class.
	KindRateLimited
	// KindUnavailable covers venue maintenance and DDoS protection
	// pages; treated like KindRateLimited for backoff purposes.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindExchange:
		return "exchange"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unexpected"
	}
}

// Error wraps a venue fetch failure with its class and origin.
type Error struct {
	Venue string
	Op    string
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified venue error.
func NewError(venue, op string, kind Kind, err error) *Error {
	return &Error{Venue: venue, Op: op, Kind: kind, Err: err}
}

// KindOf extracts the failure class, defaulting to KindUnexpected for
// errors that did not come from a venue client.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindUnexpected
}

// Throttled reports whether the error belongs to the randomized
// backoff class (rate limit, DDoS protection, venue unavailable).
func Throttled(err error) bool {
	k := KindOf(err)
	return k == KindRateLimited || k == KindUnavailable
}
