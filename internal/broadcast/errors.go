package broadcast

import "errors"

var (
	// ErrCompleted is returned by Receive once the source has completed and
	// every pending value has been drained.
	ErrCompleted = errors.New("broadcast: source completed")

	// ErrClosed is returned by Receive after the subscription was closed.
	ErrClosed = errors.New("broadcast: subscription closed")

	// ErrSubscriberExists is returned when subscribing twice with one id.
	ErrSubscriberExists = errors.New("broadcast: subscriber already exists")

	// ErrSubscriberNotFound is returned when unsubscribing an unknown id.
	ErrSubscriberNotFound = errors.New("broadcast: subscriber not found")
)

// IsTerminal reports whether err ends a consumer loop without being a fault.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrCompleted) || errors.Is(err, ErrClosed)
}
