package alerts

import "errors"

var (
	// ErrChannelNotConfigured is recorded for a requested channel with no
	// transport bound. It does not consume attempts.
	ErrChannelNotConfigured = errors.New("channel not configured")

	// ErrChannelTransport wraps the last transport failure once a channel has
	// exhausted its attempts.
	ErrChannelTransport = errors.New("channel transport error")

	// ErrCancelled is recorded for every channel still pending when the
	// caller's context is cancelled.
	ErrCancelled = errors.New("dispatch cancelled")
)

// permanentError marks a failure that retrying cannot fix (bad credentials,
// rejected payload).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the dispatcher stops retrying the channel.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
