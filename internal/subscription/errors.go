package subscription

import "errors"

var (
	// ErrUnsupported means the runtime has no push capability. It is a
	// persistent condition; every toggle reports it without side effects.
	ErrUnsupported = errors.New("push notifications are not supported")
	// ErrPermissionDenied is never retried automatically; the user has to
	// change the browser-level setting first.
	ErrPermissionDenied = errors.New("notification permission denied")
	// ErrRegistrationFailed is retryable by the user.
	ErrRegistrationFailed = errors.New("push registration failed")
	// ErrPersistenceFailed is retryable by the user.
	ErrPersistenceFailed = errors.New("push subscription could not be saved")
	// ErrBusy is returned when a toggle is already in flight.
	ErrBusy = errors.New("subscription change already in progress")
)

// Retryable reports whether a user-initiated retry can succeed without
// changing anything outside the application.
func Retryable(err error) bool {
	return errors.Is(err, ErrRegistrationFailed) || errors.Is(err, ErrPersistenceFailed)
}
