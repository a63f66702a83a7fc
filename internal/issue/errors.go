package issue

import "errors"

var (
	ErrMissingIssueID  = errors.New("issue id is required")
	ErrAuthRequired    = errors.New("authentication required")
	ErrProfileRequired = errors.New("profile required")
	ErrForbidden       = errors.New("permission denied")
	ErrEmptyContent    = errors.New("content is empty")
	ErrTooLong         = errors.New("content too long")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrInFlight        = errors.New("previous change still in progress")
	ErrLoadFailed      = errors.New("failed to load issue")
	ErrRemote          = errors.New("remote write failed")
	ErrClosed          = errors.New("issue view closed")
)

// IsPrecondition reports whether err was raised before any remote call.
func IsPrecondition(err error) bool {
	for _, target := range []error{
		ErrMissingIssueID, ErrAuthRequired, ErrProfileRequired, ErrForbidden,
		ErrEmptyContent, ErrTooLong, ErrInvalidInput, ErrNotFound, ErrInFlight, ErrClosed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
