package formatter

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ThomasHabets/cryptsend/pkg/backend"
)

// UserInputError is something the sender can fix and retry.
type UserInputError struct {
	Msg string
}

func (e *UserInputError) Error() string {
	return e.Msg
}

// ExpiredKeyError means the recipient keys can't be used, even as of
// some date in the past.
type ExpiredKeyError struct {
	Msg string

	// Own is set when it's the sender's own key that expired.
	Own bool
}

func (e *ExpiredKeyError) Error() string {
	return e.Msg
}

// UploadIntegrityError is when the backend confirmed a different number
// of attachments than were uploaded.
type UploadIntegrityError struct {
	Msg       string
	Uploaded  int
	Confirmed int
}

func (e *UploadIntegrityError) Error() string {
	return fmt.Sprintf("%s (uploaded %d, confirmed %d)", e.Msg, e.Uploaded, e.Confirmed)
}

// BackendError wraps a failed backend call with a message for the sender.
type BackendError struct {
	Msg string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Auth() bool {
	return backend.IsAuthErr(e.Err)
}

func (e *BackendError) Net() bool {
	return backend.IsNetErr(e.Err)
}

// cancelled unwinds the pipeline. It never leaves the package; SendableMsg
// turns it into a Cancelled result.
type cancelled struct {
	reason string
}

func (c *cancelled) Error() string {
	return "cancelled: " + c.reason
}

func cancel(reason string) error {
	return &cancelled{reason: reason}
}

func isCancelled(err error) (string, bool) {
	var c *cancelled
	if errors.As(err, &c) {
		return c.reason, true
	}
	return "", false
}
