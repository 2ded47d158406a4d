package session

import "codeberg.org/mutker/battester/internal/errors"

const (
	ErrTimeout      = errors.ErrorCode("session_timeout")
	ErrClosed       = errors.ErrorCode("session_closed")
	ErrWrite        = errors.ErrorCode("session_write_failed")
	ErrUnexpected   = errors.ErrorCode("session_unexpected_reply")
	ErrInvalidReply = errors.ErrorCode("session_invalid_reply")
)

// IsLinkFault reports whether err means the BI did not answer usefully.
func IsLinkFault(err error) bool {
	return errors.HasCode(err, ErrTimeout) ||
		errors.HasCode(err, ErrClosed) ||
		errors.HasCode(err, ErrWrite) ||
		errors.HasCode(err, ErrUnexpected)
}
