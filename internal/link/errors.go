package link

import "codeberg.org/mutker/battester/internal/errors"

const (
	ErrFrameTooLong     = errors.ErrorCode("link_frame_too_long")
	ErrInvalidLength    = errors.ErrorCode("link_invalid_length")
	ErrChecksumMismatch = errors.ErrorCode("link_checksum_mismatch")
	ErrMalformedPayload = errors.ErrorCode("link_malformed_payload")
	ErrPortOpen         = errors.ErrorCode("link_port_open_failed")
)
