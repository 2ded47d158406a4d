package bi

import "codeberg.org/mutker/battester/internal/errors"

const (
	ErrInvalidLimits = errors.ErrorCode("bi_invalid_limits")
	ErrSensorRead    = errors.ErrorCode("bi_sensor_read_failed")
	ErrPresenceRead  = errors.ErrorCode("bi_presence_read_failed")
	ErrLoadWrite     = errors.ErrorCode("bi_load_write_failed")
	ErrReplyWrite    = errors.ErrorCode("bi_reply_write_failed")
)
