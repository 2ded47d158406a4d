package hw

import "codeberg.org/mutker/battester/internal/errors"

const (
	ErrHostInit     = errors.ErrorCode("hw_host_init_failed")
	ErrBusOpen      = errors.ErrorCode("hw_i2c_open_failed")
	ErrDeviceID     = errors.ErrorCode("hw_unexpected_device_id")
	ErrRegister     = errors.ErrorCode("hw_register_access_failed")
	ErrPinNotFound  = errors.ErrorCode("hw_pin_not_found")
	ErrPinConfigure = errors.ErrorCode("hw_pin_configure_failed")
)
