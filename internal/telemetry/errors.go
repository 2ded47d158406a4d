package telemetry

import "codeberg.org/mutker/battester/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidAddr   = errors.ErrorCode("telemetry_invalid_addr")

	// Service Errors
	ErrServe           = errors.ErrorCode("telemetry_serve_failed")
	ErrServiceShutdown = errors.ErrShutdownFailed
)
