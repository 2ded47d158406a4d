package tester

import "codeberg.org/mutker/battester/internal/errors"

const (
	ErrIgnored       = errors.ErrorCode("tester_input_ignored")
	ErrInvalidInput  = errors.ErrorCode("tester_invalid_input")
	ErrTestRunning   = errors.ErrorCode("tester_test_running")
	ErrInvalidCutoff = errors.ErrorCode("tester_invalid_cutoff")
	ErrStopped       = errors.ErrorCode("tester_stopped")
)
