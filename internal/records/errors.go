package records

import "codeberg.org/mutker/battester/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("records_invalid_db_path")

	// Schema Errors
	ErrSchemaTooNew           = errors.ErrorCode("records_schema_too_new")
	ErrSchemaValidationFailed = errors.ErrorCode("records_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("records_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("records_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("records_storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed
	ErrNotFound      = errors.ErrResourceNotFound

	// Record Errors
	ErrNotCompleted  = errors.ErrorCode("records_not_completed")
	ErrInvalidRecord = errors.ErrorCode("records_invalid_record")
	ErrQueueFull     = errors.ErrorCode("records_queue_full")
	ErrServiceClosed = errors.ErrorCode("records_service_closed")
)
