package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeInvalidType          ErrorCode = 102
	ErrCodeMissingParameter     ErrorCode = 103
	ErrCodeInvalidGranularity   ErrorCode = 104
	ErrCodeInvalidEventPayload  ErrorCode = 105
	ErrCodeInvalidSchemaVersion ErrorCode = 106

	// Store errors (200-299)
	ErrCodeStoreUnavailable   ErrorCode = 200
	ErrCodeQueryFailed        ErrorCode = 201
	ErrCodeSnapshotNotFound   ErrorCode = 202
	ErrCodeExecutionNotFound  ErrorCode = 203
	ErrCodeEventAppendFailed  ErrorCode = 204
	ErrCodeMetricsWriteFailed ErrorCode = 205

	// Lock errors (300-399)
	ErrCodeCacheUnavailable ErrorCode = 300
	ErrCodeLockReadFailed   ErrorCode = 301
	ErrCodeLockWriteFailed  ErrorCode = 302
	ErrCodeLockHeld         ErrorCode = 303

	// Strategy errors (400-499)
	ErrCodeStrategyNotRegistered ErrorCode = 400
	ErrCodeStrategyConfigError   ErrorCode = 401
	ErrCodeStrategyRuntimeError  ErrorCode = 402
	ErrCodeStrategyStateCorrupt  ErrorCode = 403

	// Order errors (500-599)
	ErrCodeOrderDispatchFailed  ErrorCode = 500
	ErrCodeOrderRejected        ErrorCode = 501
	ErrCodeComplianceRejected   ErrorCode = 502
	ErrCodeBrokerUnavailable    ErrorCode = 503
	ErrCodeInvalidOrderRequest  ErrorCode = 504
	ErrCodeUnsupportedEventType ErrorCode = 505

	// Executor errors (600-699)
	ErrCodeExecutorStateLoad   ErrorCode = 600
	ErrCodeExecutorStateSave   ErrorCode = 601
	ErrCodeExecutorLifecycle   ErrorCode = 602
	ErrCodeExecutorInterrupted ErrorCode = 603

	// Tick source errors (700-799)
	ErrCodeTickSourceClosed      ErrorCode = 700
	ErrCodeTickSourceUnavailable ErrorCode = 701
	ErrCodeTickParseFailed       ErrorCode = 702
	ErrCodeTickStreamExhausted   ErrorCode = 703
)
