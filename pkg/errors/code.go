package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Request validation errors
// 13100-13199: Workspace errors
// 13200-13299: Sandbox & execution errors
// 13300-13399: Test report errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Timeout             ErrorCode = 10008

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Request Errors (13000-13099) ==========

	LanguageNotSupported ErrorCode = 13000
	ArtifactPathInvalid  ErrorCode = 13001
	LimitsInvalid        ErrorCode = 13002
	SourceTooLarge       ErrorCode = 13003

	// ========== Workspace Errors (13100-13199) ==========

	WorkspaceError       ErrorCode = 13100
	WorkspaceReleaseFail ErrorCode = 13101
	FixtureBundleInvalid ErrorCode = 13102

	// ========== Sandbox Errors (13200-13299) ==========

	SandboxLaunchFailed  ErrorCode = 13200
	SandboxSystemError   ErrorCode = 13201
	CompilationError     ErrorCode = 13202
	RuntimeError         ErrorCode = 13203
	TimeLimitExceeded    ErrorCode = 13204
	MemoryLimitExceeded  ErrorCode = 13205
	ProcessLimitExceeded ErrorCode = 13206
	CPUTimeLimitExceeded ErrorCode = 13207
	RequestTimeout       ErrorCode = 13208
	ExecutionCancelled   ErrorCode = 13209

	// ========== Test Report Errors (13300-13399) ==========

	TestReportInvalid ErrorCode = 13300
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Timeout:             "Operation timeout",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Request
	LanguageNotSupported: "Programming language not supported",
	ArtifactPathInvalid:  "Artifact path escapes the workspace",
	LimitsInvalid:        "Resource limits are invalid",
	SourceTooLarge:       "Source is too large",

	// Workspace
	WorkspaceError:       "Workspace operation failed",
	WorkspaceReleaseFail: "Failed to release workspace",
	FixtureBundleInvalid: "Fixture bundle is invalid",

	// Sandbox
	SandboxLaunchFailed:  "Sandbox failed to launch the process",
	SandboxSystemError:   "Sandbox system error",
	CompilationError:     "Compilation error",
	RuntimeError:         "Runtime error",
	TimeLimitExceeded:    "Time limit exceeded",
	MemoryLimitExceeded:  "Memory limit exceeded",
	ProcessLimitExceeded: "Process limit exceeded",
	CPUTimeLimitExceeded: "CPU time limit exceeded",
	RequestTimeout:       "Request time budget exceeded",
	ExecutionCancelled:   "Execution cancelled",

	// Test report
	TestReportInvalid: "Test report could not be parsed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// String returns a stable identifier suitable for structured results.
func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "ok"
	case LanguageNotSupported, ArtifactPathInvalid, LimitsInvalid, SourceTooLarge:
		return "validation_error"
	case WorkspaceError, WorkspaceReleaseFail, FixtureBundleInvalid:
		return "workspace_error"
	case SandboxLaunchFailed:
		return "launch_error"
	case CompilationError:
		return "compile_error"
	case RuntimeError, MemoryLimitExceeded, ProcessLimitExceeded:
		return "runtime_error"
	case TimeLimitExceeded, RequestTimeout, CPUTimeLimitExceeded:
		return "timeout_error"
	case ExecutionCancelled:
		return "cancelled"
	case TestReportInvalid:
		return "interpret_error"
	}
	if c.IsValidation() {
		return "validation_error"
	}
	return "internal_error"
}

// IsValidation reports whether the code belongs to a request validation failure.
func (c ErrorCode) IsValidation() bool {
	switch {
	case c == InvalidParams:
		return true
	case c >= 10300 && c < 10400:
		return true
	case c >= 13000 && c < 13100:
		return true
	default:
		return false
	}
}
