// Package errors provides structured, code-addressable error handling.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors: a message was refused admission into a feed.
	CodeSequenceGap         Code = "VALIDATION_SEQUENCE_GAP"
	CodePreviousMismatch    Code = "VALIDATION_PREVIOUS_MISMATCH"
	CodeTimestampRegression Code = "VALIDATION_TIMESTAMP_REGRESSION"
	CodeBadSignature        Code = "VALIDATION_BAD_SIGNATURE"
	CodeMalformedMessage    Code = "VALIDATION_MALFORMED_MESSAGE"

	// Storage errors
	CodeNotFound  Code = "NOT_FOUND"
	CodeIoFailure Code = "IO_FAILURE"

	// Index errors
	CodeIndexClosed     Code = "INDEX_CLOSED"
	CodeIndexNameTaken  Code = "INDEX_NAME_TAKEN"
	CodeIndexBadVersion Code = "INDEX_BAD_VERSION"

	// Key material errors
	CodeKeypairMissing Code = "KEYPAIR_MISSING"
	CodeBadKeyMaterial Code = "BAD_KEY_MATERIAL"

	// Lifecycle errors
	CodeDatabaseClosed Code = "DATABASE_CLOSED"
)

// Validation reports whether the code belongs to the admission taxonomy.
// A validation failure is terminal for the offending message; it is never
// retried and must surface to the caller that supplied the message.
func (c Code) Validation() bool {
	switch c {
	case CodeSequenceGap,
		CodePreviousMismatch,
		CodeTimestampRegression,
		CodeBadSignature,
		CodeMalformedMessage:
		return true
	}
	return false
}

// ChainViolation reports whether the code indicates a break in an author's
// chain continuity, as opposed to a message malformed in isolation.
func (c Code) ChainViolation() bool {
	switch c {
	case CodeSequenceGap, CodePreviousMismatch, CodeTimestampRegression, CodeBadSignature:
		return true
	}
	return false
}
