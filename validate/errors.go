package validate

import (
	apperrors "github.com/louisbranch/tidepool/internal/platform/errors"
)

// Sentinel validation errors. Detailed errors carry feed and sequence
// metadata but match these via errors.Is, so callers branch on kind
// without string inspection.
var (
	// ErrSequenceGap means the candidate's sequence is not latest+1.
	ErrSequenceGap = apperrors.New(apperrors.CodeSequenceGap, "message sequence breaks feed continuity")

	// ErrPreviousMismatch means the candidate's previous ref is not the feed head.
	ErrPreviousMismatch = apperrors.New(apperrors.CodePreviousMismatch, "previous ref does not match feed head")

	// ErrTimestampRegression means the candidate's timestamp precedes the feed head's.
	ErrTimestampRegression = apperrors.New(apperrors.CodeTimestampRegression, "timestamp precedes feed head")

	// ErrBadSignature means signature verification failed.
	ErrBadSignature = apperrors.New(apperrors.CodeBadSignature, "message signature is invalid")

	// ErrMalformed means the message is invalid in isolation.
	ErrMalformed = apperrors.New(apperrors.CodeMalformedMessage, "message is malformed")
)

// IsChainViolation reports whether err is a break in chain continuity, as
// opposed to a message malformed on its own. Validation errors are never
// retried; they mean a corrupt or malicious message, or a genuine fork.
func IsChainViolation(err error) bool {
	return apperrors.CodeOf(err).ChainViolation()
}

// IsValidationError reports whether err belongs to the admission taxonomy.
func IsValidationError(err error) bool {
	return apperrors.CodeOf(err).Validation()
}
