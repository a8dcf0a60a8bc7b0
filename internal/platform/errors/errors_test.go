package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeSequenceGap, "feed abc expected seq 4 got 7")
	target := New(CodeSequenceGap, "different message")

	if !stderrors.Is(err, target) {
		t.Fatalf("expected errors with the same code to match")
	}

	other := New(CodePreviousMismatch, "previous hash mismatch")
	if stderrors.Is(err, other) {
		t.Fatalf("expected errors with different codes not to match")
	}
}

func TestErrorIsThroughWrapChain(t *testing.T) {
	inner := New(CodeNotFound, "record not found")
	wrapped := fmt.Errorf("load message: %w", inner)

	if !stderrors.Is(wrapped, New(CodeNotFound, "")) {
		t.Fatalf("expected wrapped domain error to match by code")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodeIoFailure, "append record", cause)

	if !stderrors.Is(err, cause) {
		t.Fatalf("expected wrap chain to reach the cause")
	}
	if err.Error() != "append record" {
		t.Fatalf("Error() = %q, want %q", err.Error(), "append record")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{
			name: "direct domain error",
			err:  New(CodeBadSignature, "signature verification failed"),
			want: CodeBadSignature,
		},
		{
			name: "wrapped domain error",
			err:  fmt.Errorf("validate: %w", New(CodeSequenceGap, "gap")),
			want: CodeSequenceGap,
		},
		{
			name: "plain error",
			err:  stderrors.New("plain"),
			want: CodeUnknown,
		},
		{
			name: "nil error",
			err:  nil,
			want: CodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Fatalf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCodeValidation(t *testing.T) {
	validation := []Code{
		CodeSequenceGap,
		CodePreviousMismatch,
		CodeTimestampRegression,
		CodeBadSignature,
		CodeMalformedMessage,
	}
	for _, c := range validation {
		if !c.Validation() {
			t.Fatalf("expected %s to be a validation code", c)
		}
	}

	if CodeNotFound.Validation() {
		t.Fatalf("expected NOT_FOUND not to be a validation code")
	}
	if CodeMalformedMessage.ChainViolation() {
		t.Fatalf("malformed message is not a chain violation")
	}
	if !CodeSequenceGap.ChainViolation() {
		t.Fatalf("expected sequence gap to be a chain violation")
	}
}
