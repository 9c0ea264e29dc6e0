package streamerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	crash := fmt.Errorf("relay: %w", &EncoderCrashedError{ExitCode: 1, Lines: []string{"pipe:0: Invalid data"}})
	if !errors.Is(crash, ErrEncoderCrashed) {
		t.Errorf("expected crash to match ErrEncoderCrashed: %v", crash)
	}
	var ce *EncoderCrashedError
	if !errors.As(crash, &ce) || ce.ExitCode != 1 {
		t.Errorf("errors.As: got %#v", ce)
	}

	exhausted := &DeleteExhaustedError{Files: []string{"segment3.ts"}}
	if !errors.Is(exhausted, ErrSegmentDeleteExhausted) {
		t.Error("expected DeleteExhaustedError to match sentinel")
	}
	if errors.Is(exhausted, ErrEncoderCrashed) {
		t.Error("DeleteExhaustedError should not match ErrEncoderCrashed")
	}
}

func TestSurfaced(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrConnectionRejected, false},
		{fmt.Errorf("start: %w", ErrOperationSuperseded), false},
		{fmt.Errorf("stop: %w", ErrTimeout), false},
		{ErrEncoderSpawn, true},
		{ErrNoSupportedFormat, true},
		{&EncoderCrashedError{ExitCode: 1}, true},
	}
	for _, tc := range cases {
		if got := Surfaced(tc.err); got != tc.want {
			t.Errorf("Surfaced(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
