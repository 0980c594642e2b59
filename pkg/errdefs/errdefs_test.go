package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{
			name: "taxonomy error",
			err:  New(CodeDeviceNotFound, "device %s not found", "r1"),
			want: CodeDeviceNotFound,
		},
		{
			name: "wrapped taxonomy error",
			err:  fmt.Errorf("dispatch: %w", New(CodePlanExpired, "plan expired")),
			want: CodePlanExpired,
		},
		{
			name: "plain error maps to internal",
			err:  errors.New("boom"),
			want: CodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := Wrap(CodeTimeout, errors.New("deadline exceeded"), "probe timed out")

	if !errors.Is(err, New(CodeTimeout, "")) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, New(CodeDeviceError, "")) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestAsInternal(t *testing.T) {
	plain := errors.New("unexpected")
	internal := AsInternal(plain)

	if internal.Code != CodeInternalError {
		t.Errorf("AsInternal code = %v, want InternalError", internal.Code)
	}
	if internal.Data["error_type"] != "*errors.errorString" {
		t.Errorf("AsInternal should carry original type name, got %v", internal.Data["error_type"])
	}

	// Already-typed errors pass through unchanged
	typed := New(CodeNoChange, "nothing to do")
	if AsInternal(typed) != typed {
		t.Error("AsInternal should not rewrap taxonomy errors")
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeDeviceUnreachable, true},
		{CodeTimeout, true},
		{CodeRateLimitExceeded, true},
		{CodeAuthFailure, false},
		{CodeInvalidParams, false},
		{CodeNoChange, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := Transient(New(tt.code, "x")); got != tt.want {
				t.Errorf("Transient(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}
