package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *DomainError
		expected string
	}{
		{
			name:     "error without details",
			err:      NewDomainError("DPS-TEST-1000", "test message", StatusInternal),
			expected: "[DPS-TEST-1000] test message",
		},
		{
			name:     "error with details",
			err:      NewDomainError("DPS-TEST-1001", "test message", StatusInternal).WithDetails("extra info"),
			expected: "[DPS-TEST-1001] test message: extra info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDomainError_Is(t *testing.T) {
	err1 := NewDomainError("DPS-TEST-1000", "message 1", StatusInternal)
	err2 := NewDomainError("DPS-TEST-1000", "message 2", StatusInternal)
	err3 := NewDomainError("DPS-TEST-1001", "message 1", StatusInternal)

	if !errors.Is(err1, err2) {
		t.Error("errors.Is should return true for same error code")
	}
	if errors.Is(err1, err3) {
		t.Error("errors.Is should return false for different error code")
	}
	if errors.Is(err1, fmt.Errorf("some error")) {
		t.Error("errors.Is should return false for non-DomainError")
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying cause")
	err := ErrEndpointLimit.WithCause(cause)

	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap() = %v, want %v", errors.Unwrap(err), cause)
	}
	if errors.Unwrap(ErrEndpointLimit) != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestDomainError_WithDetailsDoesNotMutate(t *testing.T) {
	withDetails := ErrInvalidVersion.WithDetails("have 3, got 5")

	if ErrInvalidVersion.Details != "" {
		t.Error("WithDetails should not modify original error")
	}
	if withDetails.Code != ErrInvalidVersion.Code {
		t.Errorf("Code = %q, want %q", withDetails.Code, ErrInvalidVersion.Code)
	}
	if withDetails.Status != StatusInvalidVersion {
		t.Errorf("Status = %v, want %v", withDetails.Status, StatusInvalidVersion)
	}
	if !errors.Is(withDetails, ErrInvalidVersion) {
		t.Error("errors.Is should match the sentinel after WithDetails")
	}
}

func TestIsDomainError(t *testing.T) {
	if !IsDomainError(ErrDomainNotFound, "DPS-DOM-4040") {
		t.Error("IsDomainError should return true for matching code")
	}
	if IsDomainError(ErrDomainNotFound, "DPS-DOM-9999") {
		t.Error("IsDomainError should return false for non-matching code")
	}
	if IsDomainError(fmt.Errorf("regular error"), "") {
		t.Error("IsDomainError should return false for non-DomainError")
	}

	wrapped := fmt.Errorf("wrapped: %w", ErrDomainNotFound)
	if !IsDomainError(wrapped, "DPS-DOM-4040") {
		t.Error("IsDomainError should work with wrapped errors")
	}
}

func TestGetErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"domain error", ErrPolicyNotFound, "DPS-POL-4040"},
		{"wrapped domain error", fmt.Errorf("wrapped: %w", ErrRetry), "DPS-REP-5030"},
		{"regular error", fmt.Errorf("regular error"), ""},
		{"nil error", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetErrorCode(tt.err); got != tt.expected {
				t.Errorf("GetErrorCode() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Status
	}{
		{"nil", nil, StatusOK},
		{"version", ErrInvalidVersion, StatusInvalidVersion},
		{"endpoint cap", ErrEndpointLimit.WithDetails("limit 1"), StatusNoMemory},
		{"wrapped", fmt.Errorf("ctx: %w", ErrRetransmitQueueFull), StatusNoResources},
		{"foreign", errors.New("boom"), StatusInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.expected {
				t.Errorf("StatusOf() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPredefinedErrors(t *testing.T) {
	tests := []struct {
		err  *DomainError
		code string
	}{
		{ErrInvalidVersion, "DPS-EP-4090"},
		{ErrEndpointLimit, "DPS-EP-5070"},
		{ErrEndpointNotFound, "DPS-EP-4040"},
		{ErrResolutionCapacity, "DPS-AR-5070"},
		{ErrRetransmitQueueFull, "DPS-RT-5070"},
		{ErrDuplicateQueryID, "DPS-RT-4090"},
		{ErrQueryNotFound, "DPS-RT-4040"},
		{ErrReplicationQueueFull, "DPS-REP-5070"},
		{ErrRetry, "DPS-REP-5030"},
		{ErrDomainNotFound, "DPS-DOM-4040"},
		{ErrDomainExists, "DPS-DOM-4090"},
		{ErrDVGNotFound, "DPS-DVG-4040"},
		{ErrDVGExists, "DPS-DVG-4090"},
		{ErrTunnelNotFound, "DPS-TUN-4040"},
		{ErrInvalidPolicyType, "DPS-POL-4001"},
		{ErrInvalidPolicyAction, "DPS-POL-4002"},
		{ErrPolicyNotFound, "DPS-POL-4040"},
		{ErrInvalidArgument, "DPS-ARG-1001"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Error code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Error message should not be empty")
			}
		})
	}
}
