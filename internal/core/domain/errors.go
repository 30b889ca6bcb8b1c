// Package domain defines the core domain models for the DPS node.
package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a business domain error with a structured error code.
// Codes follow the format DPS-<AREA>-<NNNN>.
type DomainError struct {
	Code    string // Error code (e.g., "DPS-EP-4090")
	Message string // Human-readable message
	Details string // Optional additional details
	Status  Status // Wire status reported to the requesting client
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code, message and
// wire status.
func NewDomainError(code, message string, status Status) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	c := *e
	c.Details = details
	return &c
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	c := *e
	c.Cause = cause
	return &c
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// StatusOf maps an error to the status reported on the wire.
// A nil error is StatusOK; errors outside the domain taxonomy are
// StatusInternal.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Status
	}
	return StatusInternal
}

// ============================================================================
// Ordering violations (recoverable, the client resyncs)
// ============================================================================

var (
	// ErrInvalidVersion indicates an endpoint update arrived out of sequence.
	ErrInvalidVersion = NewDomainError("DPS-EP-4090", "invalid endpoint version", StatusInvalidVersion)
)

// ============================================================================
// Capacity exhaustion (rejected at the boundary, no partial mutation)
// ============================================================================

var (
	// ErrEndpointLimit indicates the global endpoint cap was reached.
	ErrEndpointLimit = NewDomainError("DPS-EP-5070", "endpoint limit reached", StatusNoMemory)

	// ErrResolutionCapacity indicates the domain cannot track more unresolved lookups.
	ErrResolutionCapacity = NewDomainError("DPS-AR-5070", "address resolution capacity exhausted", StatusNoResources)

	// ErrRetransmitQueueFull indicates the retransmission queue is full.
	ErrRetransmitQueueFull = NewDomainError("DPS-RT-5070", "retransmit queue full", StatusNoResources)

	// ErrReplicationQueueFull indicates too many replication requests are in flight.
	ErrReplicationQueueFull = NewDomainError("DPS-REP-5070", "replication queue full", StatusNoResources)
)

// ============================================================================
// Transient cluster conditions (mapped to a retry status)
// ============================================================================

var (
	// ErrRetry indicates the request should be retried by the client.
	ErrRetry = NewDomainError("DPS-REP-5030", "retry later", StatusRetry)

	// ErrNoLiveNodes indicates no reachable node owns the domain.
	ErrNoLiveNodes = NewDomainError("DPS-CLU-5030", "no live nodes for domain", StatusRetry)

	// ErrReplicationFailed indicates a peer rejected a replicated update.
	// The copy returned to callers carries the peer's status.
	ErrReplicationFailed = NewDomainError("DPS-REP-5000", "replication rejected by peer", StatusInternal)
)

// ============================================================================
// Lookup and validation errors
// ============================================================================

var (
	// ErrDomainNotFound indicates the domain (or the VNID's domain) is unknown.
	ErrDomainNotFound = NewDomainError("DPS-DOM-4040", "domain not found", StatusInvalidDomain)

	// ErrDomainExists indicates the domain is already registered.
	ErrDomainExists = NewDomainError("DPS-DOM-4090", "domain already exists", StatusInvalidDomain)

	// ErrDVGNotFound indicates the virtual network is unknown.
	ErrDVGNotFound = NewDomainError("DPS-DVG-4040", "virtual network not found", StatusInvalidDVG)

	// ErrDVGExists indicates the VNID is already registered.
	ErrDVGExists = NewDomainError("DPS-DVG-4090", "virtual network already exists", StatusInvalidDVG)

	// ErrEndpointNotFound indicates the endpoint is unknown.
	ErrEndpointNotFound = NewDomainError("DPS-EP-4040", "endpoint not found", StatusNoSuchEndpoint)

	// ErrTunnelNotFound indicates the tunnel endpoint is unknown.
	ErrTunnelNotFound = NewDomainError("DPS-TUN-4040", "tunnel endpoint not found", StatusInvalidTunnel)

	// ErrInvalidPolicyType indicates a policy type other than connectivity.
	ErrInvalidPolicyType = NewDomainError("DPS-POL-4001", "invalid policy type", StatusInvalidPolicy)

	// ErrInvalidPolicyAction indicates the action payload could not be decoded.
	ErrInvalidPolicyAction = NewDomainError("DPS-POL-4002", "invalid policy action", StatusInvalidPolicy)

	// ErrPolicyNotFound indicates the policy key is unknown.
	ErrPolicyNotFound = NewDomainError("DPS-POL-4040", "policy not found", StatusInvalidPolicy)

	// ErrHostNotFound indicates the client host is not tracked.
	ErrHostNotFound = NewDomainError("DPS-HOST-4040", "client host not found", StatusInvalidArgument)

	// ErrNodeNotFound indicates the cluster member is unknown or not live.
	ErrNodeNotFound = NewDomainError("DPS-CLU-4040", "cluster node not found", StatusInvalidArgument)

	// ErrDuplicateQueryID indicates a query id is already being retransmitted.
	ErrDuplicateQueryID = NewDomainError("DPS-RT-4090", "duplicate query id", StatusInternal)

	// ErrQueryNotFound indicates the query id is not tracked.
	ErrQueryNotFound = NewDomainError("DPS-RT-4040", "query id not found", StatusInternal)

	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("DPS-ARG-1001", "invalid argument", StatusInvalidArgument)
)
