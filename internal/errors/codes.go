// Package errors provides structured domain error handling for the live core.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Registry errors
	CodeNotFound             Code = "NOT_FOUND"
	CodeConflictOnActivation Code = "CONFLICT_ON_ACTIVATION"
	CodeNoActiveTemplate     Code = "NO_ACTIVE_TEMPLATE"

	// Broadcast errors
	CodeDeliveryFailure Code = "DELIVERY_FAILURE"

	// Client errors
	CodeFetchFailure     Code = "FETCH_FAILURE"
	CodeIntegrityAnomaly Code = "INTEGRITY_ANOMALY"

	// Session errors
	CodeSessionRevoked Code = "SESSION_REVOKED"
	CodeUnauthorized   Code = "UNAUTHORIZED"

	// Request errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)
