package errors

import "net/http"

// HTTPStatus maps domain codes to HTTP status codes for client responses.
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case CodeNotFound, CodeNoActiveTemplate:
		return http.StatusNotFound
	case CodeConflictOnActivation:
		return http.StatusConflict
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeSessionRevoked:
		return http.StatusUnauthorized
	case CodeIntegrityAnomaly:
		return http.StatusForbidden
	case CodeFetchFailure, CodeDeliveryFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
