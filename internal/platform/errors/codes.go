// Package errors provides structured error handling for messaging domain errors.
package errors

import "net/http"

// Code is a machine-readable error code. Codes are stable: they are the only
// error detail that ever crosses the transport boundary to a client.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Generic request errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeForbidden       Code = "FORBIDDEN"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeUnavailable     Code = "UNAVAILABLE"

	// Connection lifecycle errors
	CodeConnectionSelf              Code = "CONNECTION_SELF"
	CodeConnectionNotFound          Code = "CONNECTION_NOT_FOUND"
	CodeConnectionNotParticipant    Code = "CONNECTION_NOT_PARTICIPANT"
	CodeConnectionInvalidTransition Code = "CONNECTION_INVALID_TRANSITION"
	CodeConnectionNotBlocker        Code = "CONNECTION_NOT_BLOCKER"
	CodeConnectionActorNotReceiver  Code = "CONNECTION_ACTOR_NOT_RECEIVER"

	// Message errors
	CodeMessageEmptyContent Code = "MESSAGE_EMPTY_CONTENT"
	CodeMessageNotFound     Code = "MESSAGE_NOT_FOUND"

	// Rank channel errors
	CodeRankLabelEmpty          Code = "RANK_LABEL_EMPTY"
	CodeRankNotJoined           Code = "RANK_NOT_JOINED"
	CodeRankPersistenceDegraded Code = "RANK_PERSISTENCE_DEGRADED"

	// Auth errors
	CodeAuthInvalidCredential Code = "AUTH_INVALID_CREDENTIAL"
)

// HTTPStatus maps domain codes to HTTP status codes for the REST read surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument,
		CodeConnectionSelf,
		CodeMessageEmptyContent,
		CodeRankLabelEmpty:
		return http.StatusBadRequest

	case CodeNotFound,
		CodeConnectionNotFound,
		CodeMessageNotFound:
		return http.StatusNotFound

	case CodeForbidden,
		CodeConnectionNotParticipant,
		CodeConnectionNotBlocker,
		CodeConnectionActorNotReceiver:
		return http.StatusForbidden

	case CodeUnauthenticated,
		CodeAuthInvalidCredential:
		return http.StatusUnauthorized

	case CodeConnectionInvalidTransition,
		CodeRankNotJoined:
		return http.StatusConflict

	case CodeRateLimited:
		return http.StatusTooManyRequests

	case CodeUnavailable,
		CodeRankPersistenceDegraded:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
