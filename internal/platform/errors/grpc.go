package errors

import (
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument,
		CodeConnectionSelf,
		CodeMessageEmptyContent,
		CodeRankLabelEmpty:
		return codes.InvalidArgument

	case CodeNotFound,
		CodeConnectionNotFound,
		CodeMessageNotFound:
		return codes.NotFound

	case CodeForbidden,
		CodeConnectionNotParticipant,
		CodeConnectionNotBlocker,
		CodeConnectionActorNotReceiver:
		return codes.PermissionDenied

	case CodeUnauthenticated,
		CodeAuthInvalidCredential:
		return codes.Unauthenticated

	case CodeConnectionInvalidTransition,
		CodeRankNotJoined:
		return codes.FailedPrecondition

	case CodeRateLimited:
		return codes.ResourceExhausted

	case CodeUnavailable,
		CodeRankPersistenceDegraded:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}

// ToGRPCStatus converts the error to a gRPC status with errdetails.
// The status message carries the internal message for logs; the
// LocalizedMessage carries the user-facing one.
func (e *Error) ToGRPCStatus(locale string, userMessage string) error {
	grpcCode := e.Code.GRPCCode()
	st := status.New(grpcCode, e.Message)

	st, err := st.WithDetails(
		&errdetails.ErrorInfo{
			Reason:   string(e.Code),
			Domain:   Domain,
			Metadata: e.Metadata,
		},
		&errdetails.LocalizedMessage{
			Locale:  locale,
			Message: userMessage,
		},
	)
	if err != nil {
		return status.New(grpcCode, e.Message).Err()
	}
	return st.Err()
}
