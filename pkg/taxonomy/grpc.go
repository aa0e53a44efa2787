package taxonomy

import (
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain is the ErrorInfo domain attached to gRPC statuses.
const Domain = "polis-dispatch"

// GRPCCode maps the code to a gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeUnauthorized, CodeInvalidCredentials, CodeTokenExpired, CodeTokenInvalid:
		return codes.Unauthenticated
	case CodeForbidden, CodeAccountLocked:
		return codes.PermissionDenied
	case CodeValidationFailed, CodeRequiredField, CodeInvalidFormat:
		return codes.InvalidArgument
	case CodeOutOfRange:
		return codes.OutOfRange
	case CodeNotFound:
		return codes.NotFound
	case CodeAlreadyExists:
		return codes.AlreadyExists
	case CodeInvalidStateTransition, CodeCommandRejected:
		return codes.FailedPrecondition
	case CodeQuotaExceeded, CodeRateLimit:
		return codes.ResourceExhausted
	case CodeTimeout:
		return codes.DeadlineExceeded
	case CodeNetwork, CodeServiceUnavailable, CodeExternalService, CodeCircuitOpen:
		return codes.Unavailable
	case CodeDatabase, CodeInternal:
		return codes.Internal
	case CodeUnknown:
		return codes.Unknown
	}

	switch c.Category() {
	case CategoryAuth:
		return codes.PermissionDenied
	case CategoryValidation:
		return codes.InvalidArgument
	case CategoryBusiness:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// codeFromGRPC maps a gRPC status code back into the taxonomy.
func codeFromGRPC(c codes.Code) Code {
	switch c {
	case codes.Unauthenticated:
		return CodeUnauthorized
	case codes.PermissionDenied:
		return CodeForbidden
	case codes.InvalidArgument:
		return CodeValidationFailed
	case codes.OutOfRange:
		return CodeOutOfRange
	case codes.NotFound:
		return CodeNotFound
	case codes.AlreadyExists:
		return CodeAlreadyExists
	case codes.FailedPrecondition, codes.Aborted:
		return CodeInvalidStateTransition
	case codes.ResourceExhausted:
		return CodeRateLimit
	case codes.DeadlineExceeded:
		return CodeTimeout
	case codes.Unavailable:
		return CodeServiceUnavailable
	case codes.Canceled, codes.Internal, codes.DataLoss, codes.Unimplemented:
		return CodeInternal
	default:
		return CodeUnknown
	}
}

// GRPCStatus converts the error to a gRPC status. The status message is the
// sanitized user message; ErrorInfo carries the code and LocalizedMessage the
// default-locale text.
func (e *Error) GRPCStatus() *status.Status {
	return e.LocalizedGRPCStatus(DefaultLocale)
}

// LocalizedGRPCStatus converts the error to a gRPC status for locale.
func (e *Error) LocalizedGRPCStatus(locale string) *status.Status {
	msg := e.LocalizedUserMessage(locale)
	st := status.New(e.code.GRPCCode(), msg)

	metadata := map[string]string{
		"category": string(e.category),
		"error_id": e.id,
	}
	if e.context.CorrelationID != "" {
		metadata["correlation_id"] = e.context.CorrelationID
	}

	detailed, err := st.WithDetails(
		&errdetails.ErrorInfo{
			Reason:   string(e.code),
			Domain:   Domain,
			Metadata: metadata,
		},
		&errdetails.LocalizedMessage{
			Locale:  locale,
			Message: msg,
		},
	)
	if err != nil {
		return st
	}
	return detailed
}

// fromStatus maps a gRPC status into the taxonomy. A status produced by
// GRPCStatus round-trips to its original code.
func fromStatus(st *status.Status, cause error) *Error {
	code := codeFromGRPC(st.Code())
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == Domain && info.GetReason() != "" {
			code = Code(info.GetReason())
			break
		}
	}
	return build(code, st.Message(),
		WithCause(cause),
		WithDetail("grpc_code", st.Code().String()),
	)
}
