package handler

import (
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Details []string    `json:"details,omitempty"`
}

// httpStatus maps an application error code to an HTTP status.
func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeValidation:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeInvalidState, errors.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// grpcCode maps an application error code to a gRPC status code.
func grpcCode(code errors.Code) codes.Code {
	switch code {
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeValidation:
		return codes.InvalidArgument
	case errors.ErrCodeUnauthorized:
		return codes.Unauthenticated
	case errors.ErrCodeForbidden:
		return codes.PermissionDenied
	case errors.ErrCodeInvalidState:
		return codes.FailedPrecondition
	case errors.ErrCodeConflict:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// publicMessage hides internal error text from callers.
func publicMessage(err error, code errors.Code) string {
	if code == errors.ErrCodeInternal {
		return "internal server error"
	}
	return err.Error()
}

// mapErrorToGRPC converts an application error into a gRPC status error.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := errors.CodeOf(err)
	return status.Error(grpcCode(code), publicMessage(err, code))
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	statusCode := httpStatus(code)
	if statusCode >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	payload := errorPayload{Code: code, Message: publicMessage(err, code)}
	if code != errors.ErrCodeInternal {
		var appErr *errors.AppError
		if errors.As(err, &appErr) {
			payload.Message = appErr.Message
			payload.Details = appErr.Details
		}
	}
	writeJSON(w, statusCode, errorBody{Error: payload})
}
