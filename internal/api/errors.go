//
//
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/radio-control/radiocore/internal/adapter"
	"github.com/radio-control/radiocore/internal/command"
	"github.com/radio-control/radiocore/internal/radio"
)

// Transport-level codes not produced by the orchestrator.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeServiceDegraded  = "SERVICE_DEGRADED"
)

// StatusFor maps a result code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case adapter.CodeInvalidRange, command.CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case command.CodeNotFound:
		return http.StatusNotFound
	case adapter.CodeBusy, adapter.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorCode classifies err, treating unknown radios from the inventory the
// same as orchestrator lookups.
func errorCode(err error) string {
	if errors.Is(err, radio.ErrRadioNotFound) {
		return command.CodeNotFound
	}
	return command.ResultCode(err)
}

func errorMessage(code string, err error) string {
	switch code {
	case command.CodeNotFound:
		return "Radio not found"
	case command.CodeBadRequest:
		return "Malformed or missing required parameter"
	default:
		return adapter.Reason(err)
	}
}

// errorDetails carries the retry hint and any vendor payload.
func errorDetails(code string, err error) map[string]interface{} {
	details := map[string]interface{}{}
	if s := adapter.Suggestion(err); s != "" && code != command.CodeNotFound && code != command.CodeBadRequest {
		details["suggestion"] = s
		details["retryable"] = adapter.Retryable(err)
	}
	var vendorErr *adapter.VendorError
	if errors.As(err, &vendorErr) && vendorErr.Details != nil {
		details["vendor"] = vendorErr.Details
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// writeCommandError writes the envelope for a failed command. BUSY responses
// carry Retry-After.
func writeCommandError(w http.ResponseWriter, err error, retryAfter time.Duration) {
	code := errorCode(err)
	if code == adapter.CodeBusy {
		secs := int((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	WriteError(w, StatusFor(code), code, errorMessage(code, err), errorDetails(code, err))
}
