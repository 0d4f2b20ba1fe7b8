//
//
package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// Response is the envelope every JSON endpoint returns.
type Response struct {
	Result        string      `json:"result"`
	Data          interface{} `json:"data,omitempty"`
	Code          string      `json:"code,omitempty"`
	Message       string      `json:"message,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	CorrelationID string      `json:"correlationId"`
}

// Envelope results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// WriteSuccess writes a 200 envelope carrying data.
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	writeResponse(w, http.StatusOK, &Response{
		Result:        ResultOK,
		Data:          data,
		CorrelationID: uuid.NewString(),
	})
}

// WriteError writes an error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeResponse(w, status, &Response{
		Result:        ResultError,
		Code:          code,
		Message:       message,
		Details:       details,
		CorrelationID: uuid.NewString(),
	})
}

func writeResponse(w http.ResponseWriter, status int, response *Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Correlation-ID", response.CorrelationID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}
