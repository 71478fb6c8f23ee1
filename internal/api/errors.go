package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/play"
	"github.com/goodtune/playgate/internal/progression"
	"github.com/goodtune/playgate/internal/quiz"
	"github.com/goodtune/playgate/internal/storage"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// writeValidationError reports rejected request fields.
func writeValidationError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Message: "Validation failed",
		Code:    http.StatusBadRequest,
		Fields:  formatValidationErrors(err),
	})
}

// kindStatus maps the access taxonomy onto HTTP status codes.
var kindStatus = map[access.ErrorKind]int{
	access.ErrKindInvalidCode:          http.StatusBadRequest,
	access.ErrKindExpired:              http.StatusGone,
	access.ErrKindSeatsExhausted:       http.StatusForbidden,
	access.ErrKindPackageTypeForbidden: http.StatusForbidden,
	access.ErrKindLevelLocked:          http.StatusConflict,
	access.ErrKindContentUnavailable:   http.StatusUnprocessableEntity,
	access.ErrKindTransientNetwork:     http.StatusServiceUnavailable,
}

// statusFor returns the status code and message for a service error.
// Unknown errors are internal.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, progression.ErrNotVerified):
		return http.StatusForbidden, "Enter a code first"
	case errors.Is(err, play.ErrAlreadyVerified):
		return http.StatusConflict, "Session is already verified"
	case errors.Is(err, play.ErrStale):
		return http.StatusConflict, "Session changed while the request was in flight"
	case errors.Is(err, play.ErrNoRound), errors.Is(err, quiz.ErrNotStarted):
		return http.StatusNotFound, "No level in progress"
	case errors.Is(err, play.ErrNoSummary):
		return http.StatusNotFound, "No finished level"
	case errors.Is(err, quiz.ErrUnknownQuestion), errors.Is(err, quiz.ErrUnknownAnswer):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, quiz.ErrNotAnswering),
		errors.Is(err, quiz.ErrAwaitingAnswer),
		errors.Is(err, quiz.ErrRoundFinished),
		errors.Is(err, progression.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, "Internal error"
}

// writeServiceError writes err as a classified or generic error reply.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *access.Error
	if errors.As(err, &ae) {
		status, ok := kindStatus[ae.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, ErrorResponse{
			Error:     http.StatusText(status),
			Kind:      string(ae.Kind),
			SubReason: string(ae.SubReason),
			Message:   ae.Message,
			NextStep:  ae.NextStep,
			Retryable: ae.Retryable(),
			Code:      status,
		})
		return
	}

	status, message := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	resp := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	}
	if errors.Is(err, play.ErrStale) {
		resp.Retryable = true
	}
	writeJSON(w, status, resp)
}
