package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/banshee-data/vici/internal/monitoring"
	"github.com/banshee-data/vici/internal/valve"
)

// ErrorResponse is the body of every JSON error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind is the valve error category, when there is one.
	Kind string `json:"kind,omitempty"`
}

// WriteJSONError writes a JSON error response with the given status code and message.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes a successful JSON response (200 OK).
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteError writes err with the status StatusForError picks for it.
func WriteError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if kind, ok := valve.KindOf(err); ok {
		resp.Kind = kind.String()
	}
	WriteJSON(w, StatusForError(err), resp)
}

// StatusForError maps valve error categories to HTTP statuses: a bad port
// request is the client's fault, a confused or silent valve is an upstream
// failure.
func StatusForError(err error) int {
	kind, ok := valve.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case valve.KindDomain, valve.KindConfiguration:
		return http.StatusBadRequest
	case valve.KindProtocol:
		return http.StatusBadGateway
	case valve.KindConnectivity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// MethodNotAllowed writes a 405 Method Not Allowed response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// BadRequest writes a 400 Bad Request response with the given message.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

// NotFound writes a 404 Not Found response.
func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}
