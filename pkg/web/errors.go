package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ntsync/ntsync-go/pkg/bridge"
	"github.com/ntsync/ntsync-go/pkg/connection"
	"github.com/ntsync/ntsync-go/pkg/interaction"
	"github.com/ntsync/ntsync-go/pkg/topic"
)

// Error is the JSON body of a failed request. Code uses the same status
// names as the IPC bridge.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "INVALID_REQUEST", message)
}

// writeEngineError maps an engine error onto an HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, httpStatus(err), codeFor(err), err.Error())
}

func codeFor(err error) string {
	return interaction.StatusFor(err).String()
}

func httpStatus(err error) int {
	var connErr *connection.ConnectError
	var writeErr *bridge.WriteError
	switch {
	case errors.Is(err, topic.ErrInvalidName),
		errors.Is(err, topic.ErrUnsupportedValue),
		errors.Is(err, connection.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, topic.ErrTypeMismatch):
		return http.StatusConflict
	case errors.As(err, &connErr), errors.As(err, &writeErr):
		return http.StatusBadGateway
	case errors.Is(err, bridge.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
