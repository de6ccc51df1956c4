package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// internalErrorBody is written when a handler's payload cannot be encoded, e.g. a
// session context holding a value JSON has no form for.
var internalErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("api: encode static response: " + err.Error())
	}
	return data
}

// writeJSONResponse encodes response before any header is written, so an encoding
// failure still yields a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: encode failed, sending internal error", "status", statusCode, "error", err)
		body, statusCode = internalErrorBody, http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Debug("Server.writeJSONResponse: client went away", "status", statusCode, "error", err)
	}
}
