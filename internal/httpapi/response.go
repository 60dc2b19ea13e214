package httpapi

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// respond writes v as protobuf when the client asked for it, JSON
// otherwise.
func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if !wantsProtobuf(r) {
		writeJSON(w, status, v)
		return
	}
	pv, err := toStructValue(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "proto_encode", "cannot encode response as protobuf")
		return
	}
	writeProto(w, status, pv)
}
