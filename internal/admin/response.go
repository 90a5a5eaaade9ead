package admin

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/ebusgw/ebusd/internal/logger"
)

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Error("admin: failed to encode response", logger.Err(err))
		http.Error(w, `{"status":"unhealthy","error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
