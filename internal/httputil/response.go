package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Fantasim/hdcustody/internal/models"
)

// JSON writes data in the standard {"data": ...} envelope.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	writeBody(w, status, models.APIResponse{Data: data})
}

// JSONWithMeta writes data with execution metadata. total may be zero.
func JSONWithMeta(w http.ResponseWriter, status int, data interface{}, total int64, started time.Time) {
	writeBody(w, status, models.APIResponse{
		Data: data,
		Meta: &models.APIMeta{
			Total:         total,
			ExecutionTime: time.Since(started).Milliseconds(),
		},
	})
}

// Error writes an error response with the given status code, error code, and message.
func Error(w http.ResponseWriter, status int, code, message string) {
	writeBody(w, status, models.APIError{
		Error: models.APIErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

func writeBody(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
