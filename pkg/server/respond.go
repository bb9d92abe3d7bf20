package server

import (
	"encoding/json"
	"io"
	"net/http"
)

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// readImage reads a raw image request body.
func readImage(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxImageSize))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "image too large")
		return nil, false
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "image body is required")
		return nil, false
	}
	return data, true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	status := http.StatusOK

	if s.deps.Attendance != nil {
		if err := s.deps.Attendance.Ping(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Roster != nil {
		if _, err := s.deps.Roster.Records(); err != nil {
			resp["status"] = "degraded"
			resp["roster"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, resp)
}
