package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// StudentSummary is a roster entry without its embedding.
type StudentSummary struct {
	StudentID    string    `json:"student_id"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
}

// StudentsResponse lists the roster.
type StudentsResponse struct {
	Count    int              `json:"count"`
	Students []StudentSummary `json:"students"`
}

func summarize(rec storage.StudentRecord) StudentSummary {
	return StudentSummary{StudentID: rec.StudentID, Name: rec.Name, RegisteredAt: rec.RegisteredAt}
}

func (s *Server) listStudents(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Roster.Records()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := make([]StudentSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, summarize(rec))
	}
	respondJSON(w, http.StatusOK, StudentsResponse{Count: len(out), Students: out})
}

// createStudent enrolls a student from a multipart form with student_id,
// name and one or more image files.
func (s *Server) createStudent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Enroller == nil {
		respondError(w, http.StatusServiceUnavailable, "face recognition is not available")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 4*MaxImageSize)
	if err := r.ParseMultipartForm(MaxImageSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	studentID := strings.TrimSpace(r.FormValue("student_id"))
	name := strings.TrimSpace(r.FormValue("name"))
	if studentID == "" || name == "" {
		respondError(w, http.StatusBadRequest, "student_id and name are required")
		return
	}

	files := r.MultipartForm.File["image"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "at least one image is required")
		return
	}

	images := make([][]byte, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read image")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read image")
			return
		}
		images = append(images, data)
	}

	rec, err := s.deps.Enroller.Enroll(r.Context(), studentID, name, images...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, summarize(rec))
}

func (s *Server) deleteStudent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Roster.Remove(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
