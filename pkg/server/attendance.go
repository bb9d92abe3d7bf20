package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MrCodeEU/rollcall/pkg/ledger"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// AttendanceResponse lists attendance records.
type AttendanceResponse struct {
	Date    string          `json:"date,omitempty"`
	Count   int             `json:"count"`
	Records []ledger.Record `json:"records"`
}

// MarkRequest is the body of a manual mark.
type MarkRequest struct {
	StudentID string `json:"student_id"`
}

// MarkResponse reports a manual mark.
type MarkResponse struct {
	Result string        `json:"result"`
	Record ledger.Record `json:"record"`
}

func (s *Server) attendanceToday(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Attendance.Today(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	respondJSON(w, http.StatusOK, AttendanceResponse{
		Date:    s.deps.Attendance.TodayDate(),
		Count:   len(records),
		Records: records,
	})
}

func (s *Server) attendanceHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := s.deps.Attendance.History(r.Context(), ledger.Filter{
		Date:      q.Get("date"),
		StudentID: q.Get("student_id"),
		Name:      q.Get("name"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	respondJSON(w, http.StatusOK, AttendanceResponse{Count: len(records), Records: records})
}

func (s *Server) attendanceExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="attendance-%s.csv"`, s.deps.Attendance.TodayDate()))

	n, err := s.deps.Attendance.ExportCSV(r.Context(), w)
	if err != nil {
		// Headers may already be sent; the truncated body is all we can do.
		logging.Component("server").WithError(err).Errorf("Export failed after %d records", n)
		return
	}
}

func (s *Server) attendanceStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Attendance.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) attendanceMark(w http.ResponseWriter, r *http.Request) {
	var req MarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StudentID == "" {
		respondError(w, http.StatusBadRequest, "student_id is required")
		return
	}

	student, err := s.deps.Roster.Get(req.StudentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	rec, result, err := s.deps.Attendance.Mark(r.Context(), student.StudentID, student.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if result == ledger.Marked {
		status = http.StatusCreated
	}
	respondJSON(w, status, MarkResponse{Result: result.String(), Record: rec})
}
