package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/pipeline"
)

// SessionResponse describes a recognition session.
type SessionResponse struct {
	ID        string                `json:"id"`
	State     string                `json:"state"`
	CreatedAt time.Time             `json:"created_at"`
	Stats     pipeline.SessionStats `json:"stats"`
	Latest    *pipeline.Outcome     `json:"latest,omitempty"`
}

// FrameResponse reports whether a submitted frame will be recognized.
type FrameResponse struct {
	Accepted bool              `json:"accepted"`
	Latest   *pipeline.Outcome `json:"latest,omitempty"`
}

func describe(sess *pipeline.Session) SessionResponse {
	resp := SessionResponse{
		ID:        sess.ID(),
		State:     sess.State().String(),
		CreatedAt: sess.CreatedAt(),
		Stats:     sess.Stats(),
	}
	if out, ok := sess.Latest(); ok {
		resp.Latest = &out
	}
	return resp
}

// recognize runs the full pipeline on one uploaded image.
func (s *Server) recognize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recognizer == nil {
		respondError(w, http.StatusServiceUnavailable, "face recognition is not available")
		return
	}
	img, ok := readImage(w, r)
	if !ok {
		return
	}

	out := s.deps.Recognizer.ProcessFrame(r.Context(), img)
	status := http.StatusOK
	if out.Code == pipeline.CodeFailed {
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, out)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		respondError(w, http.StatusServiceUnavailable, "face recognition is not available")
		return
	}
	sess, err := s.deps.Sessions.Create()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, describe(sess))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	out := []SessionResponse{}
	if s.deps.Sessions != nil {
		for _, sess := range s.deps.Sessions.List() {
			out = append(out, describe(sess))
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*pipeline.Session, bool) {
	if s.deps.Sessions == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	sess, err := s.deps.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, describe(sess))
}

// submitFrame hands a frame to a session. The response carries the latest
// outcome so clients can poll and submit in one request.
func (s *Server) submitFrame(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	img, ok := readImage(w, r)
	if !ok {
		return
	}

	accepted := sess.Submit(camera.Frame{
		Data:      img,
		Format:    "JPEG",
		Timestamp: time.Now(),
		Origin:    "http",
	})

	resp := FrameResponse{Accepted: accepted}
	if out, ok := sess.Latest(); ok {
		resp.Latest = &out
	}
	status := http.StatusAccepted
	if !accepted {
		status = http.StatusOK
	}
	respondJSON(w, status, resp)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.deps.Sessions.Stop(chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
