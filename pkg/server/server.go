// Package server exposes the attendance system over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/MrCodeEU/rollcall/pkg/ledger"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/pipeline"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// MaxImageSize bounds uploaded frames and enrollment photos.
const MaxImageSize = 10 << 20

// Roster is the part of the embedding store the API uses.
type Roster interface {
	Records() ([]storage.StudentRecord, error)
	Get(studentID string) (storage.StudentRecord, error)
	Remove(ctx context.Context, studentID string) error
}

// Attendance is the part of the ledger the API uses.
type Attendance interface {
	Mark(ctx context.Context, studentID, name string) (ledger.Record, ledger.Result, error)
	Today(ctx context.Context) ([]ledger.Record, error)
	History(ctx context.Context, f ledger.Filter) ([]ledger.Record, error)
	Stats(ctx context.Context) (ledger.Stats, error)
	ExportCSV(ctx context.Context, w io.Writer) (int, error)
	TodayDate() string
	Ping(ctx context.Context) error
}

// Enroller registers students from photos.
type Enroller interface {
	Enroll(ctx context.Context, studentID, name string, images ...[]byte) (storage.StudentRecord, error)
}

// Options configures the HTTP server.
type Options struct {
	Addr              string
	AdminUser         string
	AdminPasswordHash string
}

// Deps are the services behind the API.
type Deps struct {
	Roster     Roster
	Attendance Attendance
	Recognizer *pipeline.Recognizer
	Enroller   Enroller
	Sessions   *pipeline.Manager
}

// Server represents the web server
type Server struct {
	opts       Options
	deps       Deps
	router     *chi.Mux
	httpServer *http.Server
}

// New creates the HTTP server and its routes.
func New(opts Options, deps Deps) *Server {
	r := chi.NewRouter()

	s := &Server{
		opts:   opts,
		deps:   deps,
		router: r,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(time.Minute))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	admin := requireAdmin(s.opts.AdminUser, s.opts.AdminPasswordHash)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Get("/attendance/today", s.attendanceToday)
		r.Get("/attendance/history", s.attendanceHistory)
		r.Get("/students", s.listStudents)

		r.Post("/recognize", s.recognize)

		r.Post("/sessions", s.createSession)
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Post("/sessions/{id}/frames", s.submitFrame)
		r.Delete("/sessions/{id}", s.deleteSession)

		r.Group(func(r chi.Router) {
			r.Use(admin)

			r.Get("/attendance/export.csv", s.attendanceExport)
			r.Get("/attendance/stats", s.attendanceStats)
			r.Post("/attendance/mark", s.attendanceMark)

			r.Post("/students", s.createStudent)
			r.Delete("/students/{id}", s.deleteStudent)
		})
	})
}

// Start starts the HTTP server and blocks until it is shut down.
func (s *Server) Start() error {
	logging.Component("server").Infof("Listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, stops all recognition sessions and
// waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Component("server").Info("Shutting down")

	if s.deps.Sessions != nil {
		s.deps.Sessions.StopAll()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, storage.ErrStudentNotFound), errors.Is(err, pipeline.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidEmbedding),
		errors.Is(err, ledger.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, recognition.ErrNoFaceDetected),
		errors.Is(err, recognition.ErrMultipleFaces):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, storage.ErrStorageCorrupt):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the error text sent to clients. Internal errors are
// logged, not returned.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, storage.ErrDuplicateID):
		return "student id already registered"
	case errors.Is(err, storage.ErrStudentNotFound):
		return "student not found"
	case errors.Is(err, pipeline.ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, pipeline.ErrTooManySessions):
		return "too many active sessions"
	case errors.Is(err, storage.ErrInvalidEmbedding):
		return "invalid face embedding"
	case errors.Is(err, ledger.ErrInvalidFilter):
		return err.Error()
	case errors.Is(err, recognition.ErrNoFaceDetected):
		return "no face detected in the image"
	case errors.Is(err, recognition.ErrMultipleFaces):
		return "the image must contain exactly one face"
	case errors.Is(err, storage.ErrStorageCorrupt):
		return "student roster is unavailable"
	default:
		return "internal error"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Component("server").WithError(err).
			WithField("path", r.URL.Path).Error("Request failed")
	}
	respondError(w, status, publicMessage(err))
}
