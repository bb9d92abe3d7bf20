// Package pipeline turns camera frames into attendance marks:
// detect a face, embed it, match it against the roster and mark the
// student present. Every step may fail; failures become outcomes with a
// user-facing message and never stop the caller's loop.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/ledger"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/matcher"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// Matcher identifies an embedding.
type Matcher interface {
	Match(q recognition.Vector) (matcher.Match, error)
}

// Ledger records attendance. TodayDate names the day a mark would land on.
type Ledger interface {
	Mark(ctx context.Context, studentID, name string) (ledger.Record, ledger.Result, error)
	TodayDate() string
}

// Recognizer runs the per-frame pipeline.
type Recognizer struct {
	detector recognition.Detector
	embedder recognition.Embedder
	matcher  Matcher
	ledger   Ledger
	now      func() time.Time
}

// NewRecognizer wires the pipeline collaborators.
func NewRecognizer(d recognition.Detector, e recognition.Embedder, m Matcher, l Ledger) *Recognizer {
	return &Recognizer{
		detector: d,
		embedder: e,
		matcher:  m,
		ledger:   l,
		now:      time.Now,
	}
}

// ProcessFrame identifies the first face in an encoded image and marks the
// student present.
func (r *Recognizer) ProcessFrame(ctx context.Context, image []byte) Outcome {
	out := r.identify(ctx, image, nil)
	if out.Code != CodeRecognized {
		return out
	}
	return r.Mark(ctx, out)
}

// Identify runs detection, embedding and matching without touching the
// ledger. A match is reported as CodeRecognized.
func (r *Recognizer) Identify(ctx context.Context, image []byte) Outcome {
	return r.identify(ctx, image, nil)
}

func (r *Recognizer) identify(ctx context.Context, image []byte, setState func(State)) Outcome {
	log := logging.Component("pipeline")
	step := func(s State) {
		if setState != nil {
			setState(s)
		}
	}

	step(StateDetecting)
	faces, err := r.detector.DetectFaces(ctx, image)
	if err != nil {
		log.WithError(err).Warn("Face detection failed")
		return failed(StageDetect, err, r.now())
	}
	if len(faces) == 0 {
		return newOutcome(CodeNoFace, r.now())
	}
	if len(faces) > 1 {
		log.Debugf("Detected %d faces, using the first", len(faces))
	}

	step(StateEmbedding)
	vec, err := r.embedder.Embed(ctx, faces[0])
	if err != nil {
		log.WithError(err).Warn("Embedding extraction failed")
		out := failed(StageEmbed, err, r.now())
		out.Faces = len(faces)
		return out
	}

	step(StateMatching)
	m, err := r.matcher.Match(vec)
	switch {
	case errors.Is(err, matcher.ErrUnmatched):
		out := newOutcome(CodeUnmatched, r.now())
		out.Faces = len(faces)
		out.Distance = m.Distance
		return out
	case err != nil:
		log.WithError(err).Error("Matching failed")
		out := failed(StageMatch, err, r.now())
		out.Faces = len(faces)
		return out
	}

	out := newOutcome(CodeRecognized, r.now())
	out.Faces = len(faces)
	out.StudentID = m.StudentID
	out.Name = m.Name
	out.Distance = m.Distance
	return out
}

// Mark records attendance for a recognized outcome. Other outcomes are
// returned unchanged.
func (r *Recognizer) Mark(ctx context.Context, in Outcome) Outcome {
	if in.Code != CodeRecognized {
		return in
	}

	out := in
	_, result, err := r.ledger.Mark(ctx, in.StudentID, in.Name)
	if err != nil {
		logging.Component("pipeline").WithError(err).Errorf("Failed to mark %s", in.StudentID)
		f := failed(StageMark, err, r.now())
		f.StudentID, f.Name, f.Distance, f.Faces = in.StudentID, in.Name, in.Distance, in.Faces
		return f
	}

	switch result {
	case ledger.AlreadyMarked:
		out.Code = CodeAlreadyMarked
	default:
		out.Code = CodeMarked
		logging.Component("pipeline").WithFields(logging.Fields{
			"student_id": in.StudentID,
			"distance":   in.Distance,
		}).Info("Attendance marked")
	}
	out.Message = Message(out.Code)
	out.At = r.now()
	return out
}
