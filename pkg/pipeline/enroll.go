package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// Registrar adds students to the roster.
type Registrar interface {
	Register(ctx context.Context, studentID, name string, embedding recognition.Vector) (storage.StudentRecord, error)
}

// Enroller computes enrollment embeddings and registers students.
type Enroller struct {
	detector recognition.Detector
	embedder recognition.Embedder
	roster   Registrar
}

// NewEnroller creates an Enroller.
func NewEnroller(d recognition.Detector, e recognition.Embedder, r Registrar) *Enroller {
	return &Enroller{detector: d, embedder: e, roster: r}
}

// Embed returns the embedding of the single face in an image. Images with
// no face or several faces are rejected.
func (e *Enroller) Embed(ctx context.Context, image []byte) (recognition.Vector, error) {
	f, err := recognition.DetectSingleFace(ctx, e.detector, image)
	if err != nil {
		return nil, err
	}
	return e.embedder.Embed(ctx, *f)
}

// Enroll registers a student from one or more photos. Embeddings from
// several photos are averaged into one.
func (e *Enroller) Enroll(ctx context.Context, studentID, name string, images ...[]byte) (storage.StudentRecord, error) {
	if len(images) == 0 {
		return storage.StudentRecord{}, errors.New("at least one image is required")
	}

	vectors := make([]recognition.Vector, 0, len(images))
	for i, img := range images {
		vec, err := e.Embed(ctx, img)
		if err != nil {
			return storage.StudentRecord{}, fmt.Errorf("image %d: %w", i+1, err)
		}
		vectors = append(vectors, vec)
	}

	avg, err := recognition.Average(vectors)
	if err != nil {
		return storage.StudentRecord{}, err
	}

	rec, err := e.roster.Register(ctx, studentID, name, avg)
	if err != nil {
		return storage.StudentRecord{}, err
	}

	logging.Component("enroll").WithFields(logging.Fields{
		"student_id": studentID,
		"images":     len(images),
	}).Info("Student enrolled")
	return rec, nil
}
