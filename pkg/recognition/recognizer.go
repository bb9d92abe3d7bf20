// Package recognition provides face detection and embedding extraction.
// The default model uses dlib via go-face; the rest of rollcall only depends
// on the Detector and Embedder contracts and the Vector type.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Vector is a face embedding. Its length is fixed by the model that produced it.
type Vector []float32

// Face represents a detected face in an image.
type Face struct {
	BoundingBox Rectangle
	Landmarks   []Point
	// Descriptor is filled by models that compute the embedding during
	// detection (dlib does); other models leave it empty.
	Descriptor Vector
}

// Rectangle represents a bounding box.
type Rectangle struct {
	X, Y          int
	Width, Height int
}

// Point represents a 2D point.
type Point struct {
	X, Y int
}

// ErrNoFaceDetected is returned when no face is found in the image.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrMultipleFaces is returned when exactly one face was required.
var ErrMultipleFaces = errors.New("multiple faces detected")

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// ErrEmbeddingFailed is returned when no embedding could be computed for a face.
var ErrEmbeddingFailed = errors.New("embedding extraction failed")

// Detector finds face regions in an encoded image. An image without faces
// yields an empty slice and a nil error.
type Detector interface {
	DetectFaces(ctx context.Context, image []byte) ([]Face, error)
}

// Embedder computes the embedding of a detected face.
type Embedder interface {
	Embed(ctx context.Context, f Face) (Vector, error)
}

// FaceEngine is the part of go-face's Recognizer used by DlibModel.
type FaceEngine interface {
	Recognize(data []byte) ([]face.Face, error)
	Close()
}

// DlibModel implements Detector and Embedder with dlib via go-face.
type DlibModel struct {
	engine    FaceEngine
	factory   func(path string) (FaceEngine, error)
	modelPath string
	loaded    bool
	mu        sync.Mutex
}

// NewDlibModel creates an unloaded model; call LoadModels before use.
func NewDlibModel() *DlibModel {
	return &DlibModel{
		factory: func(path string) (FaceEngine, error) {
			rec, err := face.NewRecognizer(path)
			if err != nil {
				return nil, err
			}
			return rec, nil
		},
	}
}

// LoadModels loads the dlib models from the specified directory.
// The directory should contain:
// - shape_predictor_5_face_landmarks.dat
// - dlib_face_recognition_resnet_model_v1.dat
// - mmod_human_face_detector.dat
func (m *DlibModel) LoadModels(modelPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return nil
	}

	logging.Component("recognition").Infof("Loading face recognition models from: %s", modelPath)

	engine, err := m.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	m.engine = engine
	m.modelPath = modelPath
	m.loaded = true
	return nil
}

// IsLoaded returns true if models are loaded.
func (m *DlibModel) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Close releases the model resources.
func (m *DlibModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine != nil {
		m.engine.Close()
		m.engine = nil
	}
	m.loaded = false
	return nil
}

// DetectFaces detects all faces in a JPEG image. dlib computes descriptors
// in the same pass, so the returned faces already carry them.
func (m *DlibModel) DetectFaces(ctx context.Context, imageData []byte) ([]Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// dlib networks are not safe for concurrent use.
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return nil, ErrModelNotLoaded
	}

	faces, err := m.engine.Recognize(imageData)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	result := make([]Face, len(faces))
	for i, f := range faces {
		rect := f.Rectangle
		landmarks := make([]Point, len(f.Shapes))
		for j, p := range f.Shapes {
			landmarks[j] = Point{X: p.X, Y: p.Y}
		}
		desc := make(Vector, len(f.Descriptor))
		copy(desc, f.Descriptor[:])
		result[i] = Face{
			BoundingBox: Rectangle{
				X:      rect.Min.X,
				Y:      rect.Min.Y,
				Width:  rect.Dx(),
				Height: rect.Dy(),
			},
			Landmarks:  landmarks,
			Descriptor: desc,
		}
	}

	logging.Component("recognition").Debugf("Detected %d face(s) in image", len(result))
	return result, nil
}

// Embed returns the descriptor computed during detection.
func (m *DlibModel) Embed(ctx context.Context, f Face) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.Descriptor) == 0 || isZero(f.Descriptor) {
		return nil, ErrEmbeddingFailed
	}
	out := make(Vector, len(f.Descriptor))
	copy(out, f.Descriptor)
	return out, nil
}

// DetectSingleFace runs detection and requires exactly one face.
// Used at enrollment, where an ambiguous photo must be rejected.
func DetectSingleFace(ctx context.Context, d Detector, imageData []byte) (*Face, error) {
	faces, err := d.DetectFaces(ctx, imageData)
	if err != nil {
		return nil, err
	}

	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}

	if len(faces) > 1 {
		return nil, ErrMultipleFaces
	}

	return &faces[0], nil
}

// EuclideanDistance calculates the Euclidean distance between two vectors.
// Vectors of different length are infinitely far apart.
func EuclideanDistance(a, b Vector) float64 {
	if len(a) != len(b) {
		return math.MaxFloat64
	}

	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// Average computes the element-wise mean of vectors of equal length.
// Enrollment uses it to combine several photos of one student.
func Average(vectors []Vector) (Vector, error) {
	if len(vectors) == 0 {
		return nil, ErrEmbeddingFailed
	}
	if len(vectors) == 1 {
		return vectors[0], nil
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("cannot average vectors of length %d and %d", dim, len(v))
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}

	avg := make(Vector, dim)
	n := float64(len(vectors))
	for i := range sum {
		avg[i] = float32(sum[i] / n)
	}
	return avg, nil
}

func isZero(v Vector) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
