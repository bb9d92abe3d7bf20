package pipeline

import (
	"time"
)

// Code classifies the result of processing one frame.
type Code string

const (
	CodeNoFace        Code = "NO_FACE"
	CodeUnmatched     Code = "UNMATCHED"
	CodeAlreadyMarked Code = "ALREADY_MARKED"
	CodeMarked        Code = "MARKED"
	CodeFailed        Code = "FAILED"
	CodeSkipped       Code = "SKIPPED"
	// CodeRecognized is an identified student that has not been marked yet.
	// Identify returns it; ProcessFrame never does.
	CodeRecognized Code = "RECOGNIZED"
)

// Stage names the pipeline step a failure happened in.
type Stage string

const (
	StageDetect Stage = "detect"
	StageEmbed  Stage = "embed"
	StageMatch  Stage = "match"
	StageMark   Stage = "mark"
)

// User-facing status lines.
var messages = map[Code]string{
	CodeNoFace:        "No face detected.",
	CodeUnmatched:     "Face not recognized. Please register first.",
	CodeAlreadyMarked: "Attendance already marked for today.",
	CodeMarked:        "Attendance marked successfully.",
	CodeSkipped:       "Waiting for the next recognition slot.",
	CodeRecognized:    "Face recognized.",
}

var failureMessages = map[Stage]string{
	StageDetect: "Face detection failed. Please check the camera and try again.",
	StageEmbed:  "Could not read the face clearly. Please look straight at the camera.",
	StageMatch:  "The student roster is unavailable. Please contact an administrator.",
	StageMark:   "Attendance could not be saved. Please try again.",
}

// Message returns the status line for a code.
func Message(code Code) string {
	if msg, ok := messages[code]; ok {
		return msg
	}
	return "Recognition failed. Please try again."
}

// FailureMessage returns the status line for a failed stage.
func FailureMessage(stage Stage) string {
	if msg, ok := failureMessages[stage]; ok {
		return msg
	}
	return Message(CodeFailed)
}

// Outcome is the result of processing one frame. Err carries the internal
// cause of a failure for logging and is never shown to users.
type Outcome struct {
	Code      Code      `json:"status"`
	StudentID string    `json:"student_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Distance  float64   `json:"distance,omitempty"`
	Faces     int       `json:"faces"`
	Stage     Stage     `json:"stage,omitempty"`
	Message   string    `json:"message"`
	Err       error     `json:"-"`
	At        time.Time `json:"at"`
}

func newOutcome(code Code, at time.Time) Outcome {
	return Outcome{Code: code, Message: Message(code), At: at}
}

func failed(stage Stage, err error, at time.Time) Outcome {
	return Outcome{
		Code:    CodeFailed,
		Stage:   stage,
		Message: FailureMessage(stage),
		Err:     err,
		At:      at,
	}
}
