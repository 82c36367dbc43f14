// Package engine defines the speech-to-text collaborator contract the
// worker runtime drives. The engine itself — decoder, acoustic model,
// diarization — is an external collaborator out of scope for this
// repository; this package only fixes the interface and ships a stub
// implementation so the worker is exercisable and testable end-to-end.
package engine

import (
	"context"
	"errors"

	"github.com/voxpipe/transcribeq/internal/modelpool"
)

// ErrOutOfMemory signals the engine could not run with the model handed
// to it; the worker classifies this as OutOfMemory and may fall back to
// a smaller tier.
var ErrOutOfMemory = modelpool.ErrOutOfMemory

// ErrCorruptAudio signals the input decoded to an empty or malformed
// tensor, grounded on the reference engine's "cannot reshape tensor" /
// "0 elements" RuntimeError.
var ErrCorruptAudio = errors.New("engine: cannot reshape tensor, input has 0 elements")

// Segment is one diarized or plain span of the transcript.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"` // empty when diarization did not run or could not assign a speaker
}

// Result is what a successful run produces.
type Result struct {
	Text            string
	Language        string
	DurationSeconds float64
	Segments        []Segment
}

// CheckCancelled is consulted at each checkpoint the engine defines; it
// returns a non-nil error (typically context.Canceled) once the caller
// should stop and return without writing a Result. This is the
// mechanism by which "cancellation is honored at worker progress
// checkpoints" is expressed for an engine that runs synchronously
// in-process rather than polling cooperatively mid-inference.
type CheckCancelled func() error

// Engine transcribes an audio/video file using the model held in
// handle. Implementations MUST check cancel between expensive internal
// steps and MUST return ErrOutOfMemory or ErrCorruptAudio (wrapped or
// bare) rather than panicking on those conditions.
type Engine interface {
	Transcribe(ctx context.Context, handle *modelpool.Handle, filePath, language string, cancel CheckCancelled) (Result, error)
}
