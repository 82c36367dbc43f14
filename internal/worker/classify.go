package worker

import (
	"errors"
	"strings"

	"github.com/voxpipe/transcribeq/internal/engine"
)

// Error kind taxonomy values, stored verbatim in Job.ErrorType and
// ErrorLog.ErrorType.
const (
	KindOutOfMemory    = "OutOfMemory"
	KindCorruptAudio   = "CorruptAudioFile"
	KindTransientError = "TransientNetworkError"
	KindFileNotFound   = "FileNotFound"
	KindPermission     = "PermissionError"
	KindEngineError    = "EngineError"
	KindUnknownError   = "UnknownError"
)

// recoverable reports whether a kind is ever eligible for a retry, per
// the error handling table (spec.md §7). FileNotFound and
// PermissionError fail immediately with no retry.
var recoverable = map[string]bool{
	KindOutOfMemory:    true,
	KindCorruptAudio:   true,
	KindTransientError: true,
	KindFileNotFound:   false,
	KindPermission:     false,
	KindEngineError:    true,
	KindUnknownError:   true,
}

// Recoverable reports whether kind is eligible for a retry at all
// (subject still to the job's retry_count/max_retries budget).
func Recoverable(kind string) bool {
	return recoverable[kind]
}

// Classify maps an error returned by the engine (or any other step of
// the worker's task handling) to a taxonomy kind. Sentinel engine
// errors are matched directly; anything else falls back to the
// substring classifier, a direct generalization of the reference
// implementation's classify_error (case-insensitive substring match
// against a fixed, ordered pattern list).
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, engine.ErrOutOfMemory):
		return KindOutOfMemory
	case errors.Is(err, engine.ErrCorruptAudio):
		return KindCorruptAudio
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage runs the substring classifier directly against a
// message string, for callers (e.g. DLQ reprocessing) that only have
// the recorded error text, not a Go error value.
func ClassifyMessage(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "out of memory") || strings.Contains(m, "oom"):
		return KindOutOfMemory
	case strings.Contains(m, "cannot reshape tensor") || strings.Contains(m, "0 elements"):
		return KindCorruptAudio
	case strings.Contains(m, "timeout") || strings.Contains(m, "connection"):
		return KindTransientError
	case strings.Contains(m, "file not found") || strings.Contains(m, "no such file"):
		return KindFileNotFound
	case strings.Contains(m, "permission denied"):
		return KindPermission
	case strings.HasPrefix(m, "engine:"):
		return KindEngineError
	default:
		return KindUnknownError
	}
}
