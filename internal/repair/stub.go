package repair

import "context"

// Stub is an in-process Repairer that "repairs" a file by reporting the
// derived repaired path without invoking any external decoder. It
// exists so the worker runtime's corrupt-audio path can be exercised
// and tested end-to-end without a real ffmpeg binary on PATH; callers
// that need the repaired file to actually contain bytes (e.g. so a
// following engine.Stub run sees a non-empty file) should set Write to
// copy or create the repaired artifact themselves.
type Stub struct {
	// Write, when set, is called with the derived repaired path before
	// Repair returns, so a test can materialize the file.
	Write func(repairedPath string) error
}

func (s Stub) Repair(ctx context.Context, filePath string) (string, error) {
	repairedPath := RepairedPath(filePath)
	if s.Write != nil {
		if err := s.Write(repairedPath); err != nil {
			return "", err
		}
	}
	return repairedPath, nil
}
