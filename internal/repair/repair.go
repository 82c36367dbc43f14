// Package repair defines the audio-repair collaborator contract the
// worker runtime drives when the engine reports a corrupt input. The
// decoder/re-encoder itself is an external collaborator (ffmpeg, or
// whatever transcoding stack a deployment has on PATH); this package
// fixes the interface and ships a concrete ffmpeg-backed implementation,
// grounded on the reference implementation's repair_and_retry_task and
// repair_audio.py: re-encode to 16kHz mono MP3 and hand back the new
// path for the worker to retry against.
package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrRepairFailed wraps any failure of the underlying decoder/re-encoder,
// including a zero-byte or missing output file.
var ErrRepairFailed = errors.New("repair: audio repair failed")

// Repairer re-encodes the audio/video file at filePath into a format the
// engine can decode and returns the path of the repaired artifact.
// Implementations MUST NOT mutate or remove filePath itself — the
// repaired artifact is a sibling file, since the original is retained
// for DLQ inspection if every retry still fails.
type Repairer interface {
	Repair(ctx context.Context, filePath string) (repairedPath string, err error)
}

// FFmpeg shells out to the system ffmpeg binary, re-encoding to 16kHz
// mono MP3 at 64kbps — the exact target format of the reference
// implementation's repair_and_retry_task. The repaired file is written
// alongside the original as "{base}_repaired.mp3"; a pre-existing,
// non-empty repaired file is reused rather than re-encoded, mirroring
// the reference task's idempotency check for a task that might be
// redelivered.
type FFmpeg struct {
	// Binary is the ffmpeg executable name or path; defaults to
	// "ffmpeg" (resolved via PATH) when empty.
	Binary string
	// Timeout bounds a single re-encode invocation; defaults to 60s,
	// the reference task's subprocess timeout.
	Timeout time.Duration
}

// Repair implements Repairer.
func (f FFmpeg) Repair(ctx context.Context, filePath string) (string, error) {
	repairedPath := RepairedPath(filePath)

	if info, err := os.Stat(repairedPath); err == nil && info.Size() > 0 {
		return repairedPath, nil
	}

	binary := f.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binary,
		"-y",
		"-i", filePath,
		"-acodec", "libmp3lame",
		"-ar", "16000",
		"-ac", "1",
		"-ab", "64k",
		repairedPath,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %v: %s", ErrRepairFailed, err, strings.TrimSpace(stderr.String()))
	}

	info, err := os.Stat(repairedPath)
	if err != nil || info.Size() == 0 {
		return "", fmt.Errorf("%w: repair produced empty file", ErrRepairFailed)
	}
	return repairedPath, nil
}

// RepairedPath derives the repaired-artifact path the way
// repair_and_retry_task does: same directory, "{base}_repaired.mp3".
func RepairedPath(filePath string) string {
	dir := filepath.Dir(filePath)
	base := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	return filepath.Join(dir, base+"_repaired.mp3")
}
