// Package transcript writes the transcript artifact file: a metadata
// header followed by the transcript body. The header format and
// segment line formats are grounded line-for-line on the reference
// implementation's output-file-writing block (tasks.py,
// transcribe_audio_task), translated from an in-place os.write to an
// explicit Writer for testability.
package transcript

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/voxpipe/transcribeq/internal/engine"
)

// Metadata carries everything the header line needs beyond the engine
// Result itself.
type Metadata struct {
	OriginalFilename string
	ByteSize         int64
	ModelTier        string
	TranscribedAt    time.Time
	RequestedLang    string // "auto" or an ISO code, used when the engine didn't detect one
}

// Write renders the full artifact (header + body) to w. When
// result.Segments is non-empty, the body is one line per segment in
// "[HH:MM:SS - HH:MM:SS] text" format (or
// "[HH:MM:SS - HH:MM:SS] SPEAKER: text" when the segment carries a
// speaker label), separated by a blank line; otherwise the body is the
// plain result text.
func Write(w io.Writer, meta Metadata, result engine.Result) error {
	mb := float64(meta.ByteSize) / (1024 * 1024)

	duration := "unknown"
	if result.DurationSeconds > 0 {
		duration = fmt.Sprintf("%g", result.DurationSeconds)
	}

	language := result.Language
	if language == "" {
		language = meta.RequestedLang
	}
	if language == "" {
		language = "auto"
	}

	header := fmt.Sprintf(
		"# Transcription Metadata\n"+
			"# File: %s\n"+
			"# Size: %.1fMB\n"+
			"# Model: %s\n"+
			"# Transcribed: %s UTC\n"+
			"# Duration: %s seconds\n"+
			"# Language: %s\n\n",
		meta.OriginalFilename, mb, meta.ModelTier,
		meta.TranscribedAt.UTC().Format("2006-01-02 15:04:05"),
		duration, language,
	)
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}

	if len(result.Segments) == 0 {
		_, err := io.WriteString(w, result.Text)
		return err
	}

	lines := make([]string, 0, len(result.Segments))
	for _, seg := range result.Segments {
		line := fmt.Sprintf("[%s - %s] ", formatClock(seg.Start), formatClock(seg.End))
		if seg.Speaker != "" {
			line += seg.Speaker + ": " + seg.Text
		} else {
			line += seg.Text
		}
		lines = append(lines, line)
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n\n"))
	return err
}

// formatClock renders a duration in seconds as HH:MM:SS.
func formatClock(seconds float64) string {
	total := int(seconds + 0.5)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
