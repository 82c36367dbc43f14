package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/voxpipe/transcribeq/internal/modelpool"
)

// Stub is an in-process Engine that "transcribes" by stat-ing the audio
// file and reporting a deterministic, fabricated transcript sized off
// the file's byte size. It exists so the worker runtime can be exercised
// and tested end-to-end without a real acoustic model; it is not meant
// to produce a meaningful transcript.
type Stub struct {
	// SegmentSeconds is the fixed duration assigned to each synthesized
	// segment. Defaults to 5 when zero.
	SegmentSeconds float64
}

func (s Stub) Transcribe(ctx context.Context, handle *modelpool.Handle, filePath, language string, cancel CheckCancelled) (Result, error) {
	if err := cancel(); err != nil {
		return Result{}, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("file not found: %w", err)
	}
	if info.Size() == 0 {
		return Result{}, ErrCorruptAudio
	}

	if err := cancel(); err != nil {
		return Result{}, err
	}

	segSeconds := s.SegmentSeconds
	if segSeconds == 0 {
		segSeconds = 5
	}

	// A larger file "transcribes" into more synthetic segments, purely
	// so callers exercising pagination/segment handling see more than
	// one row for a nontrivial input.
	segCount := int(info.Size()/(64*1024)) + 1
	if segCount > 20 {
		segCount = 20
	}

	lang := language
	if lang == "" || lang == "auto" {
		lang = "en"
	}

	segments := make([]Segment, segCount)
	var text string
	for i := 0; i < segCount; i++ {
		start := float64(i) * segSeconds
		end := start + segSeconds
		line := fmt.Sprintf("synthetic transcript segment %d of %s", i+1, info.Name())
		segments[i] = Segment{Start: start, End: end, Text: line}
		if i > 0 {
			text += "\n\n"
		}
		text += line
	}

	return Result{
		Text:            text,
		Language:        lang,
		DurationSeconds: float64(segCount) * segSeconds,
		Segments:        segments,
	}, nil
}
