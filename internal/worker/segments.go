package worker

import (
	"encoding/json"

	"github.com/voxpipe/transcribeq/internal/engine"
)

// encodeSegments serializes engine segments to the JSON array the
// Result row's Segments column stores.
func encodeSegments(segments []engine.Segment) (string, error) {
	if len(segments) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(segments)
	if err != nil {
		return "[]", err
	}
	return string(b), nil
}
