package capture

import (
	"context"
	"fmt"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
	"github.com/rohit-iwnl/EchoMind/internal/observability"
)

// Output is an audio output device able to play a chunk to completion
type Output interface {
	Play(ctx context.Context, chunk *audio.Chunk) error
}

// Play loads a recorded side file and plays it on out. It does not touch any
// capture engine, so it can run while another session records.
func Play(ctx context.Context, path string, out Output) error {
	chunk, err := audio.ReadWAV(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	logger := observability.Component("playback")
	logger.Info().
		Str("path", path).
		Dur("duration", chunk.Duration()).
		Msg("Playing recording")

	if err := out.Play(ctx, chunk); err != nil {
		return fmt.Errorf("play %s: %w", path, err)
	}
	return nil
}
