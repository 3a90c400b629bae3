package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-lessons/internal/audio"
)

// Collect drains a synthesis stream into a single clip. The first chunk fixes
// the clip format; a chunk with a different format is an error.
func Collect(ctx context.Context, chunks <-chan SynthChunk, errs <-chan error, source string) (audio.Clip, error) {
	var (
		format audio.Format
		pcm    []byte
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			f := audio.Format{SampleRate: chunk.SampleRate, Channels: chunk.Channels}
			if !format.Valid() {
				format = f
			} else if f != format {
				return audio.Clip{}, fmt.Errorf("chunk %d format %s differs from %s", chunk.Sequence, f, format)
			}
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return audio.Clip{}, err
			}
		case <-ctx.Done():
			return audio.Clip{}, ctx.Err()
		}
	}
	if len(pcm) == 0 {
		return audio.Clip{}, ErrEmptyAudio
	}
	return audio.FromPCM16LE(pcm, format, source)
}
