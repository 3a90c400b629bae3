package tts

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"unicode/utf8"
)

const (
	mockBaseMS    = 200
	mockPerRuneMS = 40
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns an offline synthesizer that renders a short tone per
// request. Length grows with the text; pitch is derived from text and voice.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

// MockDurationMS is the length of the tone rendered for text.
func MockDurationMS(text string) int {
	return mockBaseMS + mockPerRuneMS*utf8.RuneCountInString(text)
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := ctx.Err(); err != nil {
			errs <- err
			return
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        m.tone(req),
			Final:      true,
		}
	}()
	return chunks, errs
}

func (m *mockSynth) tone(req SynthRequest) []byte {
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Voice))
	_, _ = h.Write([]byte(req.Text))
	freq := 220 + float64(h.Sum32()%440)

	frames := (MockDurationMS(req.Text)*m.sampleRate + 500) / 1000
	pcm := make([]byte, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
		for ch := 0; ch < m.channels; ch++ {
			binary.LittleEndian.PutUint16(pcm[(i*m.channels+ch)*2:], uint16(v))
		}
	}
	return pcm
}
