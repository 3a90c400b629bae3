package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const bytesPerSample = 2

// Format describes the layout of PCM samples in a Clip.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether the format can carry samples.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// FramesForMS converts a millisecond duration into a frame count, rounding to
// the nearest frame.
func (f Format) FramesForMS(ms int) int {
	if !f.Valid() || ms <= 0 {
		return 0
	}
	return int((int64(ms)*int64(f.SampleRate) + 500) / 1000)
}

// Clip is rendered audio: interleaved signed 16-bit samples plus their format.
// Source identifies where the clip came from and is used in error messages.
type Clip struct {
	Format  Format
	Samples []int16
	Source  string

	// exact is the unrounded frame count left by ChangeTempo.
	exact float64
}

// maxTempoSeconds caps the length ChangeTempo may produce.
const maxTempoSeconds = 6 * 60 * 60

// exactFrames returns the unrounded length when it still describes the samples.
func (c Clip) exactFrames() float64 {
	frames := c.Frames()
	if c.exact > 0 && int(math.Round(c.exact)) == frames {
		return c.exact
	}
	return float64(frames)
}

// Frames returns the number of sample frames (samples per channel).
func (c Clip) Frames() int {
	if c.Format.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Format.Channels
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.Format.SampleRate)
}

// DurationMS returns the playback length in whole milliseconds.
func (c Clip) DurationMS() int {
	return int(c.Duration() / time.Millisecond)
}

// Silence returns a clip of digital silence lasting ms milliseconds.
func Silence(f Format, ms int) Clip {
	return Clip{
		Format:  f,
		Samples: make([]int16, f.FramesForMS(ms)*f.Channels),
		Source:  "silence",
	}
}

// FromPCM16LE decodes little-endian 16-bit PCM bytes into a clip.
func FromPCM16LE(pcm []byte, f Format, source string) (Clip, error) {
	if !f.Valid() {
		return Clip{}, &AssemblyError{Op: "decode pcm", Source: source, Err: fmt.Errorf("%w: %s", ErrFormat, f)}
	}
	if len(pcm)%(bytesPerSample*f.Channels) != 0 {
		return Clip{}, &AssemblyError{Op: "decode pcm", Source: source, Err: fmt.Errorf("%w: %d bytes is not a whole number of frames", ErrFormat, len(pcm))}
	}
	samples := make([]int16, len(pcm)/bytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
	}
	return Clip{Format: f, Samples: samples, Source: source}, nil
}

// PCM16LE encodes the samples as little-endian 16-bit PCM bytes.
func (c Clip) PCM16LE() []byte {
	out := make([]byte, len(c.Samples)*bytesPerSample)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(s))
	}
	return out
}

func (c Clip) validate(op string) error {
	if len(c.Samples) == 0 {
		return nil
	}
	if !c.Format.Valid() {
		return &AssemblyError{Op: op, Source: c.Source, Err: fmt.Errorf("%w: %s", ErrFormat, c.Format)}
	}
	if len(c.Samples)%c.Format.Channels != 0 {
		return &AssemblyError{Op: op, Source: c.Source, Err: fmt.Errorf("%w: %d samples across %d channels", ErrFormat, len(c.Samples), c.Format.Channels)}
	}
	return nil
}
