package audio

import (
	"fmt"
	"math"
)

// convert brings c to the target format: channel layout first, then sample rate.
// Mono can be widened to any layout and any layout can be folded to mono.
func convert(c Clip, target Format, op string) (Clip, error) {
	if err := c.validate(op); err != nil {
		return Clip{}, err
	}
	if len(c.Samples) == 0 {
		return Clip{Format: target, Source: c.Source}, nil
	}
	if c.Format == target {
		return c, nil
	}

	samples := c.Samples
	if c.Format.Channels != target.Channels {
		var err error
		samples, err = remix(samples, c.Format.Channels, target.Channels)
		if err != nil {
			return Clip{}, &AssemblyError{Op: op, Source: c.Source, Err: err}
		}
	}
	if c.Format.SampleRate != target.SampleRate {
		frames := len(samples) / target.Channels
		outFrames := int(math.Round(float64(frames) * float64(target.SampleRate) / float64(c.Format.SampleRate)))
		step := float64(c.Format.SampleRate) / float64(target.SampleRate)
		samples = interpolate(samples, target.Channels, outFrames, step)
	}
	return Clip{Format: target, Samples: samples, Source: c.Source}, nil
}

func remix(samples []int16, from, to int) ([]int16, error) {
	frames := len(samples) / from
	switch {
	case from == 1:
		out := make([]int16, frames*to)
		for i, s := range samples {
			for ch := 0; ch < to; ch++ {
				out[i*to+ch] = s
			}
		}
		return out, nil
	case to == 1:
		out := make([]int16, frames)
		for i := 0; i < frames; i++ {
			sum := 0
			for ch := 0; ch < from; ch++ {
				sum += int(samples[i*from+ch])
			}
			out[i] = int16(sum / from)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: cannot remix %d channels to %d", ErrFormat, from, to)
	}
}

// interpolate produces outFrames frames by reading the input at positions
// i*step, linearly interpolating between neighbouring frames per channel.
func interpolate(samples []int16, channels, outFrames int, step float64) []int16 {
	frames := len(samples) / channels
	if frames == 0 || outFrames <= 0 {
		return []int16{}
	}
	out := make([]int16, outFrames*channels)
	last := frames - 1
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			copy(out[i*channels:(i+1)*channels], samples[last*channels:(last+1)*channels])
			continue
		}
		frac := pos - float64(idx)
		for ch := 0; ch < channels; ch++ {
			s0 := float64(samples[idx*channels+ch])
			s1 := float64(samples[(idx+1)*channels+ch])
			out[i*channels+ch] = int16(math.Round(s0 + frac*(s1-s0)))
		}
	}
	return out
}
