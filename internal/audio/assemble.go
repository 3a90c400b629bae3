package audio

import (
	"fmt"
	"math"
)

// SilenceMode selects how the pause after each clip in a section is sized.
type SilenceMode string

const (
	// SilenceFixed inserts the same pause after every clip.
	SilenceFixed SilenceMode = "fixed"
	// SilenceDynamic pauses for the clip's own length plus a constant.
	SilenceDynamic SilenceMode = "dynamic"
)

// SilenceProfile is the pause policy applied between the clips of a section.
type SilenceProfile struct {
	Mode SilenceMode
	MS   int
}

// FixedSilence pauses ms milliseconds after every clip.
func FixedSilence(ms int) SilenceProfile {
	return SilenceProfile{Mode: SilenceFixed, MS: ms}
}

// DynamicSilence pauses for each clip's own duration plus extraMS.
func DynamicSilence(extraMS int) SilenceProfile {
	return SilenceProfile{Mode: SilenceDynamic, MS: extraMS}
}

// Section is an ordered run of clips rendered with one silence profile.
type Section struct {
	Name    string
	Clips   []Clip
	Silence SilenceProfile
}

// Render assembles the section into a single clip.
func (s Section) Render() (Clip, error) {
	var (
		out Clip
		err error
	)
	switch s.Silence.Mode {
	case SilenceFixed, "":
		out, err = ConcatWithFixedSilence(s.Clips, s.Silence.MS)
	case SilenceDynamic:
		out, err = ConcatWithDynamicSilence(s.Clips, s.Silence.MS)
	default:
		return Clip{}, &AssemblyError{Op: "render", Source: s.Name, Err: fmt.Errorf("unknown silence mode %q", s.Silence.Mode)}
	}
	if err != nil {
		return Clip{}, err
	}
	out.Source = s.Name
	return out, nil
}

// ConcatWithFixedSilence appends silenceMS of silence after every clip,
// including the last one. An empty list yields a zero-length clip.
func ConcatWithFixedSilence(clips []Clip, silenceMS int) (Clip, error) {
	if silenceMS < 0 {
		return Clip{}, &AssemblyError{Op: "concat", Err: fmt.Errorf("%w: %d", ErrNegativeSilence, silenceMS)}
	}
	return concat("concat", clips, func(f Format, _ Clip) int {
		return f.FramesForMS(silenceMS)
	})
}

// ConcatWithDynamicSilence follows each clip with a pause as long as the clip
// itself plus extraMS, so longer phrases leave more time to repeat them.
func ConcatWithDynamicSilence(clips []Clip, extraMS int) (Clip, error) {
	if extraMS < 0 {
		return Clip{}, &AssemblyError{Op: "concat dynamic", Err: fmt.Errorf("%w: %d", ErrNegativeSilence, extraMS)}
	}
	return concat("concat dynamic", clips, func(f Format, c Clip) int {
		return c.Frames() + f.FramesForMS(extraMS)
	})
}

// JoinSections concatenates already padded sections without adding silence.
// At least one section is required.
func JoinSections(sections []Clip) (Clip, error) {
	if len(sections) == 0 {
		return Clip{}, &AssemblyError{Op: "join", Err: ErrNoClips}
	}
	return concat("join", sections, func(Format, Clip) int { return 0 })
}

// ChangeTempo plays the clip back factor times faster by resampling it, which
// shifts pitch along with speed: factors below 1 give a slower and lower render.
// The output keeps the input format and lasts round(frames/factor) frames.
// The unrounded length travels with the result, so applying 1/factor afterwards
// restores the original frame count. Results longer than maxTempoSeconds are
// refused.
func ChangeTempo(c Clip, factor float64) (Clip, error) {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return Clip{}, &AssemblyError{Op: "tempo", Source: c.Source, Err: fmt.Errorf("%w: %v", ErrInvalidFactor, factor)}
	}
	if err := c.validate("tempo"); err != nil {
		return Clip{}, err
	}
	if len(c.Samples) == 0 {
		return Clip{Format: c.Format, Samples: []int16{}, Source: c.Source}, nil
	}
	exact := c.exactFrames() / factor
	if math.IsNaN(exact) || math.IsInf(exact, 0) || exact > float64(c.Format.SampleRate)*maxTempoSeconds {
		return Clip{}, &AssemblyError{Op: "tempo", Source: c.Source,
			Err: fmt.Errorf("%w: %w: factor %v", ErrInvalidFactor, ErrClipTooLong, factor)}
	}
	outFrames := int(math.Round(exact))
	return Clip{
		Format:  c.Format,
		Samples: interpolate(c.Samples, c.Format.Channels, outFrames, factor),
		Source:  c.Source,
		exact:   exact,
	}, nil
}

// concat converts every clip to the format of the first clip that has one and
// appends pause(format, clip) frames of silence after each.
func concat(op string, clips []Clip, pause func(Format, Clip) int) (Clip, error) {
	format, ok := leadFormat(clips)
	if !ok {
		for _, c := range clips {
			if err := c.validate(op); err != nil {
				return Clip{}, err
			}
		}
		return Clip{Samples: []int16{}}, nil
	}

	converted := make([]Clip, len(clips))
	total := 0
	for i, c := range clips {
		cc, err := convert(c, format, op)
		if err != nil {
			return Clip{}, err
		}
		converted[i] = cc
		total += cc.Frames() + pause(format, cc)
	}

	out := make([]int16, 0, total*format.Channels)
	for _, c := range converted {
		out = append(out, c.Samples...)
		out = append(out, make([]int16, pause(format, c)*format.Channels)...)
	}
	return Clip{Format: format, Samples: out}, nil
}

func leadFormat(clips []Clip) (Format, bool) {
	for _, c := range clips {
		if c.Format.Valid() {
			return c.Format, true
		}
	}
	return Format{}, false
}
