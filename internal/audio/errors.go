package audio

import "errors"

var (
	// ErrNoClips is returned when an operation needs at least one clip.
	ErrNoClips = errors.New("no clips to assemble")

	// ErrFormat is returned for clips whose sample layout cannot be used.
	ErrFormat = errors.New("unsupported audio format")

	// ErrInvalidFactor is returned for tempo factors that are not finite and positive.
	ErrInvalidFactor = errors.New("tempo factor must be a finite positive number")

	// ErrClipTooLong is returned when a tempo change would exceed the length cap.
	ErrClipTooLong = errors.New("tempo change exceeds maximum clip length")

	// ErrNegativeSilence is returned for negative silence durations.
	ErrNegativeSilence = errors.New("silence duration must be >= 0")

	// ErrInvalidWAV is returned when input bytes are not a readable WAV stream.
	ErrInvalidWAV = errors.New("not a valid WAV stream")
)

// AssemblyError reports a clip the assembler could not use.
type AssemblyError struct {
	// Op is the assembler operation that failed.
	Op string
	// Source identifies the offending clip or file.
	Source string
	Err    error
}

func (e *AssemblyError) Error() string {
	if e.Source != "" {
		return "audio " + e.Op + " " + e.Source + ": " + e.Err.Error()
	}
	return "audio " + e.Op + ": " + e.Err.Error()
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}
