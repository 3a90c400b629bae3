package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyAudio is returned when a backend finishes without producing samples.
var ErrEmptyAudio = errors.New("backend returned no audio")

// SynthesisError describes a failed synthesis call. Retryable marks transient
// failures (rate limiting, server errors, timeouts) worth another attempt.
type SynthesisError struct {
	Backend   string
	Text      string
	Voice     string
	Err       error
	Retryable bool
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("tts %s voice=%s text=%q: %v", e.Backend, e.Voice, truncate(e.Text, 48), e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient synthesis failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var synthErr *SynthesisError
	if errors.As(err, &synthErr) {
		return synthErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func retryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
