package lesson

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPhrases is returned when a lesson file yields no usable phrases.
	ErrNoPhrases = errors.New("lesson contains no phrases")
	// ErrAllFailed is returned under the skip policy when every phrase failed.
	ErrAllFailed = errors.New("every phrase failed to synthesize")
)

// Pipeline stages reported by StageError.
const (
	StageParse      = "parse"
	StageSynthesize = "synthesize"
	StageAssemble   = "assemble"
	StageWrite      = "write"
)

// Phrase kinds.
const (
	KindBilingual = "bilingual"
	KindTarget    = "target"
	KindPreview   = "preview"
)

// StageError names the pipeline stage and, when relevant, the phrase that failed.
type StageError struct {
	Stage string
	Kind  string
	Index int
	Path  string
	Err   error
}

func (e *StageError) Error() string {
	switch {
	case e.Kind != "" && e.Index > 0:
		return fmt.Sprintf("%s %s phrase %d: %v", e.Stage, e.Kind, e.Index, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
}

func (e *StageError) Unwrap() error {
	return e.Err
}
