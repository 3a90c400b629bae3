package tts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-lessons/internal/bus"
	"github.com/loqalabs/loqa-lessons/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID    string
	Text         string
	Voice        string
	Model        string
	Instructions string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Backend names accepted by tts.mode.
const (
	ModeOpenAI = "openai"
	ModeExec   = "exec"
	ModeBus    = "bus"
	ModeMock   = "mock"
)

// New builds the synthesizer selected by cfg.TTS.Mode. busClient is only
// required for the bus backend.
func New(cfg config.Config, busClient *bus.Client, log *slog.Logger) (Synthesizer, error) {
	rate, channels := cfg.Audio.SampleRate, cfg.Audio.Channels
	switch cfg.TTS.Mode {
	case ModeOpenAI:
		return NewOpenAISynth(cfg.TTS, log)
	case ModeExec:
		return NewExecSynth(cfg.TTS.Command, rate, channels)
	case ModeBus:
		if busClient == nil {
			return nil, fmt.Errorf("tts mode %q requires bus.enabled", ModeBus)
		}
		return NewBusSynth(busClient, cfg.Name), nil
	case ModeMock:
		return NewMockSynth(rate, channels), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.TTS.Mode)
	}
}
