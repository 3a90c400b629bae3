package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-lessons/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI speech returns raw pcm as 24kHz mono signed 16-bit little endian.
const (
	openAISampleRate = 24000
	openAIChannels   = 1
	openAIChunkBytes = 32 * 1024
)

type openAISynth struct {
	client *openai.Client
	model  string
	voice  string
	log    *slog.Logger
}

// NewOpenAISynth returns a synthesizer backed by the OpenAI speech endpoint.
func NewOpenAISynth(cfg config.TTSConfig, log *slog.Logger) (Synthesizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai tts requires an api key (OPENAI_API_KEY)")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	if log == nil {
		log = slog.Default()
	}
	return &openAISynth{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		voice:  cfg.Voice,
		log:    log.With(slog.String("component", "tts-openai")),
	}, nil
}

func (o *openAISynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		model, voice := req.Model, req.Voice
		if model == "" {
			model = o.model
		}
		if voice == "" {
			voice = o.voice
		}

		resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(model),
			Input:          req.Text,
			Voice:          openai.SpeechVoice(voice),
			Instructions:   req.Instructions,
			ResponseFormat: openai.SpeechResponseFormatPcm,
		})
		if err != nil {
			errs <- o.wrap(req, voice, err)
			return
		}
		defer resp.Close()

		sequence := 0
		buf := make([]byte, openAIChunkBytes)
		var pending []byte
		for {
			n, readErr := io.ReadFull(resp, buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
			}
			done := errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF)
			if readErr != nil && !done {
				errs <- o.wrap(req, voice, fmt.Errorf("read speech body: %w", readErr))
				return
			}
			// keep an odd trailing byte for the next read so samples stay aligned
			emit := len(pending) &^ 1
			if done {
				emit = len(pending)
			}
			if emit > 0 || done {
				chunk := SynthChunk{
					SessionID:  req.SessionID,
					Sequence:   sequence,
					SampleRate: openAISampleRate,
					Channels:   openAIChannels,
					PCM:        append([]byte(nil), pending[:emit]...),
					Final:      done,
				}
				pending = pending[emit:]
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				sequence++
			}
			if done {
				o.log.Debug("speech synthesized", slog.String("voice", voice), slog.Int("chunks", sequence))
				return
			}
		}
	}()
	return chunks, errs
}

func (o *openAISynth) wrap(req SynthRequest, voice string, err error) error {
	retryable := errors.Is(err, context.DeadlineExceeded)
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		retryable = retryableStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		retryable = retryableStatus(reqErr.HTTPStatusCode)
	}
	return &SynthesisError{Backend: ModeOpenAI, Text: req.Text, Voice: voice, Err: err, Retryable: retryable}
}
