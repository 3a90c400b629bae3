package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-lessons/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAIConfig(url string) config.TTSConfig {
	cfg := config.Default().TTS
	cfg.APIKey = "test-key"
	cfg.BaseURL = url + "/v1"
	return cfg
}

func TestOpenAISynthStreamsPCM(t *testing.T) {
	pcm := make([]byte, 70001*2)
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "audio/pcm")
		_, _ = w.Write(pcm)
	}))
	defer srv.Close()

	synth, err := NewOpenAISynth(openAIConfig(srv.URL), nil)
	require.NoError(t, err)

	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{
		Text:         "Good morning",
		Voice:        "alloy",
		Model:        "gpt-4o-mini-tts",
		Instructions: "Speak slowly.",
	})
	clip, err := Collect(context.Background(), chunks, errs, "phrase_01")
	require.NoError(t, err)

	assert.Equal(t, 24000, clip.Format.SampleRate)
	assert.Equal(t, 1, clip.Format.Channels)
	assert.Equal(t, pcm, clip.PCM16LE())

	assert.Equal(t, "Good morning", got["input"])
	assert.Equal(t, "alloy", got["voice"])
	assert.Equal(t, "pcm", got["response_format"])
	assert.Equal(t, "Speak slowly.", got["instructions"])
}

func TestOpenAISynthDefaultsVoiceAndModel(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte{1, 0, 2, 0})
	}))
	defer srv.Close()

	synth, err := NewOpenAISynth(openAIConfig(srv.URL), nil)
	require.NoError(t, err)
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "Hi"})
	_, err = Collect(context.Background(), chunks, errs, "hi")
	require.NoError(t, err)

	assert.Equal(t, "onyx", got["voice"])
	assert.Equal(t, "gpt-4o-mini-tts", got["model"])
	_, hasInstructions := got["instructions"]
	assert.False(t, hasInstructions)
}

func TestOpenAISynthClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			}))
			defer srv.Close()

			synth, err := NewOpenAISynth(openAIConfig(srv.URL), nil)
			require.NoError(t, err)
			chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "Hola", Voice: "nova"})
			_, err = Collect(context.Background(), chunks, errs, "hola")

			var synthErr *SynthesisError
			require.ErrorAs(t, err, &synthErr)
			assert.Equal(t, ModeOpenAI, synthErr.Backend)
			assert.Equal(t, "nova", synthErr.Voice)
			assert.Equal(t, tt.retryable, synthErr.Retryable)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestOpenAISynthRequiresKey(t *testing.T) {
	cfg := config.Default().TTS
	cfg.APIKey = ""
	_, err := NewOpenAISynth(cfg, nil)
	assert.Error(t, err)
}

func TestOpenAISynthEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	synth, err := NewOpenAISynth(openAIConfig(srv.URL), nil)
	require.NoError(t, err)
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "..."})
	_, err = Collect(context.Background(), chunks, errs, "empty")
	assert.ErrorIs(t, err, ErrEmptyAudio)
}
