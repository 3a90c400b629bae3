package lesson

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-lessons/internal/audio"
	"github.com/loqalabs/loqa-lessons/internal/bus"
	"github.com/loqalabs/loqa-lessons/internal/config"
	"github.com/loqalabs/loqa-lessons/internal/journal"
	"github.com/loqalabs/loqa-lessons/internal/natsserver"
	"github.com/loqalabs/loqa-lessons/internal/protocol"
	"github.com/loqalabs/loqa-lessons/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLesson = "Hello / Hola\n¿¿ ¿Qué tal?\n# comment\nBad line no slash\nGood / Bien\n"

// scriptedSynth wraps the mock backend, counting calls per text and failing
// the ones the test asks for.
type scriptedSynth struct {
	inner tts.Synthesizer
	delay func(text string) time.Duration
	fail  func(text string, call int) error

	mu    sync.Mutex
	calls map[string]int
}

func newScripted() *scriptedSynth {
	return &scriptedSynth{inner: tts.NewMockSynth(8000, 1), calls: map[string]int{}}
}

func (s *scriptedSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	s.mu.Lock()
	s.calls[req.Text]++
	call := s.calls[req.Text]
	s.mu.Unlock()

	if s.delay != nil {
		select {
		case <-time.After(s.delay(req.Text)):
		case <-ctx.Done():
		}
	}
	if s.fail != nil {
		if err := s.fail(req.Text, call); err != nil {
			chunks := make(chan tts.SynthChunk)
			errs := make(chan error, 1)
			errs <- err
			close(errs)
			close(chunks)
			return chunks, errs
		}
	}
	return s.inner.Synthesize(ctx, req)
}

func (s *scriptedSynth) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Lesson.OutputRoot = filepath.Join(dir, "out")
	cfg.Audio.SampleRate = 8000
	cfg.TTS.Mode = tts.ModeMock
	cfg.TTS.RequestsPerSecond = 0
	cfg.TTS.Concurrency = 3
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	return cfg
}

func writeLesson(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "text1.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBuilder(t *testing.T, cfg config.Config, synth tts.Synthesizer, busClient *bus.Client) (*Builder, *journal.Store) {
	t.Helper()
	store, err := journal.Open(context.Background(), cfg.Journal, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := NewBuilder(cfg, synth, store, busClient, quietLogger())
	require.NoError(t, err)
	b.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return b, store
}

func frames(ms int) int {
	return ms * 8
}

func readClip(t *testing.T, path string) audio.Clip {
	t.Helper()
	clip, err := audio.ReadWAVFile(path)
	require.NoError(t, err)
	return clip
}

func TestBuildWritesLessonLayout(t *testing.T) {
	cfg := testConfig(t)
	b, store := newTestBuilder(t, cfg, newScripted(), nil)

	res, err := b.Build(context.Background(), writeLesson(t, sampleLesson))
	require.NoError(t, err)

	dir := filepath.Join(cfg.Lesson.OutputRoot, "text1")
	assert.Equal(t, dir, res.Dir)
	assert.Equal(t, []string{
		filepath.Join(dir, "normal", "phrase_01.wav"),
		filepath.Join(dir, "normal", "phrase_02.wav"),
	}, res.PhraseFiles)
	assert.Equal(t, []string{filepath.Join(dir, "target_intro", "target_01.wav")}, res.TargetFiles)
	for _, name := range []string{"section_target_intro.wav", "section_main_lesson.wav", "full_normal.wav", "full_slow.wav"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, 4, res.Warnings[0].Line)

	hello := tts.MockDurationMS("Hello")
	good := tts.MockDurationMS("Good")
	que := tts.MockDurationMS("¿Qué tal?")
	wantMS := (que + 2200) + (hello + 3500) + (good + 3500)

	full := readClip(t, res.FullNormal)
	assert.Equal(t, frames(wantMS), full.Frames())
	assert.Equal(t, time.Duration(wantMS)*time.Millisecond, res.Duration)

	target := readClip(t, res.TargetSection)
	assert.Equal(t, frames(que+2200), target.Frames())

	// full_normal is the target-only section followed by the main section
	section := readClip(t, res.MainSection)
	require.Equal(t, len(target.Samples)+len(section.Samples), len(full.Samples))
	assert.Equal(t, target.Samples, full.Samples[:len(target.Samples)])
	assert.Equal(t, section.Samples, full.Samples[len(target.Samples):])
	assert.NotEqual(t, target.Samples[:frames(que)], section.Samples[:frames(que)])

	slow := readClip(t, res.FullSlow)
	assert.Equal(t, int(math.Round(float64(frames(wantMS))/0.85)), slow.Frames())

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusSucceeded, run.Status)
	assert.Equal(t, 2, run.Phrases)
	assert.Equal(t, 1, run.TargetOnly)

	events, err := store.ListRunEvents(context.Background(), res.RunID, 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestBuildKeepsPhraseOrderUnderConcurrency(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.Concurrency = 4
	synth := newScripted()
	// later phrases finish first
	synth.delay = func(text string) time.Duration {
		return time.Duration(40-len(text)) * time.Millisecond
	}
	b, _ := newTestBuilder(t, cfg, synth, nil)

	sources := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"}
	content := ""
	for _, s := range sources {
		content += s + " / x\n"
	}
	res, err := b.Build(context.Background(), writeLesson(t, content))
	require.NoError(t, err)

	require.Len(t, res.PhraseFiles, len(sources))
	for i, path := range res.PhraseFiles {
		clip := readClip(t, path)
		assert.Equal(t, frames(tts.MockDurationMS(sources[i])), clip.Frames(), "phrase %d", i+1)
	}

	section := readClip(t, res.MainSection)
	offset := 0
	for _, path := range res.PhraseFiles {
		want := readClip(t, path)
		assert.Equal(t, want.Samples, section.Samples[offset:offset+want.Frames()])
		offset += want.Frames() + frames(3500)
	}
	assert.Equal(t, offset, section.Frames())
}

func TestBuildAbortPolicyStopsOnFirstFailure(t *testing.T) {
	cfg := testConfig(t)
	synth := newScripted()
	synth.fail = func(text string, _ int) error {
		if text == "Good" {
			return &tts.SynthesisError{Backend: "mock", Text: text, Err: errors.New("voice unavailable")}
		}
		return nil
	}
	b, store := newTestBuilder(t, cfg, synth, nil)

	res, err := b.Build(context.Background(), writeLesson(t, sampleLesson))
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageSynthesize, stageErr.Stage)
	assert.Equal(t, KindBilingual, stageErr.Kind)
	assert.Equal(t, 2, stageErr.Index)
	assert.Contains(t, err.Error(), "voice unavailable")
	assert.NoFileExists(t, filepath.Join(res.Dir, "full_normal.wav"))

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "voice unavailable")
}

func TestBuildSkipPolicyOmitsFailedPhrase(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.OnError = PolicySkip
	synth := newScripted()
	synth.fail = func(text string, _ int) error {
		if text == "Good" {
			return errors.New("voice unavailable")
		}
		return nil
	}
	b, _ := newTestBuilder(t, cfg, synth, nil)

	res, err := b.Build(context.Background(), writeLesson(t, sampleLesson))
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, Failure{Kind: KindBilingual, Index: 2, Text: "Good", Error: res.Failures[0].Error}, res.Failures[0])
	assert.Equal(t, []string{filepath.Join(res.Dir, "normal", "phrase_01.wav")}, res.PhraseFiles)

	wantMS := tts.MockDurationMS("¿Qué tal?") + 2200 + tts.MockDurationMS("Hello") + 3500
	assert.Equal(t, frames(wantMS), readClip(t, res.FullNormal).Frames())
}

func TestBuildSkipPolicyFailsWhenNothingSurvives(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.OnError = PolicySkip
	synth := newScripted()
	synth.fail = func(string, int) error { return errors.New("backend down") }
	b, _ := newTestBuilder(t, cfg, synth, nil)

	_, err := b.Build(context.Background(), writeLesson(t, sampleLesson))
	assert.ErrorIs(t, err, ErrAllFailed)
}

func TestBuildRetriesTransientFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.MaxAttempts = 4
	synth := newScripted()
	synth.fail = func(text string, call int) error {
		if text == "Hello" && call <= 2 {
			return &tts.SynthesisError{Backend: "mock", Text: text, Err: errors.New("429"), Retryable: true}
		}
		return nil
	}
	b, _ := newTestBuilder(t, cfg, synth, nil)

	_, err := b.Build(context.Background(), writeLesson(t, sampleLesson))
	require.NoError(t, err)
	assert.Equal(t, 3, synth.calls["Hello"])
	assert.Equal(t, 1, synth.calls["Good"])
}

func TestBuildGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.MaxAttempts = 2
	synth := newScripted()
	synth.fail = func(text string, _ int) error {
		if text == "Hello" {
			return &tts.SynthesisError{Backend: "mock", Text: text, Err: errors.New("503"), Retryable: true}
		}
		return nil
	}
	b, _ := newTestBuilder(t, cfg, synth, nil)

	_, err := b.Build(context.Background(), writeLesson(t, sampleLesson))
	var synthErr *tts.SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Equal(t, 2, synth.calls["Hello"])
}

func TestBuildTimeoutNamesTextAndVoice(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.TimeoutMS = 200
	cfg.TTS.MaxAttempts = 2
	synth := newScripted()
	synth.delay = func(text string) time.Duration {
		if text == "Good" {
			return 5 * time.Second
		}
		return 0
	}
	b, _ := newTestBuilder(t, cfg, synth, nil)

	_, err := b.Build(context.Background(), writeLesson(t, sampleLesson))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, KindBilingual, stageErr.Kind)
	assert.Equal(t, 2, stageErr.Index)

	var synthErr *tts.SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Equal(t, "Good", synthErr.Text)
	assert.Equal(t, cfg.Voice(cfg.Lesson.SourceVoice).Voice, synthErr.Voice)
	assert.Equal(t, tts.ModeMock, synthErr.Backend)
	assert.True(t, synthErr.Retryable)
	assert.Contains(t, err.Error(), `text="Good"`)

	// timeouts are transient, so the call was retried
	assert.Equal(t, 2, synth.calls["Good"])
}

func TestBuildReusesCachedClips(t *testing.T) {
	cfg := testConfig(t)
	synth := newScripted()
	b, _ := newTestBuilder(t, cfg, synth, nil)
	input := writeLesson(t, sampleLesson)

	first, err := b.Build(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Cached)
	assert.Equal(t, 3, synth.total())

	second, err := b.Build(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Cached)
	assert.Equal(t, 3, synth.total(), "cached phrases must not reach the backend")
	assert.Equal(t, readClip(t, first.FullNormal).Samples, readClip(t, second.FullNormal).Samples)
}

func TestBuildWithoutCacheReuse(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.ReuseClips = false
	synth := newScripted()
	b, _ := newTestBuilder(t, cfg, synth, nil)
	input := writeLesson(t, sampleLesson)

	_, err := b.Build(context.Background(), input)
	require.NoError(t, err)
	_, err = b.Build(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 6, synth.total())
}

func TestBuildSpeakBothJoinsPairWithGap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lesson.Speak = SpeakBoth
	b, _ := newTestBuilder(t, cfg, newScripted(), nil)

	res, err := b.Build(context.Background(), writeLesson(t, "Hello / Hola\n"))
	require.NoError(t, err)

	clip := readClip(t, res.PhraseFiles[0])
	want := tts.MockDurationMS("Hello") + cfg.Audio.PairGapMS + tts.MockDurationMS("Hola")
	assert.Equal(t, frames(want), clip.Frames())
	assert.Empty(t, res.TargetFiles)
	assert.Empty(t, res.TargetSection)
	assert.NoDirExists(t, filepath.Join(res.Dir, "target_intro"))
}

func TestBuildSpeakTargetUsesTargetText(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lesson.Speak = SpeakTarget
	synth := newScripted()
	b, _ := newTestBuilder(t, cfg, synth, nil)

	_, err := b.Build(context.Background(), writeLesson(t, "Hello / Hola\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, synth.calls["Hola"])
	assert.Zero(t, synth.calls["Hello"])
}

func TestBuildDynamicSilence(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.SilenceMode = "dynamic"
	cfg.Audio.DynamicExtraMS = 1000
	b, _ := newTestBuilder(t, cfg, newScripted(), nil)

	res, err := b.Build(context.Background(), writeLesson(t, "Hello / Hola\nGood / Bien\n"))
	require.NoError(t, err)

	hello, good := tts.MockDurationMS("Hello"), tts.MockDurationMS("Good")
	want := hello + (hello + 1000) + good + (good + 1000)
	assert.Equal(t, frames(want), readClip(t, res.MainSection).Frames())
}

func TestBuildTargetOnlyLesson(t *testing.T) {
	cfg := testConfig(t)
	b, _ := newTestBuilder(t, cfg, newScripted(), nil)

	res, err := b.Build(context.Background(), writeLesson(t, "¿¿ Hola\n¿¿ Adiós\n"))
	require.NoError(t, err)
	assert.Empty(t, res.PhraseFiles)
	assert.Empty(t, res.MainSection)
	assert.Len(t, res.TargetFiles, 2)

	want := tts.MockDurationMS("Hola") + 2200 + tts.MockDurationMS("Adiós") + 2200
	assert.Equal(t, frames(want), readClip(t, res.FullNormal).Frames())
}

func TestBuildRejectsEmptyLesson(t *testing.T) {
	cfg := testConfig(t)
	synth := newScripted()
	b, _ := newTestBuilder(t, cfg, synth, nil)

	_, err := b.Build(context.Background(), writeLesson(t, "# only comments\n\nno separator here\n"))
	assert.ErrorIs(t, err, ErrNoPhrases)
	assert.Zero(t, synth.total())
}

func TestBuildMissingInput(t *testing.T) {
	b, _ := newTestBuilder(t, testConfig(t), newScripted(), nil)
	_, err := b.Build(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageParse, stageErr.Stage)
}

func TestBuildHonoursCancellation(t *testing.T) {
	cfg := testConfig(t)
	synth := newScripted()
	synth.delay = func(string) time.Duration { return time.Second }
	b, _ := newTestBuilder(t, cfg, synth, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Build(ctx, writeLesson(t, sampleLesson))
	require.Error(t, err)
}

func TestBuildWithCommandEncoder(t *testing.T) {
	if _, err := exec.LookPath("cp"); err != nil {
		t.Skip("cp not available")
	}
	cfg := testConfig(t)
	cfg.Output.Format = "mp3"
	cfg.Output.EncoderCommand = "cp {input} {output}"
	b, _ := newTestBuilder(t, cfg, newScripted(), nil)

	res, err := b.Build(context.Background(), writeLesson(t, sampleLesson))
	require.NoError(t, err)
	assert.Equal(t, ".mp3", filepath.Ext(res.FullSlow))
	assert.FileExists(t, filepath.Join(res.Dir, "normal", "phrase_02.mp3"))
}

func TestBuildPublishesEvents(t *testing.T) {
	log := quietLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg.Bus, log)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	sub, err := client.Conn().SubscribeSync("lesson.>")
	require.NoError(t, err)
	require.NoError(t, client.Conn().Flush())

	b, _ := newTestBuilder(t, cfg, newScripted(), client)
	res, err := b.Build(context.Background(), writeLesson(t, sampleLesson))
	require.NoError(t, err)

	var phrases int
	var completed protocol.LessonCompleted
	for completed.RunID == "" {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		switch msg.Subject {
		case protocol.SubjectLessonPhrase:
			var evt protocol.PhraseEvent
			require.NoError(t, json.Unmarshal(msg.Data, &evt))
			assert.Equal(t, res.RunID, evt.RunID)
			phrases++
		case protocol.SubjectLessonCompleted:
			require.NoError(t, json.Unmarshal(msg.Data, &completed))
		}
	}
	assert.Equal(t, 3, phrases)
	assert.Equal(t, journal.StatusSucceeded, completed.Status)
	assert.Equal(t, res.FullNormal, completed.FullNormal)
}

func TestPreviews(t *testing.T) {
	cfg := testConfig(t)
	b, _ := newTestBuilder(t, cfg, newScripted(), nil)
	dir := filepath.Join(t.TempDir(), "voice_previews")

	paths, err := b.Previews(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, paths, 4)
	assert.Equal(t, filepath.Join(dir, "english", "english_teacher_alloy.wav"), paths["english_teacher_alloy"])
	assert.Equal(t, filepath.Join(dir, "spanish", "spanish_teacher_nova.wav"), paths["spanish_teacher_nova"])
	for _, p := range paths {
		assert.FileExists(t, p)
	}

	data, err := os.ReadFile(filepath.Join(dir, PreviewsManifest))
	require.NoError(t, err)
	var manifest map[string]string
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, paths, manifest)
}
