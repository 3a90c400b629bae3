package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-lessons/internal/audio"
	"github.com/loqalabs/loqa-lessons/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.JournalConfig{RetentionMode: RetentionEphemeral}, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Ensure())
	assert.False(t, s.Enabled())
	require.NoError(t, s.StartRun(ctx, Run{ID: "r1", Lesson: "text1"}))
	require.NoError(t, s.StoreClip(ctx, ClipKey{Text: "hi"}, audio.Clip{}))
	_, ok, err := s.LookupClip(ctx, ClipKey{Text: "hi"})
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.GetRun(ctx, "r1")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunLifecycleAndEvents(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.JournalConfig{RetentionMode: RetentionSession})

	require.NoError(t, s.StartRun(ctx, Run{ID: "run-1", Lesson: "text1", Input: "Txts/text1.txt"}))
	require.NoError(t, s.AppendEvent(ctx, Event{RunID: "run-1", Type: "phrase.synthesized", Kind: "bilingual", Index: 1, Payload: []byte(`{"text":"Hello"}`)}))
	require.NoError(t, s.AppendEvent(ctx, Event{RunID: "run-1", Type: "phrase.failed", Kind: "target", Index: 2}))
	require.NoError(t, s.FinishRun(ctx, Run{ID: "run-1", Status: StatusSucceeded, Phrases: 1, TargetOnly: 1, Failed: 1}))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, "Txts/text1.txt", run.Input)
	assert.Equal(t, 1, run.Failed)
	assert.False(t, run.FinishedAt.IsZero())

	events, err := s.ListRunEvents(ctx, "run-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "phrase.synthesized", events[0].Type)
	assert.Equal(t, `{"text":"Hello"}`, string(events[0].Payload))
	assert.Equal(t, "target", events[1].Kind)
	assert.Equal(t, 2, events[1].Index)
}

func TestClipCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.JournalConfig{RetentionMode: RetentionPersistent})

	key := ClipKey{Text: "Buenos días", Voice: "nova", Model: "gpt-4o-mini-tts", Instructions: "slowly"}
	clip := audio.Clip{Format: audio.Format{SampleRate: 24000, Channels: 1}, Samples: []int16{-3, 0, 7, 32767}}

	_, ok, err := s.LookupClip(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.StoreClip(ctx, key, clip))
	require.NoError(t, s.StoreClip(ctx, key, clip))

	got, ok, err := s.LookupClip(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, clip.Format, got.Format)
	assert.Equal(t, clip.Samples, got.Samples)

	other := key
	other.Instructions = "quickly"
	_, ok, err = s.LookupClip(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok, "instructions are part of the key")
}

func TestClipKeyHashSeparatesFields(t *testing.T) {
	a := ClipKey{Text: "ab", Voice: "c"}
	b := ClipKey{Text: "a", Voice: "bc"}
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Hash(), ClipKey{Text: "ab", Voice: "c"}.Hash())
}

func TestPruneByDaysAndRuns(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.JournalConfig{RetentionMode: RetentionSession, RetentionDays: 1, MaxRuns: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, s.StartRun(ctx, Run{ID: "old-run", Lesson: "a"}))
	require.NoError(t, s.AppendEvent(ctx, Event{RunID: "old-run", Type: "note"}))
	stale := ClipKey{Text: "stale"}
	require.NoError(t, s.StoreClip(ctx, stale, audio.Clip{Format: audio.Format{SampleRate: 8000, Channels: 1}, Samples: []int16{1}}))

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, s.StartRun(ctx, Run{ID: "mid-run", Lesson: "b"}))
	s.clock = func() time.Time { return time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC) }
	require.NoError(t, s.StartRun(ctx, Run{ID: "new-run", Lesson: "c"}))
	require.NoError(t, s.Prune(ctx))

	_, err := s.GetRun(ctx, "old-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.GetRun(ctx, "mid-run")
	assert.ErrorIs(t, err, ErrRunNotFound, "max_runs keeps only the newest run")
	_, err = s.GetRun(ctx, "new-run")
	assert.NoError(t, err)

	events, err := s.ListRunEvents(ctx, "old-run", 10)
	require.NoError(t, err)
	assert.Empty(t, events, "events cascade with their run")

	_, ok, err := s.LookupClip(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)
}
