package lesson

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lessons/internal/audio"
	"github.com/loqalabs/loqa-lessons/internal/config"
	"github.com/loqalabs/loqa-lessons/internal/journal"
	"github.com/loqalabs/loqa-lessons/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// utterance is one text spoken with one voice profile.
type utterance struct {
	text    string
	profile config.VoiceProfile
}

// job is one phrase of the lesson. Bilingual phrases spoken in both
// languages carry two utterances separated by the pair gap.
type job struct {
	kind  string
	index int
	parts []utterance
}

func (j job) text() string {
	if len(j.parts) == 1 {
		return j.parts[0].text
	}
	return j.parts[0].text + " / " + j.parts[1].text
}

// rendered is the outcome of a job.
type rendered struct {
	clip   audio.Clip
	cached bool
	err    error
}

// synthesizeAll renders jobs with at most tts.concurrency calls in flight and
// returns results in job order. Under the abort policy the first failure
// cancels the remaining work and is returned as a StageError.
func (b *Builder) synthesizeAll(ctx context.Context, jobs []job) ([]rendered, error) {
	results := make([]rendered, len(jobs))
	abort := b.cfg.TTS.OnError != PolicySkip

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.TTS.Concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			clip, cached, err := b.renderJob(gctx, j)
			if err != nil {
				stageErr := &StageError{Stage: StageSynthesize, Kind: j.kind, Index: j.index, Err: err}
				results[i] = rendered{err: stageErr}
				if abort {
					return stageErr
				}
				if gctx.Err() == nil {
					b.log.Error("phrase failed, skipping",
						slog.String("kind", j.kind),
						slog.Int("index", j.index),
						slog.String("text", j.text()),
						slogError(err))
				}
				return nil
			}
			results[i] = rendered{clip: clip, cached: cached}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (b *Builder) renderJob(ctx context.Context, j job) (audio.Clip, bool, error) {
	if len(j.parts) == 1 {
		return b.renderUtterance(ctx, j.parts[0], fmt.Sprintf("%s_%02d", j.kind, j.index))
	}
	clips := make([]audio.Clip, 0, 2*len(j.parts)-1)
	allCached := true
	for i, part := range j.parts {
		clip, cached, err := b.renderUtterance(ctx, part, fmt.Sprintf("%s_%02d_%d", j.kind, j.index, i+1))
		if err != nil {
			return audio.Clip{}, false, err
		}
		allCached = allCached && cached
		if i > 0 {
			clips = append(clips, audio.Silence(clip.Format, b.cfg.Audio.PairGapMS))
		}
		clips = append(clips, clip)
	}
	clip, err := audio.JoinSections(clips)
	if err != nil {
		return audio.Clip{}, false, err
	}
	return clip, allCached, nil
}

// renderUtterance serves the utterance from the clip cache when allowed and
// otherwise calls the backend with rate limiting and retries.
func (b *Builder) renderUtterance(ctx context.Context, u utterance, source string) (audio.Clip, bool, error) {
	key := journal.ClipKey{Text: u.text, Voice: u.profile.Voice, Model: u.profile.Model, Instructions: u.profile.Instructions}
	if b.cfg.Journal.ReuseClips {
		clip, ok, err := b.journal.LookupClip(ctx, key)
		if err != nil {
			b.log.Warn("clip cache lookup failed", slogError(err))
		} else if ok {
			b.metrics.cached.Add(ctx, 1)
			clip.Source = source
			return clip, true, nil
		}
	}

	ctx, span := b.tracer.Start(ctx, "lesson.synthesize", trace.WithAttributes(
		attribute.String("voice", u.profile.Voice),
		attribute.String("model", u.profile.Model),
		attribute.Int("text.runes", len([]rune(u.text))),
	))
	defer span.End()

	attempt := 0
	operation := func() (audio.Clip, error) {
		attempt++
		if attempt > 1 {
			b.metrics.retries.Add(ctx, 1)
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return audio.Clip{}, backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.TTS.TimeoutMS)*time.Millisecond)
		defer cancel()

		started := time.Now()
		chunks, errs := b.synth.Synthesize(callCtx, tts.SynthRequest{
			SessionID:    uuid.NewString(),
			Text:         u.text,
			Voice:        u.profile.Voice,
			Model:        u.profile.Model,
			Instructions: u.profile.Instructions,
		})
		clip, err := tts.Collect(callCtx, chunks, errs, source)
		b.metrics.latency.Record(ctx, float64(time.Since(started).Milliseconds()),
			metric.WithAttributes(attribute.Bool("ok", err == nil)))
		if err != nil {
			err = asSynthesisError(err, b.cfg.TTS.Mode, u)
			if ctx.Err() == nil && tts.IsRetryable(err) {
				b.log.Warn("synthesis attempt failed",
					slog.String("source", source),
					slog.Int("attempt", attempt),
					slogError(err))
				return audio.Clip{}, err
			}
			return audio.Clip{}, backoff.Permanent(err)
		}
		return clip, nil
	}

	clip, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b.newBackOff()),
		backoff.WithMaxTries(uint(b.cfg.TTS.MaxAttempts)))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		b.metrics.failed.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return audio.Clip{}, false, err
	}
	b.metrics.synthesized.Add(ctx, 1)
	span.SetAttributes(attribute.Int("clip.ms", clip.DurationMS()))

	if err := b.journal.StoreClip(ctx, key, clip); err != nil {
		b.log.Warn("failed to cache clip", slog.String("source", source), slogError(err))
	}
	return clip, false, nil
}

// asSynthesisError attaches the text and voice to failures that did not come
// from a backend, such as the per-call timeout firing while collecting.
func asSynthesisError(err error, backend string, u utterance) error {
	var synthErr *tts.SynthesisError
	if errors.As(err, &synthErr) {
		return err
	}
	return &tts.SynthesisError{
		Backend:   backend,
		Text:      u.text,
		Voice:     u.profile.Voice,
		Err:       err,
		Retryable: tts.IsRetryable(err),
	}
}
