package lesson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lessons/internal/audio"
	"github.com/loqalabs/loqa-lessons/internal/bus"
	"github.com/loqalabs/loqa-lessons/internal/config"
	"github.com/loqalabs/loqa-lessons/internal/journal"
	"github.com/loqalabs/loqa-lessons/internal/phrase"
	"github.com/loqalabs/loqa-lessons/internal/protocol"
	"github.com/loqalabs/loqa-lessons/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Synthesis failure policies accepted by tts.on_error.
const (
	PolicyAbort = "abort"
	PolicySkip  = "skip"
)

// Speak modes accepted by lesson.speak.
const (
	SpeakSource = "source"
	SpeakTarget = "target"
	SpeakBoth   = "both"
)

// Output layout under <output_root>/<lesson>/.
const (
	dirNormal      = "normal"
	dirTargetIntro = "target_intro"

	sectionTargetIntro = "section_target_intro"
	sectionMainLesson  = "section_main_lesson"
	fullNormal         = "full_normal"
	fullSlow           = "full_slow"
)

// Failure describes a phrase left out of the lesson under the skip policy.
type Failure struct {
	Kind  string `json:"kind"`
	Index int    `json:"index"`
	Text  string `json:"text"`
	Error string `json:"error"`
}

// Result lists everything a build produced.
type Result struct {
	RunID         string           `json:"run_id"`
	Lesson        string           `json:"lesson"`
	Dir           string           `json:"dir"`
	PhraseFiles   []string         `json:"phrase_files"`
	TargetFiles   []string         `json:"target_files"`
	TargetSection string           `json:"target_section,omitempty"`
	MainSection   string           `json:"main_section,omitempty"`
	FullNormal    string           `json:"full_normal"`
	FullSlow      string           `json:"full_slow"`
	Duration      time.Duration    `json:"duration"`
	SlowDuration  time.Duration    `json:"slow_duration"`
	Cached        int              `json:"cached"`
	Failures      []Failure        `json:"failures,omitempty"`
	Warnings      []phrase.Warning `json:"warnings,omitempty"`
}

// Builder turns lesson files into audio. It is safe to run several builds
// concurrently; they share the rate limiter and clip cache.
type Builder struct {
	cfg     config.Config
	synth   tts.Synthesizer
	journal *journal.Store
	bus     *bus.Client
	encoder audio.Encoder
	limiter *rate.Limiter
	tracer  trace.Tracer
	metrics *metrics
	log     *slog.Logger

	// newBackOff is replaced in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
	clock      func() time.Time
}

// NewBuilder wires a builder. store and busClient may be nil.
func NewBuilder(cfg config.Config, synth tts.Synthesizer, store *journal.Store, busClient *bus.Client, log *slog.Logger) (*Builder, error) {
	if synth == nil {
		return nil, errors.New("lesson builder requires a synthesizer")
	}
	if log == nil {
		log = slog.Default()
	}
	encoder, err := audio.NewEncoder(cfg.Output.Format, cfg.Output.EncoderCommand)
	if err != nil {
		return nil, fmt.Errorf("configure encoder: %w", err)
	}
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if cfg.TTS.Concurrency <= 0 {
		cfg.TTS.Concurrency = 1
	}
	if cfg.TTS.MaxAttempts <= 0 {
		cfg.TTS.MaxAttempts = 1
	}

	limit := rate.Inf
	if cfg.TTS.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.TTS.RequestsPerSecond)
	}
	burst := int(math.Max(1, math.Ceil(cfg.TTS.RequestsPerSecond)))

	return &Builder{
		cfg:        cfg,
		synth:      synth,
		journal:    store,
		bus:        busClient,
		encoder:    encoder,
		limiter:    rate.NewLimiter(limit, burst),
		tracer:     otel.Tracer(instrumentationName),
		metrics:    m,
		log:        log.With(slog.String("component", "lesson-builder")),
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		clock:      time.Now,
	}, nil
}

// Build parses the lesson file at inputPath and writes its audio under
// <output_root>/<file stem>/.
func (b *Builder) Build(ctx context.Context, inputPath string) (res Result, err error) {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	res = Result{
		RunID:  uuid.NewString(),
		Lesson: stem,
		Dir:    filepath.Join(b.cfg.Lesson.OutputRoot, stem),
	}
	log := b.log.With(slog.String("run_id", res.RunID), slog.String("lesson", stem))

	ctx, span := b.tracer.Start(ctx, "lesson.build", trace.WithAttributes(
		attribute.String("lesson", stem),
		attribute.String("run_id", res.RunID),
	))
	defer span.End()

	if jerr := b.journal.StartRun(ctx, journal.Run{ID: res.RunID, Lesson: stem, Input: inputPath, StartedAt: b.clock()}); jerr != nil {
		log.Warn("failed to record run start", slogError(jerr))
	}

	var parsed phrase.Result
	defer func() {
		b.finish(ctx, log, res, parsed, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return res, &StageError{Stage: StageParse, Path: inputPath, Err: err}
	}
	parsed = phrase.Parse(string(data), log)
	res.Warnings = parsed.Warnings
	if parsed.Empty() {
		return res, &StageError{Stage: StageParse, Path: inputPath, Err: ErrNoPhrases}
	}
	log.Info("lesson parsed",
		slog.Int("phrases", len(parsed.Phrases)),
		slog.Int("target_only", len(parsed.TargetOnly)),
		slog.Int("warnings", len(parsed.Warnings)))

	normalDir := filepath.Join(res.Dir, dirNormal)
	if err = os.MkdirAll(normalDir, 0o755); err != nil {
		return res, &StageError{Stage: StageWrite, Path: normalDir, Err: err}
	}
	targetDir := filepath.Join(res.Dir, dirTargetIntro)
	if len(parsed.TargetOnly) > 0 {
		if err = os.MkdirAll(targetDir, 0o755); err != nil {
			return res, &StageError{Stage: StageWrite, Path: targetDir, Err: err}
		}
	}

	targetJobs := b.targetJobs(parsed.TargetOnly)
	mainJobs := b.mainJobs(parsed.Phrases)
	jobs := append(append([]job{}, targetJobs...), mainJobs...)

	outcomes, err := b.synthesizeAll(ctx, jobs)
	if err != nil {
		return res, err
	}

	var targetClips, mainClips []audio.Clip
	for i, r := range outcomes {
		j := jobs[i]
		if r.err != nil {
			res.Failures = append(res.Failures, Failure{Kind: j.kind, Index: j.index, Text: j.text(), Error: r.err.Error()})
			b.recordPhrase(ctx, res, j, "", audio.Clip{}, false, r.err)
			continue
		}
		if r.cached {
			res.Cached++
		}

		dir, name := normalDir, fmt.Sprintf("phrase_%02d", j.index)
		if j.kind == KindTarget {
			dir, name = targetDir, fmt.Sprintf("target_%02d", j.index)
		}
		path, werr := b.write(ctx, r.clip, dir, name)
		if werr != nil {
			err = &StageError{Stage: StageWrite, Kind: j.kind, Index: j.index, Path: path, Err: werr}
			return res, err
		}
		b.recordPhrase(ctx, res, j, path, r.clip, r.cached, nil)

		if j.kind == KindTarget {
			targetClips = append(targetClips, r.clip)
			res.TargetFiles = append(res.TargetFiles, path)
		} else {
			mainClips = append(mainClips, r.clip)
			res.PhraseFiles = append(res.PhraseFiles, path)
		}
	}
	if len(targetClips)+len(mainClips) == 0 {
		err = &StageError{Stage: StageSynthesize, Err: ErrAllFailed}
		return res, err
	}

	err = b.assemble(ctx, &res, targetClips, mainClips)
	return res, err
}

func (b *Builder) targetJobs(items []phrase.TargetOnly) []job {
	profile := b.cfg.Voice(b.cfg.Lesson.TargetVoice)
	jobs := make([]job, 0, len(items))
	for _, p := range items {
		jobs = append(jobs, job{kind: KindTarget, index: p.ID, parts: []utterance{{text: p.Text, profile: profile}}})
	}
	return jobs
}

func (b *Builder) mainJobs(items []phrase.Bilingual) []job {
	source := b.cfg.Voice(b.cfg.Lesson.SourceVoice)
	target := b.cfg.Voice(b.cfg.Lesson.TargetVoice)
	jobs := make([]job, 0, len(items))
	for _, p := range items {
		var parts []utterance
		switch b.cfg.Lesson.Speak {
		case SpeakTarget:
			parts = []utterance{{text: p.Target, profile: target}}
		case SpeakBoth:
			parts = []utterance{{text: p.Source, profile: source}, {text: p.Target, profile: target}}
		default:
			parts = []utterance{{text: p.Source, profile: source}}
		}
		jobs = append(jobs, job{kind: KindBilingual, index: p.ID, parts: parts})
	}
	return jobs
}

// assemble renders the sections, the joined lesson and its slow variant.
func (b *Builder) assemble(ctx context.Context, res *Result, targetClips, mainClips []audio.Clip) error {
	ctx, span := b.tracer.Start(ctx, "lesson.assemble")
	defer span.End()

	var sections []audio.Clip
	if len(targetClips) > 0 {
		clip, err := audio.Section{
			Name:    sectionTargetIntro,
			Clips:   targetClips,
			Silence: audio.FixedSilence(b.cfg.Audio.SilenceTargetSectionMS),
		}.Render()
		if err != nil {
			return &StageError{Stage: StageAssemble, Path: sectionTargetIntro, Err: err}
		}
		if res.TargetSection, err = b.write(ctx, clip, res.Dir, sectionTargetIntro); err != nil {
			return &StageError{Stage: StageWrite, Path: res.TargetSection, Err: err}
		}
		sections = append(sections, clip)
	}
	if len(mainClips) > 0 {
		silence := audio.FixedSilence(b.cfg.Audio.SilenceBetweenPhrasesMS)
		if b.cfg.Audio.SilenceMode == string(audio.SilenceDynamic) {
			silence = audio.DynamicSilence(b.cfg.Audio.DynamicExtraMS)
		}
		clip, err := audio.Section{Name: sectionMainLesson, Clips: mainClips, Silence: silence}.Render()
		if err != nil {
			return &StageError{Stage: StageAssemble, Path: sectionMainLesson, Err: err}
		}
		if res.MainSection, err = b.write(ctx, clip, res.Dir, sectionMainLesson); err != nil {
			return &StageError{Stage: StageWrite, Path: res.MainSection, Err: err}
		}
		sections = append(sections, clip)
	}

	full, err := audio.JoinSections(sections)
	if err != nil {
		return &StageError{Stage: StageAssemble, Path: fullNormal, Err: err}
	}
	if res.FullNormal, err = b.write(ctx, full, res.Dir, fullNormal); err != nil {
		return &StageError{Stage: StageWrite, Path: res.FullNormal, Err: err}
	}
	res.Duration = full.Duration()

	slow, err := audio.ChangeTempo(full, b.cfg.Audio.SlowFactor)
	if err != nil {
		return &StageError{Stage: StageAssemble, Path: fullSlow, Err: err}
	}
	if res.FullSlow, err = b.write(ctx, slow, res.Dir, fullSlow); err != nil {
		return &StageError{Stage: StageWrite, Path: res.FullSlow, Err: err}
	}
	res.SlowDuration = slow.Duration()
	span.SetAttributes(
		attribute.Int64("full_normal.ms", res.Duration.Milliseconds()),
		attribute.Int64("full_slow.ms", res.SlowDuration.Milliseconds()),
	)
	return nil
}

func (b *Builder) write(ctx context.Context, clip audio.Clip, dir, name string) (string, error) {
	path := filepath.Join(dir, name+"."+b.encoder.Ext())
	return path, b.encoder.Encode(ctx, clip, path)
}

func (b *Builder) recordPhrase(ctx context.Context, res Result, j job, path string, clip audio.Clip, cached bool, failure error) {
	evt := protocol.PhraseEvent{
		RunID:      res.RunID,
		Lesson:     res.Lesson,
		Kind:       j.kind,
		Index:      j.index,
		Text:       j.text(),
		Voice:      j.parts[0].profile.Voice,
		Path:       path,
		DurationMS: clip.DurationMS(),
		Cached:     cached,
		Timestamp:  b.clock().UTC(),
	}
	eventType := "phrase.synthesized"
	if failure != nil {
		evt.Error = failure.Error()
		eventType = "phrase.failed"
	}
	payload, err := json.Marshal(evt)
	if err == nil {
		err = b.journal.AppendEvent(ctx, journal.Event{RunID: res.RunID, Type: eventType, Kind: j.kind, Index: j.index, Payload: payload})
	}
	if err != nil {
		b.log.Warn("failed to journal phrase", slogError(err))
	}
	if failure == nil {
		if err := b.bus.PublishJSON(protocol.SubjectLessonPhrase, evt); err != nil {
			b.log.Warn("failed to publish phrase event", slogError(err))
		}
	}
}

func (b *Builder) finish(ctx context.Context, log *slog.Logger, res Result, parsed phrase.Result, buildErr error) {
	status := journal.StatusSucceeded
	if buildErr != nil {
		status = journal.StatusFailed
	}
	run := journal.Run{
		ID:         res.RunID,
		Status:     status,
		Phrases:    len(parsed.Phrases),
		TargetOnly: len(parsed.TargetOnly),
		Failed:     len(res.Failures),
		FinishedAt: b.clock(),
	}
	completed := protocol.LessonCompleted{
		RunID:      res.RunID,
		Lesson:     res.Lesson,
		Status:     status,
		Phrases:    run.Phrases,
		TargetOnly: run.TargetOnly,
		Failed:     run.Failed,
		FullNormal: res.FullNormal,
		FullSlow:   res.FullSlow,
		Timestamp:  run.FinishedAt.UTC(),
	}
	if buildErr != nil {
		run.Error = buildErr.Error()
		completed.Error = run.Error
	}

	// the build context may already be cancelled; bookkeeping still has to land
	ctx = context.WithoutCancel(ctx)
	if err := b.journal.FinishRun(ctx, run); err != nil {
		log.Warn("failed to record run outcome", slogError(err))
	}
	if err := b.bus.PublishJSON(protocol.SubjectLessonCompleted, completed); err != nil {
		log.Warn("failed to publish lesson completion", slogError(err))
	}
	b.metrics.builds.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))

	if buildErr != nil {
		log.Error("lesson build failed", slogError(buildErr))
		return
	}
	b.metrics.lessonSecs.Record(ctx, res.Duration.Seconds())
	log.Info("lesson built",
		slog.String("target_intro", filepath.Join(res.Dir, dirTargetIntro)),
		slog.String("phrases", filepath.Join(res.Dir, dirNormal)),
		slog.String("full_normal", res.FullNormal),
		slog.String("full_slow", res.FullSlow),
		slog.Int("cached", res.Cached),
		slog.Int("failed", len(res.Failures)),
		slog.Duration("duration", res.Duration))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
