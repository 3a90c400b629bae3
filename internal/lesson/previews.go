package lesson

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

var previewTexts = map[string]string{
	"en": "Hello, this is a sample of the English teaching voice.",
	"es": "Hola, esta es una muestra de la voz de enseñanza en español.",
}

var previewDirs = map[string]string{
	"en": "english",
	"es": "spanish",
}

// PreviewsManifest is the name of the index written next to the previews.
const PreviewsManifest = "previews.json"

// Previews renders one sample per configured voice profile under dir and
// returns a map of profile name to file path. The map is also written to
// dir/previews.json.
func (b *Builder) Previews(ctx context.Context, dir string) (map[string]string, error) {
	ctx, span := b.tracer.Start(ctx, "lesson.previews")
	defer span.End()

	names := make([]string, 0, len(b.cfg.Voices))
	for name := range b.cfg.Voices {
		names = append(names, name)
	}
	sort.Strings(names)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StageError{Stage: StageWrite, Path: dir, Err: err}
	}

	jobs := make([]job, 0, len(names))
	for i, name := range names {
		profile := b.cfg.Voices[name]
		text, ok := previewTexts[profile.Language]
		if !ok {
			text = previewTexts["en"]
		}
		jobs = append(jobs, job{kind: KindPreview, index: i + 1, parts: []utterance{{text: text, profile: profile}}})
	}

	outcomes, err := b.synthesizeAll(ctx, jobs)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]string, len(names))
	for i, name := range names {
		r := outcomes[i]
		if r.err != nil {
			continue
		}
		lang := b.cfg.Voices[name].Language
		sub, ok := previewDirs[lang]
		if !ok {
			sub = lang
		}
		target := filepath.Join(dir, sub)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return nil, &StageError{Stage: StageWrite, Path: target, Err: err}
		}
		path, err := b.write(ctx, r.clip, target, name)
		if err != nil {
			return nil, &StageError{Stage: StageWrite, Path: path, Err: err}
		}
		paths[name] = path
		b.log.Info("voice preview written", slog.String("profile", name), slog.String("path", path))
	}
	if len(paths) == 0 && len(names) > 0 {
		return nil, &StageError{Stage: StageSynthesize, Err: ErrAllFailed}
	}

	data, err := json.MarshalIndent(paths, "", "  ")
	if err != nil {
		return nil, err
	}
	manifest := filepath.Join(dir, PreviewsManifest)
	if err := os.WriteFile(manifest, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", manifest, err)
	}
	return paths, nil
}
