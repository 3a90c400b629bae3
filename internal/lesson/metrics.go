package lesson

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-lessons/internal/lesson"

type metrics struct {
	synthesized metric.Int64Counter
	cached      metric.Int64Counter
	failed      metric.Int64Counter
	retries     metric.Int64Counter
	latency     metric.Float64Histogram
	builds      metric.Int64Counter
	lessonSecs  metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	var (
		m   metrics
		err error
	)
	if m.synthesized, err = meter.Int64Counter("lesson.phrases.synthesized",
		metric.WithDescription("Phrases rendered by the speech backend")); err != nil {
		return nil, err
	}
	if m.cached, err = meter.Int64Counter("lesson.phrases.cached",
		metric.WithDescription("Phrases served from the clip cache")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("lesson.phrases.failed",
		metric.WithDescription("Phrases that could not be synthesized")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("lesson.synthesis.retries",
		metric.WithDescription("Synthesis attempts retried after a transient failure")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("lesson.synthesis.duration",
		metric.WithDescription("Time spent per synthesis call"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.builds, err = meter.Int64Counter("lesson.builds",
		metric.WithDescription("Lesson builds by outcome")); err != nil {
		return nil, err
	}
	if m.lessonSecs, err = meter.Float64Histogram("lesson.audio.duration",
		metric.WithDescription("Length of the assembled full_normal track"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}
