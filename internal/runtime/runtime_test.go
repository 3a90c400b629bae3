package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-lessons/internal/capability"
	"github.com/loqalabs/loqa-lessons/internal/config"
	"github.com/loqalabs/loqa-lessons/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Lesson.OutputRoot = filepath.Join(dir, "out")
	cfg.Audio.SampleRate = 8000
	cfg.TTS.Mode = tts.ModeMock
	cfg.TTS.RequestsPerSecond = 0
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRuntimeBuildsLessonAndServesMetrics(t *testing.T) {
	rt := New(testConfig(t), quietLogger())
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Close()

	input := filepath.Join(t.TempDir(), "basics.txt")
	require.NoError(t, os.WriteFile(input, []byte("Hello / Hola\n"), 0o644))

	builder, err := rt.Builder()
	require.NoError(t, err)
	res, err := builder.Build(context.Background(), input)
	require.NoError(t, err)
	assert.FileExists(t, res.FullSlow)

	resp, err := http.Get("http://" + rt.http.Addr() + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + rt.http.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "lesson_builds")
}

func TestRuntimeWorkerRequiresBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telemetry.PrometheusBind = ""
	rt := New(cfg, quietLogger())
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Close()

	_, err := rt.Worker(context.Background())
	assert.Error(t, err)
	_, err = rt.Workers()
	assert.Error(t, err)
	assert.NoError(t, rt.AwaitWorkers(context.Background()))
}

func busConfig(t *testing.T) config.Config {
	cfg := testConfig(t)
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Enabled = true
	cfg.Bus.HeartbeatInterval = 50
	cfg.Bus.HeartbeatTimeout = 500
	cfg.Bus.WorkerWaitTimeoutMS = 2000
	return cfg
}

func TestRuntimeBusModeRoundTrip(t *testing.T) {
	cfg := busConfig(t)
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.TTS.Mode = tts.ModeBus

	builderRT := New(cfg, quietLogger())
	require.NoError(t, builderRT.Start(context.Background()))
	defer builderRT.Close()

	_, err := builderRT.Worker(context.Background())
	assert.Error(t, err, "bus mode cannot serve itself")

	workerCfg := busConfig(t)
	workerCfg.Bus.Servers = []string{builderRT.nats.ClientURL()}
	workerCfg.Bus.WorkerID = "worker-a"
	workerRT := New(workerCfg, quietLogger())
	require.NoError(t, workerRT.Start(context.Background()))
	defer workerRT.Close()

	svc, err := workerRT.Worker(context.Background())
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, builderRT.AwaitWorkers(context.Background()))
	workers, err := builderRT.Workers()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "worker-a", workers[0].ID)
	assert.Equal(t, tts.ModeMock, workers[0].Backend)

	input := filepath.Join(t.TempDir(), "bus.txt")
	require.NoError(t, os.WriteFile(input, []byte("¿¿ Buenos días\nGood night / Buenas noches\n"), 0o644))

	builder, err := builderRT.Builder()
	require.NoError(t, err)
	res, err := builder.Build(context.Background(), input)
	require.NoError(t, err)
	assert.Len(t, res.PhraseFiles, 1)
	assert.Len(t, res.TargetFiles, 1)
}

func TestRuntimeAwaitWorkersTimesOut(t *testing.T) {
	cfg := busConfig(t)
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.Bus.WorkerWaitTimeoutMS = 100
	cfg.TTS.Mode = tts.ModeBus

	rt := New(cfg, quietLogger())
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Close()

	err := rt.AwaitWorkers(context.Background())
	assert.ErrorIs(t, err, capability.ErrNoWorkers)
}

func TestRuntimeStartFailsOnBadBind(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telemetry.PrometheusBind = "256.0.0.1:bad"
	rt := New(cfg, quietLogger())
	assert.Error(t, rt.Start(context.Background()))
}
