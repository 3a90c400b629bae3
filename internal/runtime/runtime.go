package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lessons/internal/bus"
	"github.com/loqalabs/loqa-lessons/internal/capability"
	"github.com/loqalabs/loqa-lessons/internal/config"
	"github.com/loqalabs/loqa-lessons/internal/journal"
	"github.com/loqalabs/loqa-lessons/internal/lesson"
	"github.com/loqalabs/loqa-lessons/internal/natsserver"
	"github.com/loqalabs/loqa-lessons/internal/telemetry"
	"github.com/loqalabs/loqa-lessons/internal/tts"
)

const shutdownTimeout = 10 * time.Second

// Runtime owns the process-wide components shared by the CLI commands:
// telemetry, the metrics endpoint, the journal and the optional NATS bus.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	telemetry *telemetry.Telemetry
	http      *telemetry.Server
	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	registry  *capability.Registry
	journal   *journal.Store
	synth     tts.Synthesizer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every configured component. On failure whatever was
// already started is torn down again.
func (r *Runtime) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	r.telemetry, err = telemetry.Setup(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	if r.cfg.Telemetry.PrometheusBind != "" {
		if r.http, err = telemetry.Serve(r.cfg.Telemetry.PrometheusBind, r.telemetry, r.logger); err != nil {
			return err
		}
	}

	if r.journal, err = journal.Open(ctx, r.cfg.Journal, r.logger); err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	if err = r.journal.Ensure(); err != nil {
		return err
	}

	if r.cfg.Bus.Enabled {
		if r.nats, err = natsserver.Start(r.cfg.Bus, r.logger); err != nil {
			return err
		}
		busCfg := r.cfg.Bus
		if r.nats != nil {
			busCfg.Servers = []string{r.nats.ClientURL()}
		}
		if r.bus, err = bus.Connect(ctx, busCfg, r.logger); err != nil {
			return err
		}
		if r.registry, err = capability.NewRegistry(context.WithoutCancel(ctx), r.cfg.Bus, r.bus, r.logger); err != nil {
			return err
		}
	}

	if r.synth, err = tts.New(r.cfg, r.bus, r.logger); err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}

	r.http.SetReady(true)
	r.logger.Info("runtime started",
		slog.String("tts_mode", r.cfg.TTS.Mode),
		slog.Bool("bus", r.bus != nil),
		slog.Bool("journal", r.journal.Enabled()))
	return nil
}

// Builder returns a lesson builder wired to the runtime's components.
func (r *Runtime) Builder() (*lesson.Builder, error) {
	return lesson.NewBuilder(r.cfg, r.synth, r.journal, r.bus, r.logger)
}

// Worker serves tts.request on the bus with the runtime's own backend and
// advertises it to other processes. The caller closes the service.
func (r *Runtime) Worker(ctx context.Context) (*tts.Service, error) {
	if r.bus == nil {
		return nil, errors.New("tts worker requires bus.enabled")
	}
	if r.cfg.TTS.Mode == tts.ModeBus {
		return nil, errors.New("tts worker needs a local backend, not tts.mode=bus")
	}
	svc := tts.NewService(ctx, r.cfg.TTS, r.bus, r.synth, r.logger)
	if err := svc.Start(); err != nil {
		return nil, fmt.Errorf("start tts worker: %w", err)
	}
	if err := r.registry.Advertise(r.workerID(), r.cfg.TTS.Mode, r.cfg.TTS.Model, r.cfg.TTS.Voice); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func (r *Runtime) workerID() string {
	if r.cfg.Bus.WorkerID != "" {
		return r.cfg.Bus.WorkerID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// AwaitWorkers blocks until a synthesis worker is reachable when phrases are
// sent over the bus. Other modes return immediately.
func (r *Runtime) AwaitWorkers(ctx context.Context) error {
	if r.cfg.TTS.Mode != tts.ModeBus {
		return nil
	}
	w, err := r.registry.WaitForWorker(ctx, time.Duration(r.cfg.Bus.WorkerWaitTimeoutMS)*time.Millisecond)
	if err != nil {
		return err
	}
	r.logger.Info("using bus synthesis", slog.String("worker_id", w.ID), slog.String("backend", w.Backend))
	return nil
}

// Workers lists the synthesis workers seen on the bus.
func (r *Runtime) Workers() ([]capability.Worker, error) {
	if r.registry == nil {
		return nil, errors.New("listing workers requires bus.enabled")
	}
	return r.registry.Query(nil), nil
}

// Close stops components in reverse start order.
func (r *Runtime) Close() {
	r.http.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := r.http.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.registry != nil {
		r.registry.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
