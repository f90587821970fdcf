package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mkravn/callfence/internal/api"
	"github.com/mkravn/callfence/internal/config"
	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/remote"
	"github.com/mkravn/callfence/internal/service"
	"github.com/mkravn/callfence/internal/snapshot"
	"github.com/mkravn/callfence/internal/storage"
	"github.com/mkravn/callfence/internal/storage/journal"
	"github.com/mkravn/callfence/internal/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	configAppName = "app"
	configExt     = "env"
	configDir     = "config"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout", "app_log.log"}
	cfg.ErrorOutputPaths = []string{"stderr", "app_log.log"}
	return cfg.Build()
}

func main() {
	zapLogger, err := newLogger()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "can init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()

	logger := zapLogger.Named("server")

	logger.Info("running server", zap.Int("pid", os.Getpid()))

	cfg, err := readConfig()
	if err != nil || cfg == nil {
		logger.Fatal("cant read config, check file", zap.Error(err), zap.String("name", configAppName))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("cant create data dir", zap.Error(err), zap.String("dir", cfg.DataDir))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SlotPath), 0o755); err != nil {
		logger.Fatal("cant create slot dir", zap.Error(err), zap.String("path", cfg.SlotPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	restartCh := make(chan os.Signal, 1)
	signal.Notify(restartCh, syscall.SIGHUP)
	defer signal.Stop(restartCh)

	h := &holder{}
	compLogger := logger.Named("comp")
	c, err := newAppComponent(ctx, cfg, compLogger)
	if err != nil {
		logger.Fatal("cant create app component", zap.Error(err))
	}
	h.set(c)

	if err := c.pipeline.Recover(ctx); err != nil {
		logger.Warn("crash recovery failed", zap.Error(err))
	}

	srv, err := api.NewServer(&api.ServerOptions{
		Entries: &entriesProxy{holder: h},
		Status:  &statusProxy{holder: h},
		Queue:   &queueProxy{holder: h},
		Logger:  logger,

		Addr: cfg.ServerAddr,
	})
	if err != nil {
		logger.Fatal("cant create api server", zap.Error(err))
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.ServerAddr))
		if err := srv.Run(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				return
			}
			errCh <- err
		}
	}()

	sdCtx := ctx
	for {
		select {
		case <-sdCtx.Done():
			logger.Info("shutdown signal received")
			goto shutdown
		case <-restartCh:
			if err := restartComponent(ctx, h, cfg, compLogger); err != nil {
				logger.Error("restart failed", zap.Error(err))
			}
		case err := <-errCh:
			logger.Error("server failed", zap.Error(err))

		}
	}

shutdown:
	comp := h.get()
	if comp != nil {
		comp.stopWork(logger, "shutdown")
	}

	offCtx, offCanc := context.WithTimeout(context.Background(), 30*time.Second)
	defer offCanc()
	if err := srv.Shutdown(offCtx); err != nil {
		logger.Error("cant shutdown server", zap.Error(err))
	}
	if comp != nil {
		comp.closeStore(logger)
	}
	logger.Info("shutdown done")
}

type appComponent struct {
	store    *storage.BoltEntryStore
	jlog     *journal.FileLog
	pipeline *service.Pipeline
	entries  *service.EntryService
	queue    *worker.Queue

	workCanc context.CancelFunc

	tickStop chan struct{}
	tickWG   sync.WaitGroup
}

// pipelineHandler maps queue jobs onto pipeline operations.
type pipelineHandler struct {
	pipeline *service.Pipeline
}

func (h *pipelineHandler) Handle(ctx context.Context, job worker.Job) error {
	switch job.Kind {
	case worker.JobUpdate:
		return h.pipeline.RunUpdate(ctx)
	case worker.JobRemoveAll:
		return h.pipeline.RemoveEverything(ctx)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func newAppComponent(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*appComponent, error) {
	wCtx, wCanc := context.WithCancel(ctx)
	store, jlog, pipeline, entries, queue, err := setup(wCtx, cfg, logger)
	if err != nil {
		wCanc()
		if store != nil {
			_ = store.Close()
		}
		if jlog != nil {
			_ = jlog.Close()
		}
		return nil, err
	}

	c := &appComponent{
		store:    store,
		jlog:     jlog,
		pipeline: pipeline,
		entries:  entries,
		queue:    queue,
		workCanc: wCanc,
	}

	c.tickStop = make(chan struct{})
	c.tickWG.Add(1)
	go func() {
		defer c.tickWG.Done()
		ticker := time.NewTicker(cfg.UpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				logger.Info("periodic update tick")
				if err := queue.Submit(wCtx, worker.Job{
					Kind:      worker.JobUpdate,
					Requested: "periodic",
				}); err != nil {
					logger.Warn("cant queue periodic update", zap.Error(err))
				}
			case <-c.tickStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return c, nil
}

func (c *appComponent) stopWork(logger *zap.Logger, why string) {
	logger.Info("stopping periodic updates", zap.String("why", why))
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
	c.tickWG.Wait()
	logger.Info("cancel in-flight work", zap.String("why", why))
	c.workCanc()
	logger.Info("wait for queued jobs to finish", zap.String("why", why))
	c.queue.Stop()
}

func (c *appComponent) closeStore(logger *zap.Logger) {
	if c.jlog != nil {
		if err := c.jlog.Close(); err != nil {
			logger.Error("cant close journal", zap.Error(err))
		}
		c.jlog = nil
	}
	if c.store == nil {
		return
	}
	if err := c.store.Close(); err != nil {
		logger.Error("cant close store", zap.Error(err))
	}
	c.store = nil
}

type holder struct {
	mu   sync.RWMutex
	comp *appComponent
}

func (h *holder) set(c *appComponent) {
	h.mu.Lock()
	h.comp = c
	h.mu.Unlock()
}
func (h *holder) get() *appComponent {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.comp
	h.comp = nil
	return c
}
func (h *holder) withEntries(f func(*service.EntryService) error) error {
	h.mu.RLock()
	c := h.comp
	if c == nil {
		h.mu.RUnlock()
		return errors.New("entry service not available")
	}
	defer h.mu.RUnlock()
	return f(c.entries)
}
func (h *holder) withPipeline(f func(*service.Pipeline) error) error {
	h.mu.RLock()
	c := h.comp
	if c == nil {
		h.mu.RUnlock()
		return errors.New("pipeline not available")
	}
	defer h.mu.RUnlock()
	return f(c.pipeline)
}
func (h *holder) withQueue(f func(*worker.Queue) error) error {
	h.mu.RLock()
	c := h.comp
	if c == nil {
		h.mu.RUnlock()
		return errors.New("queue not available")
	}
	defer h.mu.RUnlock()
	return f(c.queue)
}

type entriesProxy struct {
	holder *holder
}

func (p *entriesProxy) AddUserEntry(ctx context.Context, pattern string, action core.Action, label string) (*core.Entry, error) {
	res := &core.Entry{}
	err := p.holder.withEntries(func(es *service.EntryService) error {
		var thisErr error
		res, thisErr = es.AddUserEntry(ctx, pattern, action, label)
		return thisErr
	})
	return res, err
}
func (p *entriesProxy) RemoveUserEntry(ctx context.Context, id string) error {
	return p.holder.withEntries(func(es *service.EntryService) error {
		return es.RemoveUserEntry(ctx, id)
	})
}
func (p *entriesProxy) UserEntries(ctx context.Context) ([]*core.Entry, error) {
	res := []*core.Entry{}
	err := p.holder.withEntries(func(es *service.EntryService) error {
		var thisErr error
		res, thisErr = es.UserEntries(ctx)
		return thisErr
	})
	return res, err
}

type statusProxy struct {
	holder *holder
}

func (p *statusProxy) Status(ctx context.Context) (*service.Status, error) {
	res := &service.Status{}
	err := p.holder.withPipeline(func(pl *service.Pipeline) error {
		var thisErr error
		res, thisErr = pl.Status(ctx)
		return thisErr
	})
	return res, err
}

type queueProxy struct {
	holder *holder
}

func (p *queueProxy) Submit(ctx context.Context, job worker.Job) error {
	return p.holder.withQueue(func(q *worker.Queue) error {
		return q.Submit(ctx, job)
	})
}

func readConfig() (*config.AppConfig, error) {
	return config.LoadAppConfig(configAppName, configExt, configDir)
}

func setup(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (
	*storage.BoltEntryStore, *journal.FileLog, *service.Pipeline, *service.EntryService, *worker.Queue, error,
) {
	store, err := storage.NewBoltEntryStore(filepath.Join(cfg.DataDir, "entries.db"))
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	jlog, err := journal.NewFileLog(filepath.Join(cfg.DataDir, "transitions.log"))
	if err != nil {
		return store, nil, nil, nil, nil, err
	}
	slot, err := snapshot.NewSlot(cfg.SlotPath)
	if err != nil {
		return store, jlog, nil, nil, nil, err
	}
	fetcher, err := remote.NewHTTPFetcher(&remote.HTTPFetcherConfig{
		Client:    &http.Client{Timeout: cfg.FetchTimeout},
		BaseURL:   cfg.ListURL,
		UserAgent: cfg.UserAgent,
	})
	if err != nil {
		return store, jlog, nil, nil, nil, err
	}

	reconciler, err := service.NewReconciler(store, logger, time.Now)
	if err != nil {
		return store, jlog, nil, nil, nil, err
	}
	entries, err := service.NewEntryService(store, logger, time.Now)
	if err != nil {
		return store, jlog, nil, nil, nil, err
	}
	reloader, err := service.NewSlotReloader(slot, cfg.ReloadTimeout, logger)
	if err != nil {
		return store, jlog, nil, nil, nil, err
	}

	preempt := &service.Preempt{}
	dispatcher, err := service.NewDispatcher(store, store, slot, reloader, &service.DispatcherOptions{
		ChunkSize:         cfg.ChunkSize,
		NumberBudget:      cfg.NumberBudget,
		MinReloadInterval: cfg.MinReloadInterval,
		Superseded:        preempt.Requested,
	}, logger, time.Now)
	if err != nil {
		return store, jlog, nil, nil, nil, err
	}

	pipeline, err := service.NewPipeline(store, store, jlog, fetcher,
		reconciler, dispatcher, preempt, cfg.DeviceID, logger, time.Now)
	if err != nil {
		return store, jlog, nil, nil, nil, err
	}

	queue, err := worker.NewQueue(&pipelineHandler{pipeline: pipeline}, cfg.QueueBacklog, logger)
	if err != nil {
		return store, jlog, nil, nil, nil, err
	}
	if err := queue.Start(ctx); err != nil {
		return store, jlog, nil, nil, nil, err
	}

	return store, jlog, pipeline, entries, queue, nil
}

func restartComponent(ctx context.Context, h *holder, cfg *config.AppConfig, logger *zap.Logger) error {
	logger.Info("restart required")
	h.mu.RLock()
	curr := h.comp
	h.mu.RUnlock()
	if curr == nil {
		return errors.New("component not init")
	}
	curr.stopWork(logger, "restart")
	h.mu.Lock()
	defer h.mu.Unlock()

	last := h.comp
	if last == nil {
		return errors.New("component not init while restart")
	}
	last.closeStore(logger)

	newer, err := newAppComponent(ctx, cfg, logger)
	if err != nil {
		return err
	}
	h.comp = newer
	if err := newer.pipeline.Recover(ctx); err != nil {
		logger.Warn("crash recovery failed", zap.Error(err))
	}
	logger.Info("restart done")
	return nil
}
