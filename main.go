package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"workshop/api"
	"workshop/config"
	"workshop/events"
	"workshop/history"
	"workshop/notify"
	"workshop/pipeline"
	"workshop/playlist"
	"workshop/process"
	"workshop/project"
	"workshop/task"
)

func main() {
	configPath := flag.String("config", "", "settings file (default: workshop.yaml in the working or user config directory)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// 1. Load configuration
	store, err := config.Open(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	settings := store.Snapshot()
	setLevel(log, settings.Log.Level)
	if store.Path() != "" {
		log.Infof("settings file: %s", store.Path())
	}

	// 2. Event bus, notifications and the process runner
	bus := events.New(log)
	notifier := notify.Multi{notify.NewBusSink(bus), notify.NewLogSink(log)}
	runner := process.NewRunner(log)
	deps := pipeline.Deps{Settings: store, Exec: runner, Logger: log}

	// 3. One scheduler per pipeline
	workers := map[task.Kind]task.Worker{
		task.KindDownload:  &pipeline.DownloadWorker{Deps: deps},
		task.KindExtract:   &pipeline.ExtractWorker{Deps: deps},
		task.KindTranslate: &pipeline.TranslateWorker{Settings: store, Logger: log},
		task.KindEncode:    &pipeline.EncodeWorker{Deps: deps},
		task.KindUpload:    &pipeline.UploadWorker{Deps: deps},
	}
	schedulers := make(map[task.Kind]*task.Scheduler, len(task.Kinds))
	ordered := make([]*task.Scheduler, 0, len(task.Kinds))
	for _, k := range task.Kinds {
		s := task.NewScheduler(task.Config{
			Kind:        k,
			Concurrency: settings.Concurrency.For(string(k)),
			Worker:      workers[k],
			Bus:         bus,
			Notifier:    notifier,
			Logger:      log,
			Timeout:     settings.Timeout.For(string(k)),
		})
		schedulers[k] = s
		ordered = append(ordered, s)
	}
	store.OnChange(func(old, cur config.Settings) {
		if old.Log.Level != cur.Log.Level {
			setLevel(log, cur.Log.Level)
		}
		for k, s := range schedulers {
			if n := cur.Concurrency.For(string(k)); n != old.Concurrency.For(string(k)) {
				if err := s.SetConcurrency(n); err != nil {
					log.WithField("kind", k).Warnf("concurrency not applied: %v", err)
				}
			}
			s.SetTimeout(cur.Timeout.For(string(k)))
		}
	})

	// 4. Projects, playlists and the task journal
	projects, err := project.NewManager(settings.Projects.Root, store, bus, log)
	if err != nil {
		log.Fatalf("Failed to open projects root: %v", err)
	}
	bootstrapper := &playlist.Bootstrapper{
		Projects:  projects,
		Downloads: schedulers[task.KindDownload],
		Bus:       bus,
		Settings:  store,
		Logger:    log,
		Fallback:  playlist.YTDLPLister{},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var journal *history.Store
	if settings.History.Path != "" {
		journal, err = history.Open(ctx, settings.History.Path)
		if err != nil {
			log.Fatalf("Failed to open task history: %v", err)
		}
		defer journal.Close()
		defer history.Attach(bus, journal, log)()
	}

	// 5. Start background services and HTTP server
	for _, s := range ordered {
		s.Start(ctx)
	}

	if log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.SetupRouter(api.NewHandler(api.Options{
		Schedulers:  ordered,
		Projects:    projects,
		Playlists:   bootstrapper,
		History:     journal,
		Bus:         bus,
		Settings:    store,
		Logger:      log,
		BaseContext: ctx,
	}))
	srv := &http.Server{
		Addr:              settings.API.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Server starting on %s", settings.API.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %s", err)
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	log.Info("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	// Cancelling ctx stopped every running task; wait for the children to go.
	done := make(chan struct{})
	go func() {
		for _, s := range ordered {
			s.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(task.DefaultCancelDeadline):
		log.Warn("some workers did not exit in time")
	}

	log.Info("Server exiting")
}

func setLevel(log *logrus.Logger, level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}
