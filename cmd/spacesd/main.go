// Command spacesd is the spacekeeper daemon: it reconciles live browser
// windows against the durable space registry and serves the UI-facing
// WebSocket and request/response surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"spacekeeper/internal/broadcast"
	"spacekeeper/internal/browseradapter"
	"spacekeeper/internal/config"
	"spacekeeper/internal/engine"
	"spacekeeper/internal/locktable"
	"spacekeeper/internal/restore"
	"spacekeeper/internal/router"
	"spacekeeper/internal/store"
	"spacekeeper/internal/updatequeue"
	"spacekeeper/pkg/banner"
	"spacekeeper/pkg/configfiles"
	"spacekeeper/pkg/logger"
	"spacekeeper/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the daemon's config file")
	fakeAdapter := flag.Bool("fake-adapter", false, "use the in-memory fake browser adapter instead of chromedp")
	flag.Parse()

	if err := configfiles.EnsureConfig(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "spacesd: ensure config: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spacesd: load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		MaxSize:     cfg.Log.MaxSize,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAge:      cfg.Log.MaxAge,
		Compress:    cfg.Log.Compress,
		Development: cfg.Log.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "spacesd: init logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	banner.PrintRainbow(banner.ASCII)

	if err := configfiles.EnsureStorageDir(cfg); err != nil {
		log.Fatalf("ensure storage dir: %v", err)
	}

	st, err := store.Open(filepath.Join(cfg.StorageDir, "spacekeeper.db"))
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloader := config.NewReloader(*configPath)
	reloader.SetLogger(log)
	if err := reloader.Start(); err != nil {
		log.Warnf("config reloader: %v", err)
	}
	defer reloader.Stop()

	collector := metrics.New(prometheus.DefaultRegisterer)

	locks := locktable.New()

	queue := updatequeue.New(func(ctx context.Context, batch []updatequeue.StateUpdate) error {
		// Per-space durable writes already landed synchronously inside the
		// engine (spec requires the write to succeed before the mutation is
		// acknowledged); this consumer just gives downstream observers
		// (metrics, future webhooks) a batched, debounced view of what
		// changed.
		collector.QueueDepth.Set(float64(len(batch)))
		log.Debugf("update queue: committed batch of %d", len(batch))
		return nil
	}, updatequeue.Options{
		BatchWindow:     cfg.BatchWindow(),
		StorageDebounce: cfg.StorageDebounce(),
		MaxQueueSize:    cfg.MaxQueueSize,
		OnDropped: func(u updatequeue.StateUpdate) {
			collector.QueueDropped.Inc()
			log.Warnf("update queue: dropped update id=%s kind=%s", u.ID, u.Kind)
		},
	})
	queue.Start(ctx)
	defer queue.Stop()

	var fabric *broadcast.Fabric

	var adapter browseradapter.Adapter
	if *fakeAdapter {
		adapter = browseradapter.NewFakeAdapter()
	} else {
		a, err := browseradapter.NewChromeDPAdapter(browseradapter.ChromeDPOptions{Headless: cfg.Headless})
		if err != nil {
			log.Fatalf("start browser adapter: %v", err)
		}
		adapter = a
	}
	defer adapter.Close()

	registry := restore.NewRegistry(cfg.RestoreGate())

	// The engine needs the fabric to broadcast changes, and the fabric
	// needs a snapshot function that reads the engine; break the cycle
	// with a forward-declared variable the closure captures by reference.
	var eng *engine.StateEngine
	fabric = broadcast.New(broadcast.Options{
		IncrementalThreshold: cfg.IncrementalUpdateThreshold,
		Snapshot: func() any {
			active, closed := eng.GetAllSpaces()
			return map[string]any{"spaces": active, "closed_spaces": closed}
		},
		Logger: log,
	})

	eng = engine.New(engine.Deps{
		Store:    st,
		Locks:    locks,
		Queue:    queue,
		Fabric:   fabric,
		Registry: registry,
	}, engine.Config{
		LockTimeout:              cfg.LockTimeout(),
		CacheTTL:                 cfg.CacheTTL(),
		RestoreGate:              cfg.RestoreGate(),
		URLMatchThresholdNamed:   cfg.URLMatchThresholdNamed,
		URLMatchThresholdUnnamed: cfg.URLMatchThresholdUnnamed,
		SpaceNameMaxLength:       cfg.SpaceNameMaxLength,
	})

	if err := eng.Initialize(ctx); err != nil {
		log.Fatalf("initialize engine: %v", err)
	}

	driver := restore.NewDriver(eng, registry, adapter, log)
	driver.Start(ctx)
	defer driver.Stop()

	rtr := router.New(router.Options{
		Engine:            eng,
		Adapter:           adapter,
		Driver:            driver,
		Fabric:            fabric,
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         cfg.BurstSize,
		Logger:            log,
	})

	time.AfterFunc(cfg.StartupDelay(), func() {
		runReconcileLoop(ctx, eng, adapter, log, cfg.RecoveryCheckDelay())
	})
	go consumeAdapterEvents(ctx, eng, adapter, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", fabric.ServeWS)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/request", requestHandler(rtr))

	httpServer := &http.Server{Addr: cfg.WSBindAddr, Handler: mux}

	go func() {
		log.Infof("spacesd listening on %s", cfg.WSBindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("spacesd shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := eng.HandleShutdown(shutdownCtx); err != nil {
		log.Errorf("handle shutdown: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
	cancel()
}

func requestHandler(rtr *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req router.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		resp := rtr.Dispatch(r.Context(), req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// runReconcileLoop periodically reconciles in-memory spaces against the
// adapter's live windows. The browser-event adapter is interface-only in
// scope, so a reconciliation poll is the reference trigger alongside the
// event-driven path in consumeAdapterEvents.
func runReconcileLoop(ctx context.Context, eng *engine.StateEngine, adapter browseradapter.Adapter, log *logger.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			windows, err := adapter.ListWindows(ctx)
			if err != nil {
				log.Warnf("reconcile: list windows: %v", err)
				continue
			}
			if _, err := eng.Reconcile(windows); err != nil {
				log.Warnf("reconcile: %v", err)
			}
		}
	}
}

// consumeAdapterEvents drives the event-driven half of reconciliation:
// window_created/window_closed events trigger immediate create/close
// calls instead of waiting for the next poll.
func consumeAdapterEvents(ctx context.Context, eng *engine.StateEngine, adapter browseradapter.Adapter, log *logger.Logger) {
	events, err := adapter.Events(ctx)
	if err != nil {
		log.Warnf("adapter events: %v", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case browseradapter.EventWindowCreated:
				if _, err := eng.CreateSpace(ctx, ev.WindowID, ev.URLs, "", false); err != nil {
					log.Warnf("create_space on event: %v", err)
				}
			case browseradapter.EventWindowClosed:
				if err := eng.CloseSpace(ctx, ev.WindowID, nil); err != nil {
					log.Warnf("close_space on event: %v", err)
				}
			}
		}
	}
}
