package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/cmd/fleetsync/handlers"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/clock"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/config"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/db"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/encoder"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/logging"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/media"
	syncpkg "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/conflict"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/connectivity"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/queue"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/remote"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/remote/remotetest"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/scheduler"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/storage"
)

const shutdownTimeout = 10 * time.Second

// app owns every long-lived component of the client.
type app struct {
	cfg   *config.Config
	clock clock.Clock

	database  *db.DB
	repo      *db.SubmissionRepository
	queue     *queue.Queue
	engine    *syncpkg.SyncEngine
	monitor   *connectivity.Monitor
	scheduler *scheduler.Scheduler
	hub       *WSHub
	demo      *remotetest.Server

	listener net.Listener
	server   *http.Server
	closers  []func()
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// newApp opens the queue and wires the pipeline. With demo set, an
// in-memory intervention server is started and used as the remote.
func newApp(cfg *config.Config, clk clock.Clock, demo bool) (*app, error) {
	a := &app{cfg: cfg, clock: clk, stop: make(chan struct{})}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	if demo {
		if err := a.startDemoRemote(); err != nil {
			return nil, err
		}
	}
	if cfg.Remote.BaseURL == "" {
		return nil, errors.New("no remote configured: set --remote or --demo-remote")
	}

	var err error
	a.database, err = db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.database.Close() })
	if err := a.database.Migrate(); err != nil {
		return nil, err
	}
	a.repo = db.NewSubmissionRepository(a.database.DB)
	a.closers = append(a.closers, func() { a.repo.Close() })

	blobs := storage.NewBlobStore(cfg.AttachmentsDir())
	a.queue = queue.New(a.repo, blobs, clk, cfg.Sync.MaxRetries)

	compressor := media.NewCompressor(media.Options{
		MaxBytes:     cfg.Media.MaxBytes,
		MaxDimension: cfg.Media.MaxDimension,
		Quality:      cfg.Media.Quality,
		QualityFloor: cfg.Media.QualityFloor,
	})
	var encOpts []encoder.Option
	if cfg.Sync.CompressOnCapture {
		encOpts = append(encOpts, encoder.WithCompressor(compressor))
	}
	enc := encoder.New(clk, encOpts...)

	client := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL:           cfg.Remote.BaseURL,
		AuthToken:         cfg.Remote.AuthToken,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		Burst:             cfg.Remote.Burst,
	})
	resolver := conflict.NewResolver(a.queue, clk)
	a.engine = syncpkg.NewSyncEngine(a.queue, client, resolver, compressor, clk, syncpkg.Options{
		Workers:       cfg.Sync.Workers,
		BackoffBase:   cfg.Sync.BackoffBase,
		BackoffMax:    cfg.Sync.BackoffMax,
		UploadTimeout: cfg.Remote.UploadTimeout,
		SyncedGrace:   cfg.Sync.SyncedGrace,
	})
	a.hub = NewWSHub()
	a.engine.SetEventHandler(a.hub)

	a.monitor = connectivity.NewMonitor(clk, client, connectivity.Options{
		Debounce:      cfg.Sync.Debounce,
		ProbeInterval: cfg.Remote.ProbeInterval,
	})
	schedEvents := make(chan connectivity.Event, 1)
	a.scheduler = scheduler.NewScheduler(a.engine, schedEvents, clk, &scheduler.SchedulerConfig{
		PassTimeout:    cfg.Sync.PassTimeout,
		SafetyInterval: cfg.Sync.SafetyInterval,
	})

	subs := handlers.NewSubmissionHandler(a.queue, enc, resolver, compressor, a.scheduler)
	sh := handlers.NewSyncHandler(a.queue, a.engine, a.scheduler, a.monitor)
	router := handlers.NewRouter(subs, sh, HandleWebSocket(a.hub, a.countsSnapshot))

	a.listener, err = net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	a.closers = append(a.closers, func() { a.listener.Close() })
	a.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.wg.Add(1)
	go a.relayConnectivity(schedEvents)
	ready = true
	return a, nil
}

// startDemoRemote serves an in-memory intervention server on a loopback
// port and points the configuration at it.
func (a *app) startDemoRemote() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("start demo remote: %w", err)
	}
	a.demo = remotetest.NewServer(a.clock, a.cfg.Remote.AuthToken)
	srv := &http.Server{Handler: a.demo.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	a.closers = append(a.closers, func() { srv.Close() })

	a.cfg.Remote.BaseURL = "http://" + ln.Addr().String()
	logging.Warn("Using in-memory demo remote", map[string]interface{}{"url": a.cfg.Remote.BaseURL})
	return nil
}

// relayConnectivity hands settled transitions to the scheduler and the
// push channel. The monitor allows a single consumer.
func (a *app) relayConnectivity(out chan<- connectivity.Event) {
	defer a.wg.Done()
	defer close(out)
	events := a.monitor.Events()
	for {
		select {
		case <-a.stop:
			return
		case ev := <-events:
			a.hub.OnConnectivity(ev)
			select {
			case out <- ev:
			case <-a.stop:
				return
			}
		}
	}
}

func (a *app) countsSnapshot() (string, interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	counts, err := a.queue.Counts(ctx)
	if err != nil {
		return "", nil
	}
	return EventQueueCounts, counts
}

// Addr returns the address the status API listens on.
func (a *app) Addr() string {
	return a.listener.Addr().String()
}

// start recovers interrupted work, then starts probing, scheduling and
// serving. It returns once everything runs.
func (a *app) start(ctx context.Context) error {
	n, err := a.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	if n > 0 {
		logging.Warn("Requeued submissions interrupted by a previous run", map[string]interface{}{"count": n})
	}

	counts, unsubscribe := a.queue.Subscribe()
	a.closers = append(a.closers, unsubscribe)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.hub.ForwardCounts(counts)
	}()

	a.scheduler.Start(ctx)
	a.monitor.Start(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Status API stopped", err, nil)
		}
	}()

	logging.Info("fleetsync started", map[string]interface{}{
		"listen": a.Addr(),
		"remote": a.cfg.Remote.BaseURL,
		"data":   a.cfg.DataDir,
	})
	return nil
}

// shutdown cancels the running pass so its records return to queued,
// stops accepting requests and closes the store. Stopping the scheduler
// first releases requests waiting in SyncNow.
func (a *app) shutdown() {
	a.scheduler.Stop()
	a.monitor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		logging.Warn("Status API shutdown", map[string]interface{}{"error": err.Error()})
	}
	a.hub.Close()
	a.close()
	logging.Info("fleetsync stopped", nil)
}

func (a *app) close() {
	a.stopOnce.Do(func() { close(a.stop) })
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	a.wg.Wait()
}
