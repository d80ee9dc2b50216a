// Command pollerd is the fleet polling coordinator: a 1 Hz scheduler that
// dispatches SNMP composite probes across OLTs through a fixed-size poller
// pool, with a durable per-device pending queue and a delivery watchdog.
// Exactly one instance schedules at a time, guarded by a Redis lease.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/netfiber/oltwatch/pollerd/coordination"
	"github.com/netfiber/oltwatch/pollerd/events"
	"github.com/netfiber/oltwatch/pollerd/middleware"
	"github.com/netfiber/oltwatch/pollerd/probe"
	"github.com/netfiber/oltwatch/pollerd/scheduler"
	"github.com/netfiber/oltwatch/pollerd/store"
)

// Exit codes. Operators alert on anything nonzero; 64 specifically means
// another instance took the scheduler lease.
const (
	exitOK        = 0
	exitConfig    = 1
	exitFatal     = 2
	exitLeaseLost = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err == nil {
		log.Printf("[main] loaded .env")
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Printf("[main] configuration error: %v", err)
		return exitConfig
	}

	clock := clockwork.NewRealClock()
	elog := events.NewLog(0)

	var (
		st    store.Store
		queue store.DeviceQueue
		locks store.Locker
	)
	if cfg.MemoryMode {
		log.Printf("[main] memory mode: single-process, nothing survives a restart")
		mem := store.NewMemoryStore()
		mem.SetQueueSoftLimit(cfg.Scheduler.QueueSoftLimit)
		st, queue, locks = mem, mem, mem
	} else {
		pg, err := connectPostgres(cfg.PostgresDSN)
		if err != nil {
			log.Printf("[main] postgres unavailable: %v", err)
			return exitFatal
		}
		defer pg.Close()

		rd, err := connectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("[main] redis unavailable: %v", err)
			return exitFatal
		}
		defer rd.Close()
		rd.SetQueueSoftLimit(cfg.Scheduler.QueueSoftLimit)

		st, queue, locks = pg, rd, rd
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Scheduling stops with schedCtx; workers run on workerCtx so in-flight
	// composites survive the scheduler stopping and drain properly.
	schedCtx, cancelSched := context.WithCancel(rootCtx)
	defer cancelSched()
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	pool := scheduler.NewPool(cfg.Scheduler, elog, clock)
	pool.Start(workerCtx)

	disp := scheduler.NewDispatcher(st, queue, locks, pool, elog, clock, cfg.Scheduler)
	defer disp.Close()

	cb := scheduler.NewCallback(st, queue, locks, elog, clock, cfg.Scheduler)
	cb.SetDispatcher(disp)

	executor := probe.NewRunnerClient(cfg.ProbeRunnerURL)
	pool.SetRunner(scheduler.NewWorker(st, executor, cb, elog, clock))

	sched := scheduler.New(st, disp, elog, clock, cfg.Scheduler)
	watchdog := scheduler.NewWatchdog(st, queue, disp, pool, elog, clock, cfg.Scheduler)

	exitCode := exitOK
	guard := coordination.NewSingletonGuard(locks, clock, func() {
		log.Printf("[main] scheduler lease lost, shutting down")
		exitCode = exitLeaseLost
		stop()
		cancelSched()
	})

	log.Printf("[main] waiting for scheduler lease")
	if err := guard.Acquire(rootCtx); err != nil {
		if rootCtx.Err() != nil {
			return exitOK
		}
		log.Printf("[main] acquire scheduler lease: %v", err)
		return exitFatal
	}
	go guard.Hold(schedCtx)

	go sched.Start(schedCtx)
	go watchdog.Start(schedCtx)

	api := NewAPI(st, queue, sched, pool, disp, elog, clock, cfg.ManualRunPerMin)
	go api.hub.Run(schedCtx)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: middleware.CORS(api.Routes()),
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Printf("[main] pollerd listening on %s", cfg.HTTPAddr)
		httpErr <- server.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
	case err := <-httpErr:
		log.Printf("[main] http server: %v", err)
		exitCode = exitFatal
		stop()
	}

	// Shutdown: stop scheduling, then give busy slots the drain window.
	// Whatever is still running after that gets its context cancelled and
	// finalizes INTERRUPTED, so the next elected instance reschedules it.
	log.Printf("[main] shutting down")
	elog.Append(events.Event{Type: events.Shutdown})
	cancelSched()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] http shutdown: %v", err)
	}

	if pool.Drain() {
		log.Printf("[main] pool drained cleanly")
	} else {
		log.Printf("[main] drain timeout after %s, interrupting remaining slots", cfg.Scheduler.DrainTimeout)
		cancelWorkers()
		// Brief grace so the interrupted runs can finalize.
		time.Sleep(2 * time.Second)
	}

	log.Printf("[main] bye (exit %d)", exitCode)
	return exitCode
}

// connectPostgres retries with exponential backoff; at boot the database is
// often a moment behind the service.
func connectPostgres(dsn string) (*store.PostgresStore, error) {
	var pg *store.PostgresStore
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		pg, err = store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Printf("[main] postgres connect: %v (retrying)", err)
			return err
		}
		return nil
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pg, nil
}

func connectRedis(addr, password string, db int) (*store.RedisStore, error) {
	var rd *store.RedisStore
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		var err error
		rd, err = store.NewRedisStore(addr, password, db)
		if err != nil {
			log.Printf("[main] redis connect: %v (retrying)", err)
			return err
		}
		return nil
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return rd, nil
}
