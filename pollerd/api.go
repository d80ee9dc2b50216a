package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/netfiber/oltwatch/pollerd/events"
	"github.com/netfiber/oltwatch/pollerd/observability"
	"github.com/netfiber/oltwatch/pollerd/scheduler"
	"github.com/netfiber/oltwatch/pollerd/store"
)

// API is the read-mostly control surface of the poller core. The only write
// path is the manual run trigger, and even that goes through the regular
// dispatcher admission.
type API struct {
	store store.Store
	queue store.DeviceQueue
	sched *scheduler.Scheduler
	pool  *scheduler.Pool
	disp  *scheduler.Dispatcher
	elog  *events.Log
	clock clockwork.Clock
	hub   *Hub

	runLimiter *rate.Limiter
	upgrader   websocket.Upgrader
}

func NewAPI(st store.Store, q store.DeviceQueue, sched *scheduler.Scheduler, pool *scheduler.Pool, disp *scheduler.Dispatcher, elog *events.Log, clock clockwork.Clock, manualPerMin int) *API {
	if manualPerMin <= 0 {
		manualPerMin = 30
	}
	a := &API{
		store:      st,
		queue:      q,
		sched:      sched,
		pool:       pool,
		disp:       disp,
		elog:       elog,
		clock:      clock,
		runLimiter: rate.NewLimiter(rate.Limit(float64(manualPerMin)/60.0), manualPerMin),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	a.hub = NewHub(a)
	return a
}

// Routes builds the HTTP mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /pollers", a.handlePollers)
	mux.HandleFunc("GET /pollers/queue", a.handleQueue)
	mux.HandleFunc("GET /pollers/stats", a.handleStats)
	mux.HandleFunc("GET /pollers/events", a.handleEvents)
	mux.HandleFunc("GET /pollers/stream", a.handleStream)
	mux.HandleFunc("POST /pollers/nodes/{id}/run", a.handleManualRun)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	if !a.sched.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": "scheduler cannot reach persistence"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handlePollers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"slots": a.pool.Snapshot()})
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	total, perDevice, err := a.queue.TotalSize(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}

	// Top of each device's queue: the entry the next drain will pop.
	heads := make(map[int64]*store.QueueEntry, len(perDevice))
	for deviceID := range perDevice {
		head, err := a.queue.Peek(r.Context(), deviceID)
		if err != nil {
			log.Printf("[api] peek queue of device %d: %v", deviceID, err)
			continue
		}
		if head != nil {
			heads[deviceID] = head
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":      total,
		"per_device": perDevice,
		"heads":      heads,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	total, _, err := a.queue.TotalSize(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, a.statsPayload(total))
}

// statsPayload is shared between the stats endpoint and the stream hub.
func (a *API) statsPayload(queued int) map[string]any {
	return map[string]any{
		"pool":   a.pool.Stats(queued),
		"slots":  a.pool.Snapshot(),
		"queued": queued,
		"time":   a.clock.Now().UTC(),
	}
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var evs []events.Event
	switch {
	case r.URL.Query().Get("device_id") != "":
		id, err := strconv.ParseInt(r.URL.Query().Get("device_id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid device_id")
			return
		}
		evs = a.elog.ByDevice(id, limit)
	case r.URL.Query().Get("master_id") != "":
		id, err := strconv.ParseInt(r.URL.Query().Get("master_id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid master_id")
			return
		}
		evs = a.elog.ByMaster(id, limit)
	default:
		evs = a.elog.Recent(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleManualRun triggers one master immediately. The composite still goes
// through the dispatcher, so every guard applies; a manual trigger can come
// back TOO_SOON or DUPLICATE_SUPPRESSED like any other submission.
func (a *API) handleManualRun(w http.ResponseWriter, r *http.Request) {
	if !a.runLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("manual_run").Inc()
		// Jittered so a burst of dashboards does not retry in lockstep.
		w.Header().Set("Retry-After", strconv.Itoa(2+rand.Intn(4)))
		writeError(w, http.StatusTooManyRequests, "manual run rate limit reached")
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}

	node, err := a.store.GetNode(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "node lookup failed")
		return
	}
	if node == nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	if !node.IsMaster() {
		writeError(w, http.StatusUnprocessableEntity, "node is a follower; trigger its master")
		return
	}
	if !node.Enabled {
		writeError(w, http.StatusUnprocessableEntity, "node is disabled")
		return
	}

	c, err := scheduler.BuildComposite(r.Context(), a.store, node, a.clock.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "build composite failed")
		return
	}

	outcome := a.disp.Submit(r.Context(), c)
	status := http.StatusAccepted
	if outcome == scheduler.OutcomeError {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{
		"node_id": node.ID,
		"outcome": outcome,
	})
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade: %v", err)
		return
	}
	a.hub.Register(conn)

	// Read pump: discard inbound frames, unregister on error.
	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
