package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/netfiber/oltwatch/pollerd/events"
	"github.com/netfiber/oltwatch/pollerd/probe"
	"github.com/netfiber/oltwatch/pollerd/scheduler"
	"github.com/netfiber/oltwatch/pollerd/store"
)

type apiFixture struct {
	api *API
	mem *store.MemoryStore
	srv *httptest.Server
}

func newAPIFixture(t *testing.T, manualPerMin int) *apiFixture {
	t.Helper()
	mem := store.NewMemoryStore()
	elog := events.NewLog(0)
	clock := clockwork.NewRealClock()
	cfg := scheduler.Config{}.Normalize()

	pool := scheduler.NewPool(cfg, elog, clock)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	disp := scheduler.NewDispatcher(mem, mem, mem, pool, elog, clock, cfg)
	cb := scheduler.NewCallback(mem, mem, mem, elog, clock, cfg)
	cb.SetDispatcher(disp)
	exec := probe.Func(func(ctx context.Context, dev *store.Device, node *store.ProbeNode) probe.Result {
		return probe.Result{Status: store.StatusSuccess}
	})
	pool.SetRunner(scheduler.NewWorker(mem, exec, cb, elog, clock))

	sched := scheduler.New(mem, disp, elog, clock, cfg)
	api := NewAPI(mem, mem, sched, pool, disp, elog, clock, manualPerMin)
	srv := httptest.NewServer(api.Routes())

	t.Cleanup(func() {
		srv.Close()
		cancel()
		disp.Close()
	})
	return &apiFixture{api: api, mem: mem, srv: srv}
}

func (f *apiFixture) seedMaster(t *testing.T, deviceID, nodeID int64) {
	t.Helper()
	f.mem.AddDevice(&store.Device{ID: deviceID, Enabled: true})
	due := time.Now().Add(-time.Minute)
	f.mem.AddNode(&store.ProbeNode{
		ID: nodeID, DeviceID: deviceID, Kind: store.KindDiscovery,
		IntervalSec: 300, Enabled: true, NextRunAt: &due,
	})
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t, 30)
	var body map[string]string
	if code := getJSON(t, f.srv.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestManualRunDispatches(t *testing.T) {
	f := newAPIFixture(t, 30)
	f.seedMaster(t, 1, 10)

	resp, err := http.Post(f.srv.URL+"/pollers/nodes/10/run", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var body struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Outcome != string(scheduler.OutcomeDispatched) {
		t.Errorf("expected DISPATCHED, got %s", body.Outcome)
	}
}

func TestManualRunUnknownNode(t *testing.T) {
	f := newAPIFixture(t, 30)
	resp, err := http.Post(f.srv.URL+"/pollers/nodes/999/run", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestManualRunRejectsFollower(t *testing.T) {
	f := newAPIFixture(t, 30)
	f.seedMaster(t, 1, 10)
	masterID := int64(10)
	f.mem.AddNode(&store.ProbeNode{
		ID: 11, DeviceID: 1, Kind: store.KindGet, IntervalSec: 300,
		Enabled: true, ChainMasterID: &masterID,
	})

	resp, err := http.Post(f.srv.URL+"/pollers/nodes/11/run", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
}

func TestManualRunRateLimited(t *testing.T) {
	f := newAPIFixture(t, 1) // burst of one
	f.seedMaster(t, 1, 10)

	first, err := http.Post(f.srv.URL+"/pollers/nodes/10/run", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	first.Body.Close()

	second, err := http.Post(f.srv.URL+"/pollers/nodes/10/run", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}
}

func TestQueueEndpoint(t *testing.T) {
	f := newAPIFixture(t, 30)
	f.mem.Offer(context.Background(), &store.QueueEntry{DeviceID: 1, MasterID: 10, Priority: 1, EnqueuedAt: time.Now()})
	f.mem.Offer(context.Background(), &store.QueueEntry{DeviceID: 1, MasterID: 11, Priority: 5, EnqueuedAt: time.Now()})

	var body struct {
		Total     int                         `json:"total"`
		PerDevice map[string]int              `json:"per_device"`
		Heads     map[string]store.QueueEntry `json:"heads"`
	}
	if code := getJSON(t, f.srv.URL+"/pollers/queue", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Total != 2 {
		t.Errorf("expected total 2, got %d", body.Total)
	}

	// The peek is the next entry a drain would pop: the high-priority one.
	head, ok := body.Heads["1"]
	if !ok {
		t.Fatalf("missing queue head for device 1: %+v", body.Heads)
	}
	if head.MasterID != 11 {
		t.Errorf("expected master 11 at the top of the queue, got %d", head.MasterID)
	}
}

func TestEventsEndpointFilters(t *testing.T) {
	f := newAPIFixture(t, 30)
	f.api.elog.Append(events.Event{Type: events.TaskStarted, DeviceID: 1, MasterID: 10})
	f.api.elog.Append(events.Event{Type: events.TaskStarted, DeviceID: 2, MasterID: 20})

	var body struct {
		Events []events.Event `json:"events"`
	}
	if code := getJSON(t, f.srv.URL+"/pollers/events?device_id=1", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Events) != 1 || body.Events[0].DeviceID != 1 {
		t.Errorf("unexpected filtered events: %+v", body.Events)
	}

	if code := getJSON(t, f.srv.URL+"/pollers/events?device_id=abc", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad device_id, got %d", code)
	}
}

func TestHubUnregisterAfterShutdown(t *testing.T) {
	f := newAPIFixture(t, 30)
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		f.api.hub.Run(ctx)
		close(hubDone)
	}()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/pollers/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for f.api.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.api.hub.ClientCount() != 1 {
		t.Fatal("stream client never registered")
	}

	cancel()
	select {
	case <-hubDone:
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop")
	}

	// The read pump unregisters when its connection errors out; that must
	// not block once the hub has stopped serving the channels.
	returned := make(chan struct{})
	go func() {
		f.api.hub.Unregister(conn)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("unregister blocked after hub shutdown")
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t, 30)
	var body struct {
		Pool   scheduler.PoolStats `json:"pool"`
		Queued int                 `json:"queued"`
	}
	if code := getJSON(t, f.srv.URL+"/pollers/stats", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Pool.Total != scheduler.DefaultPoolSize {
		t.Errorf("expected pool size %d, got %d", scheduler.DefaultPoolSize, body.Pool.Total)
	}
}
