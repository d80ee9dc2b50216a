package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/netfiber/oltwatch/pollerd/store"
)

var (
	testDev  = &store.Device{ID: 1, Address: "10.0.0.1", CredentialRef: "cred-1", Vendor: "huawei"}
	testNode = &store.ProbeNode{ID: 10, DeviceID: 1, Kind: store.KindDiscovery}
)

func TestRunnerClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/probe/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req runnerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.DeviceID != 1 || req.Kind != store.KindDiscovery || req.CredentialRef != "cred-1" {
			t.Errorf("unexpected request payload: %+v", req)
		}
		json.NewEncoder(w).Encode(runnerResponse{
			Status:     store.StatusSuccess,
			Summary:    json.RawMessage(`{"onus":32}`),
			DurationMS: 1500,
		})
	}))
	defer srv.Close()

	res := NewRunnerClient(srv.URL).Execute(context.Background(), testDev, testNode)
	if res.Status != store.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", res.Status, res.Err)
	}
	if string(res.Summary) != `{"onus":32}` {
		t.Errorf("summary not passed through: %s", res.Summary)
	}
}

func TestRunnerClientHTTPErrorMapsToFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := NewRunnerClient(srv.URL).Execute(context.Background(), testDev, testNode)
	if res.Status != store.StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if res.Err == "" {
		t.Error("expected an error description")
	}
}

func TestRunnerClientUnreachableMapsToFailed(t *testing.T) {
	res := NewRunnerClient("http://127.0.0.1:1").Execute(context.Background(), testDev, testNode)
	if res.Status != store.StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
}

func TestRunnerClientUnknownStatusMapsToFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "WEIRD"})
	}))
	defer srv.Close()

	res := NewRunnerClient(srv.URL).Execute(context.Background(), testDev, testNode)
	if res.Status != store.StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
}

func TestRunnerClientCancelledContextMapsToInterrupted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewRunnerClient(srv.URL).Execute(ctx, testDev, testNode)
	if res.Status != store.StatusInterrupted {
		t.Fatalf("expected INTERRUPTED, got %s", res.Status)
	}
}
