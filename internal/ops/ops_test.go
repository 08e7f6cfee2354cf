package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/framevault/framevault/internal/metadata"
	"github.com/framevault/framevault/internal/metrics"
	"github.com/framevault/framevault/internal/storage"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

type failingBackend struct {
	*storage.MemoryBackend
}

func (f *failingBackend) HealthCheck(ctx context.Context) error {
	return errors.New("bucket unreachable")
}

func startTestServer(t *testing.T, store metadata.Store, backend storage.Backend) *Server {
	t.Helper()
	s := New("127.0.0.1:0", store, backend)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func TestHealthz(t *testing.T) {
	s := startTestServer(t, metadata.NewMemoryStore(),
		storage.NewMemoryBackend("raw_frames/ML-2020-01-02-03-04-05-0001"))

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if h.Status != "ok" || h.Metadata != "ok" || h.Storage != "ok" {
		t.Errorf("health = %+v, want all ok", h)
	}
}

func TestHealthzUnavailable(t *testing.T) {
	backend := &failingBackend{storage.NewMemoryBackend("raw_frames/x")}
	s := startTestServer(t, metadata.NewMemoryStore(), backend)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if h.Status != "unavailable" {
		t.Errorf("status = %q, want unavailable", h.Status)
	}
	if !strings.Contains(h.Storage, "unreachable") {
		t.Errorf("storage = %q, want the probe error", h.Storage)
	}
	if h.Metadata != "ok" {
		t.Errorf("metadata = %q, want ok", h.Metadata)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := startTestServer(t, nil, nil)

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), "framevault_frames_split_total") {
		t.Error("metrics output is missing framevault collectors")
	}
}

func TestDisabledListener(t *testing.T) {
	s := New("", nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start with empty address: %v", err)
	}
	if s.Addr() != "" {
		t.Errorf("Addr = %q, want empty", s.Addr())
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
