package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"m3u8-edge-proxy/internal/config"
	"m3u8-edge-proxy/internal/metrics"
)

func testConfig(timeout, redirects int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeout,
			IdleConnections: 10,
			MaxRedirects:    redirects,
		},
	}
}

func TestUpstreamClient_DoStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") != "https://player.example.com/" {
			t.Errorf("Referer = %q, want forwarded value", r.Header.Get("Referer"))
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("#EXTM3U\n"))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(10, 10), logger, nil)

	header := http.Header{"Referer": {"https://player.example.com/"}}
	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/index.m3u8", header)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Target != srv.URL+"/index.m3u8" {
		t.Errorf("Target = %q, want %q", resp.Target, srv.URL+"/index.m3u8")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "#EXTM3U\n" {
		t.Errorf("body = %q, want %q", string(body), "#EXTM3U\n")
	}
}

func TestUpstreamClient_DoStream_Error(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(1, 10), logger, nil)

	_, err := c.DoStream(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", http.Header{})
	if err == nil {
		t.Fatal("DoStream() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_DoStream_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(0, 10), logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.DoStream(ctx, http.MethodGet, srv.URL+"/slow", http.Header{})
	if err == nil {
		t.Fatal("DoStream() expected error for canceled context, got nil")
	}
}

func TestUpstreamClient_FollowsRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old.m3u8" {
			http.Redirect(w, r, "/new.m3u8", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("moved"))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(10, 10), logger, nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/old.m3u8", http.Header{})
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestUpstreamClient_RedirectCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(10, 2), logger, nil)

	_, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/loop", http.Header{})
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("DoStream() error = %v, want ErrTooManyRedirects", err)
	}
}

func TestUpstreamClient_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(10, 10), logger, m)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/seg-1.ts", http.Header{})
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	_ = resp.Body.Close()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "m3u8_proxy_upstream_responses_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "status_code" && lp.GetValue() == "404" {
					return
				}
			}
		}
	}
	t.Error("expected m3u8_proxy_upstream_responses_total with status_code=404")
}
