package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	logx "beacon/pkg/logx"
)

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	return resp
}

func TestServesSnapshotsBehindToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, Sources{
		Lane: func() any { return map[string]int{"queue_len": 2} },
	}, logx.Nop())
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()
	if s.Addr() == "" {
		t.Fatalf("listener did not start")
	}
	base := "http://" + s.Addr()

	resp := get(t, base+"/lane", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d", resp.StatusCode)
	}

	resp = get(t, base+"/lane", "s3cret")
	var lane map[string]int
	_ = json.NewDecoder(resp.Body).Decode(&lane)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || lane["queue_len"] != 2 {
		t.Fatalf("lane = %d %v", resp.StatusCode, lane)
	}

	resp = get(t, base+"/debug/pprof/", "s3cret")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof index = %d", resp.StatusCode)
	}

	resp = get(t, base+"/health", "s3cret")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("health without source = %d", resp.StatusCode)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if s.Addr() != "" {
		t.Fatalf("listener started on %s", s.Addr())
	}
}

func TestReconfigureStopsWhenDisabled(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	if s.Addr() == "" {
		t.Fatalf("listener did not start")
	}
	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Enabled() || s.Addr() != "" {
		t.Fatalf("listener still running")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"10.0.0.5:6060":  false,
		"bogus":          false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
