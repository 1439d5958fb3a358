package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestHandleJobsListWarnsOnMissingHash(t *testing.T) {
	manager := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blueprints/7/jobs" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jobs":                  []map[string]any{{"index": 0, "name": "square"}},
			"missing_hash_sources": 1,
		})
	}))
	defer manager.Close()

	stderrR, stderrW, _ := os.Pipe()
	origStderr := os.Stderr
	os.Stderr = stderrW
	defer func() { os.Stderr = origStderr }()

	err := run(context.Background(), []string{"--addr", manager.URL, "jobs", "list", "--blueprint-id", "7"})
	stderrW.Close()
	os.Stderr = origStderr
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var buf bytes.Buffer
	buf.ReadFrom(stderrR)
	if !strings.Contains(buf.String(), "warning") {
		t.Fatalf("expected stderr warning about missing hash sources, got %q", buf.String())
	}
}

func TestHandleJobsShowQueriesAggregator(t *testing.T) {
	aggregator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks/3/300" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"call_id": 300, "service_id": 3, "completed": true})
	}))
	defer aggregator.Close()

	err := run(context.Background(), []string{"--aggregator-addr", aggregator.URL, "jobs", "show", "--service-id", "3", "--call-id", "300", "--json"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandleJobsSubmitWithWatch(t *testing.T) {
	var gotCallID uint64 = 42
	manager := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/3/jobs" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if _, ok := req["job"].(float64); !ok {
			t.Fatalf("expected job to be a JSON number, got %T", req["job"])
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"call_id": gotCallID})
	}))
	defer manager.Close()

	aggregator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != fmt.Sprintf("/v1/tasks/3/%d", gotCallID) {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"completed": true})
	}))
	defer aggregator.Close()

	err := run(context.Background(), []string{
		"--addr", manager.URL,
		"--aggregator-addr", aggregator.URL,
		"jobs", "submit",
		"--service-id", "3",
		"--job", "0",
		"--payload-hex", "deadbeef",
		"--watch",
		"--timeout-secs", "5",
		"--json",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandleJobsSubmitRequiresPayload(t *testing.T) {
	err := run(context.Background(), []string{"jobs", "submit", "--service-id", "1", "--job", "0"})
	if err == nil {
		t.Fatalf("expected error for missing --payload-hex")
	}
}
