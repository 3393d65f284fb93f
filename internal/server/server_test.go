package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/conclave-sec/conclave/internal/config"
	"github.com/conclave-sec/conclave/internal/core"
	"github.com/conclave-sec/conclave/internal/council"
	"github.com/conclave-sec/conclave/internal/trust"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func startTestServer(t *testing.T) (*Server, *core.Core) {
	t.Helper()
	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(t.TempDir(), "conclave.db")
	cfg.Tools = []config.Tool{
		{ID: "read_file", Tier: "READ_ONLY", RequiredTrust: "standard"},
	}
	cfg.Council.Voters = map[string]council.Voter{"alpha": {Weight: 1}, "beta": {Weight: 1}}

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	c, err := core.New(context.Background(), cfg, logger, nil)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	srv := New(c, logger)
	if err := srv.Listen("127.0.0.1", 0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if err := <-errCh; err != nil {
			t.Errorf("server error: %v", err)
		}
	})
	return srv, c
}

func get(t *testing.T, srv *Server, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", srv.Addr(), path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, body
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := startTestServer(t)
	status, body := get(t, srv, "/health")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestAuditEndpoints(t *testing.T) {
	srv, c := startTestServer(t)

	if _, err := c.Audit.Append("test_action", "tester", "system", map[string]any{"k": "v"}); err != nil {
		t.Fatal(err)
	}

	status, body := get(t, srv, "/api/audit?limit=10")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var page struct {
		Total  int64            `json:"total"`
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	if page.Total < 1 || len(page.Events) < 1 {
		t.Fatalf("page = %+v", page)
	}

	status, body = get(t, srv, "/api/audit/verify")
	if status != http.StatusOK {
		t.Fatalf("verify status = %d", status)
	}
	var verify struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(body, &verify); err != nil {
		t.Fatal(err)
	}
	if !verify.Valid {
		t.Fatal("fresh chain reported invalid")
	}
}

func TestVoteEndpoints(t *testing.T) {
	srv, c := startTestServer(t)

	v, err := c.Council.CreateVote(context.Background(), "test proposal", "",
		council.SimpleMajority, time.Now().Add(time.Hour), "alpha", nil)
	if err != nil {
		t.Fatal(err)
	}

	status, body := get(t, srv, "/api/votes")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var list struct {
		Votes []council.Vote `json:"votes"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Votes) != 1 || list.Votes[0].ID != v.ID {
		t.Fatalf("votes = %+v", list.Votes)
	}

	status, body = get(t, srv, "/api/votes/"+v.ID)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var got council.Vote
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Topic != "test proposal" {
		t.Fatalf("vote = %+v", got)
	}

	status, _ = get(t, srv, "/api/votes/nonexistent")
	if status != http.StatusNotFound {
		t.Fatalf("unknown vote status = %d, want 404", status)
	}
}

func TestRulesAndGatesEndpoints(t *testing.T) {
	srv, _ := startTestServer(t)

	status, body := get(t, srv, "/api/rules")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var rules struct {
		Rules []struct{ Name string } `json:"rules"`
	}
	if err := json.Unmarshal(body, &rules); err != nil {
		t.Fatal(err)
	}
	if len(rules.Rules) != 5 {
		t.Fatalf("rules = %d, want 5", len(rules.Rules))
	}

	status, body = get(t, srv, "/api/gates")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var gates struct {
		Gates []string `json:"gates"`
	}
	if err := json.Unmarshal(body, &gates); err != nil {
		t.Fatal(err)
	}
	if len(gates.Gates) != 5 {
		t.Fatalf("gates = %v", gates.Gates)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, c := startTestServer(t)

	// Generate some metric activity first.
	if _, err := c.HandleMessage(context.Background(), core.Message{
		ID: "m1", Content: "hello", SourceTrust: trust.Standard,
	}); err != nil {
		t.Fatal(err)
	}

	status, body := get(t, srv, "/metrics")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(body) == 0 {
		t.Fatal("empty metrics exposition")
	}
}

func TestSecurityEventsEndpoint(t *testing.T) {
	srv, _ := startTestServer(t)
	status, body := get(t, srv, "/api/audit/security")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var payload struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
}
