package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestArbiter(t *testing.T, council Referrer) *Arbiter {
	t.Helper()
	return New(DefaultRules(), nil, nil, council, testLogger(t), nil)
}

func TestCleanActionAllowed(t *testing.T) {
	a := newTestArbiter(t, nil)
	r := a.EvaluateAction("read_file", map[string]any{
		"bind_address": "127.0.0.1:8080",
		"trust_level":  "standard",
	})
	if !r.Allowed {
		t.Fatalf("clean action denied: %v", r.Violations)
	}
	if r.RulingID == "" {
		t.Fatal("ruling id not set")
	}
}

func TestAllViolationsCollected(t *testing.T) {
	// Every failed rule must appear: no short-circuit on first violation.
	a := newTestArbiter(t, nil)
	r := a.EvaluateAction("deploy", map[string]any{
		"bind_address": "0.0.0.0:8080",
		"destructive":  true,
		"sensitive":    true,
		"trust_level":  "untrusted",
	})
	if r.Allowed {
		t.Fatal("action allowed despite three violations")
	}
	if len(r.Violations) != 3 {
		t.Fatalf("violations = %d, want 3: %v", len(r.Violations), r.Violations)
	}
}

func TestLoopbackBinding(t *testing.T) {
	cases := []struct {
		bind string
		ok   bool
	}{
		{"127.0.0.1:8080", true},
		{"localhost:8080", true},
		{"::1", true},
		{"0.0.0.0:8080", false},
		{"192.168.1.5:443", false},
		{"example.com:80", false},
		{"", true}, // no binding in context
	}
	for _, tc := range cases {
		ok, _ := checkLoopbackBinding("", map[string]any{"bind_address": tc.bind})
		if ok != tc.ok {
			t.Errorf("bind %q: ok = %v, want %v", tc.bind, ok, tc.ok)
		}
	}
}

func TestExternalContentNeverExecutable(t *testing.T) {
	a := newTestArbiter(t, nil)
	r := a.EvaluateAction("run_snippet", map[string]any{
		"content_source": "external",
		"executable":     true,
	})
	if r.Allowed {
		t.Fatal("external executable content allowed")
	}

	r = a.EvaluateAction("store_snippet", map[string]any{
		"content_source": "external",
		"executable":     false,
	})
	if !r.Allowed {
		t.Fatalf("non-executable external content denied: %v", r.Violations)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	a := newTestArbiter(t, nil)
	for _, op := range []string{"delete", "modify", "update", "truncate"} {
		r := a.EvaluateAction("audit_maintenance", map[string]any{
			"target":    "audit",
			"operation": op,
		})
		if r.Allowed {
			t.Errorf("audit %s allowed", op)
		}
	}
	r := a.EvaluateAction("audit_maintenance", map[string]any{
		"target":    "audit",
		"operation": "append",
	})
	if !r.Allowed {
		t.Fatalf("audit append denied: %v", r.Violations)
	}
}

func TestDestructiveDefaultDeny(t *testing.T) {
	a := newTestArbiter(t, nil)

	// Missing approval key behaves exactly like approval refused.
	r := a.EvaluateAction("wipe_cache", map[string]any{"destructive": true})
	if r.Allowed {
		t.Fatal("unapproved destructive action allowed")
	}

	r = a.EvaluateAction("wipe_cache", map[string]any{"destructive": true, "approved": true})
	if !r.Allowed {
		t.Fatalf("approved destructive action denied: %v", r.Violations)
	}
}

func TestSensitiveTrustFloor(t *testing.T) {
	cases := []struct {
		level string
		ok    bool
	}{
		{"hostile", false},
		{"untrusted", false},
		{"standard", false},
		{"verified", true},
		{"operator", true},
		{"system", true},
		{"", false}, // unknown levels get no benefit of the doubt
	}
	for _, tc := range cases {
		ok, _ := checkSensitiveTrust("", map[string]any{"sensitive": true, "trust_level": tc.level})
		if ok != tc.ok {
			t.Errorf("trust %q: ok = %v, want %v", tc.level, ok, tc.ok)
		}
	}
}

type fakeCouncil struct {
	voteID string
	err    error
	topic  string
}

func (f *fakeCouncil) ReferDispute(_ context.Context, topic, _ string, _ []string) (string, error) {
	f.topic = topic
	return f.voteID, f.err
}

func TestDisputeWithViolationDeniedOutright(t *testing.T) {
	council := &fakeCouncil{voteID: "v1"}
	a := newTestArbiter(t, council)

	res, err := a.HandleDispute(context.Background(), []string{"alpha", "beta"}, "shared lease", map[string]any{
		"destructive": true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Ruling.Allowed {
		t.Fatal("violating dispute not denied")
	}
	if res.Referred {
		t.Fatal("violating dispute referred to council")
	}
	if council.topic != "" {
		t.Fatal("council consulted despite constitutional violation")
	}
}

func TestCleanDisputeReferredToCouncil(t *testing.T) {
	council := &fakeCouncil{voteID: "vote-42"}
	a := newTestArbiter(t, council)

	res, err := a.HandleDispute(context.Background(), []string{"alpha", "beta"}, "shared lease", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Referred || res.VoteID != "vote-42" {
		t.Fatalf("dispute not referred: %+v", res)
	}
	if !strings.HasPrefix(council.topic, "dispute:") {
		t.Fatalf("unexpected vote topic %q", council.topic)
	}
}

func TestDisputeReferralErrorPropagates(t *testing.T) {
	wantErr := errors.New("store down")
	a := newTestArbiter(t, &fakeCouncil{err: wantErr})

	_, err := a.HandleDispute(context.Background(), []string{"alpha"}, "x", map[string]any{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}
