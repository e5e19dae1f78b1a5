// test/integration_test.go
package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/finsight/internal/auth"
	"github.com/user/finsight/internal/fallback"
	"github.com/user/finsight/internal/mockserver"
	"github.com/user/finsight/internal/registry"
	"github.com/user/finsight/internal/session"
	"github.com/user/finsight/internal/stream"
	"github.com/user/finsight/internal/types"
)

func newRegistry(baseURL string, cfg session.Config) *registry.Registry {
	cfg.Opener = stream.New(baseURL)
	cfg.Fallback = fallback.New(baseURL, 10*time.Second)
	return registry.New(cfg, auth.StaticToken("test-token"), 4)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("activation never finished")
	}
}

func TestStreamingSuccessEndToEnd(t *testing.T) {
	srv := httptest.NewServer(mockserver.NewServer())
	defer srv.Close()

	reg := newRegistry(srv.URL, session.Config{StreamTimeout: 5 * time.Second})
	defer reg.Shutdown()

	done, err := reg.Start(context.Background(), "summary", types.InsightRequest{
		Kind: types.KindSummary, Year: 2026, Month: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	snap := reg.Get("summary").Snapshot()
	if snap.State != types.StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%q)", snap.State, snap.ErrMessage)
	}
	if snap.Result == nil || snap.Result.ModelUsed != "mock/model-beta" {
		t.Fatalf("unexpected result: %+v", snap.Result)
	}
	if len(snap.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %+v", snap.Attempts)
	}
	if snap.Attempts[0].Model != "mock/model-alpha" || snap.Attempts[0].Outcome != types.AttemptFailed {
		t.Errorf("unexpected first attempt: %+v", snap.Attempts[0])
	}
	if snap.Attempts[1].Model != "mock/model-beta" || snap.Attempts[1].Outcome != types.AttemptSucceeded {
		t.Errorf("unexpected second attempt: %+v", snap.Attempts[1])
	}
}

func TestStalledStreamFallsBack(t *testing.T) {
	// The first frame arrives long after the session stops waiting.
	srv := httptest.NewServer(mockserver.NewServer(
		mockserver.WithScript([]mockserver.Step{
			{Delay: 30 * time.Second, Event: types.ProgressEvent{Type: types.EventSuccess, Model: "slow", Summary: "too late"}},
		}),
		mockserver.WithFallback(types.Result{Text: "fast answer", ModelUsed: "mock/fallback-model"}),
	))
	defer srv.Close()

	reg := newRegistry(srv.URL, session.Config{StreamTimeout: 100 * time.Millisecond})
	defer reg.Shutdown()

	done, err := reg.Start(context.Background(), "summary", types.InsightRequest{
		Kind: types.KindSummary, Year: 2026, Month: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	snap := reg.Get("summary").Snapshot()
	if snap.State != types.StateSucceeded {
		t.Fatalf("expected fallback success, got %s (%q)", snap.State, snap.ErrMessage)
	}
	if snap.Result.ModelUsed != "mock/fallback-model" || snap.Result.Text != "fast answer" {
		t.Errorf("expected the fallback result, got %+v", snap.Result)
	}
	if len(snap.Attempts) != 0 {
		t.Errorf("no frames arrived, so no attempts should be recorded: %+v", snap.Attempts)
	}
}

// A backend that accepts the request but never sends response headers must
// not defeat the timeout: fallback fires at ~T even though the dial is
// still pending.
func TestStalledBackendFallsBackAtTimeout(t *testing.T) {
	mock := mockserver.NewServer(mockserver.WithFallback(types.Result{Text: "fast answer", ModelUsed: "mock/fallback-model"}))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ai/progress", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(30 * time.Second):
		case <-r.Context().Done():
		}
	})
	mux.Handle("POST /ai/summary", mock)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := newRegistry(srv.URL, session.Config{StreamTimeout: 100 * time.Millisecond})
	defer reg.Shutdown()

	start := time.Now()
	done, err := reg.Start(context.Background(), "summary", types.InsightRequest{
		Kind: types.KindSummary, Year: 2026, Month: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("fallback should fire at the stream timeout, took %v", elapsed)
	}
	snap := reg.Get("summary").Snapshot()
	if snap.State != types.StateSucceeded {
		t.Fatalf("expected fallback success, got %s (%q)", snap.State, snap.ErrMessage)
	}
	if snap.Result.ModelUsed != "mock/fallback-model" {
		t.Errorf("expected the fallback result, got %+v", snap.Result)
	}
}

func TestConcurrentSessionsStayIsolated(t *testing.T) {
	srv := httptest.NewServer(mockserver.NewServer())
	defer srv.Close()

	reg := newRegistry(srv.URL, session.Config{StreamTimeout: 5 * time.Second})
	defer reg.Shutdown()

	doneSummary, err := reg.Start(context.Background(), "summary", types.InsightRequest{
		Kind: types.KindSummary, Year: 2026, Month: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	doneChat, err := reg.Start(context.Background(), "chat:floating", types.InsightRequest{
		Kind: types.KindChat, Year: 2026, Month: 7, Question: "where did my money go?",
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, doneSummary)
	waitDone(t, doneChat)

	snapSummary := reg.Get("summary").Snapshot()
	snapChat := reg.Get("chat:floating").Snapshot()
	if snapSummary.State != types.StateSucceeded || snapChat.State != types.StateSucceeded {
		t.Fatalf("expected both succeeded, got %s / %s", snapSummary.State, snapChat.State)
	}
	if snapSummary.Key == snapChat.Key {
		t.Error("sessions must be keyed independently")
	}
	if snapSummary.Activation == snapChat.Activation {
		t.Error("sessions must not share an activation")
	}
}

func TestErrorFrameYieldsComposedFailure(t *testing.T) {
	srv := httptest.NewServer(mockserver.NewServer())
	defer srv.Close()

	reg := newRegistry(srv.URL, session.Config{StreamTimeout: 5 * time.Second})
	defer reg.Shutdown()

	// A zero period makes the backend answer with a terminal error frame.
	done, err := reg.Start(context.Background(), "summary", types.InsightRequest{Kind: types.KindSummary})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	snap := reg.Get("summary").Snapshot()
	if snap.State != types.StateFailed {
		t.Fatalf("expected failed, got %s", snap.State)
	}
	for _, part := range []string{"All Models Busy", "No transactions found", "try again"} {
		if !strings.Contains(snap.ErrMessage, part) {
			t.Errorf("failure message missing %q: %q", part, snap.ErrMessage)
		}
	}
}

// emptyToken hands the backend a blank token, which it rejects with 401.
type emptyToken struct{}

func (emptyToken) Token() (string, error) { return "", nil }

func TestUnauthorizedEscalatesEndToEnd(t *testing.T) {
	srv := httptest.NewServer(mockserver.NewServer())
	defer srv.Close()

	var escalations atomic.Int32
	cfg := session.Config{
		StreamTimeout:  5 * time.Second,
		OnUnauthorized: func() { escalations.Add(1) },
	}
	cfg.Opener = stream.New(srv.URL)
	cfg.Fallback = fallback.New(srv.URL, 10*time.Second)
	reg := registry.New(cfg, emptyToken{}, 4)
	defer reg.Shutdown()

	done, err := reg.Start(context.Background(), "summary", types.InsightRequest{
		Kind: types.KindSummary, Year: 2026, Month: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	snap := reg.Get("summary").Snapshot()
	if snap.State != types.StateFailed {
		t.Fatalf("expected failed, got %s", snap.State)
	}
	if !strings.Contains(snap.ErrMessage, "sign in") {
		t.Errorf("expected a sign-in prompt, got %q", snap.ErrMessage)
	}
	if n := escalations.Load(); n != 1 {
		t.Errorf("expected 1 escalation, got %d", n)
	}
}
