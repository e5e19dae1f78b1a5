// internal/fallback/client_test.go
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/user/finsight/internal/auth"
	"github.com/user/finsight/internal/types"
)

func testRequest(kind types.Kind) types.InsightRequest {
	return types.InsightRequest{Kind: kind, Year: 2026, Month: 8, Token: "tok", Question: "how much?"}
}

func TestCallReturnsSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Query().Get("token") != "tok" {
			t.Errorf("missing token, got query %s", r.URL.RawQuery)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("invalid body: %v", err)
		}
		if body["kind"] != "summary" {
			t.Errorf("expected kind summary, got %q", body["kind"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"summary":    "spend less",
			"model_used": "model-c",
		})
	}))
	defer srv.Close()

	res, err := New(srv.URL, time.Second).Call(context.Background(), testRequest(types.KindSummary))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "spend less" || res.ModelUsed != "model-c" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestCallReturnsAnswerForChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"answer":     "probably not",
			"model_used": "model-c",
		})
	}))
	defer srv.Close()

	res, err := New(srv.URL, time.Second).Call(context.Background(), testRequest(types.KindChat))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "probably not" {
		t.Errorf("expected answer text, got %q", res.Text)
	}
}

func TestCallUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Authentication failed"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Call(context.Background(), testRequest(types.KindSummary))
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCallServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Call(context.Background(), testRequest(types.KindSummary))
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		t.Error("server error must not look like an auth rejection")
	}
}

func TestCallErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "No transactions found for this month"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Call(context.Background(), testRequest(types.KindSummary))
	if err == nil {
		t.Fatal("expected an error for an error body")
	}
}

func TestCallEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"model_used": "model-c"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Call(context.Background(), testRequest(types.KindSummary))
	if err == nil {
		t.Fatal("expected an error for an empty result text")
	}
}

func TestCallHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client's abort; otherwise
		// the request context is never cancelled and srv.Close hangs.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, 10*time.Second).Call(ctx, testRequest(types.KindSummary))
	if err == nil {
		t.Fatal("expected a context error")
	}
}
