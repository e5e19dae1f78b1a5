// internal/mockserver/server.go
package mockserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/finsight/internal/types"
)

const mockSummary = "**Financial Health Assessment**\n\n" +
	"Your finances look solid with consistent income and reasonable spending patterns.\n\n" +
	"**Key Achievement**\nYou have maintained good savings habits this month.\n\n" +
	"**Area for Improvement**\nConsider reducing dining out expenses which are 15% higher than last month.\n\n" +
	"**Recommended Actions**\n- Set a budget for entertainment expenses\n- Review your subscriptions for unused services"

// Step is one scripted stream frame, emitted after its delay.
type Step struct {
	Delay time.Duration
	Event types.ProgressEvent
}

// DefaultScript walks a small model ladder: one rate-limited model, then a
// success. It mirrors the backend's behavior when no real models are
// configured.
func DefaultScript() []Step {
	return []Step{
		{Event: types.ProgressEvent{Type: types.EventTryingModel, Model: "mock/model-alpha"}},
		{Delay: 200 * time.Millisecond, Event: types.ProgressEvent{Type: types.EventModelFailed, Model: "mock/model-alpha", Reason: "rate_limited"}},
		{Delay: 50 * time.Millisecond, Event: types.ProgressEvent{Type: types.EventTryingModel, Model: "mock/model-beta"}},
		{Delay: 300 * time.Millisecond, Event: types.ProgressEvent{Type: types.EventSuccess, Model: "mock/model-beta", Summary: mockSummary}},
	}
}

// Server is a local stand-in for the insight backend. It speaks both the
// streaming and the fallback endpoint so the CLI and tests run without a
// real reasoning service behind them.
type Server struct {
	mux           *http.ServeMux
	script        []Step
	fallback      types.Result
	fallbackDelay time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithScript replaces the default stream script.
func WithScript(script []Step) Option {
	return func(s *Server) { s.script = script }
}

// WithFallback sets the canned fallback result.
func WithFallback(res types.Result) Option {
	return func(s *Server) { s.fallback = res }
}

// WithFallbackDelay delays the fallback response, useful for exercising
// supersede and cancellation paths.
func WithFallbackDelay(d time.Duration) Option {
	return func(s *Server) { s.fallbackDelay = d }
}

// NewServer creates a mock backend with the default script unless overridden.
func NewServer(opts ...Option) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		script:   DefaultScript(),
		fallback: types.Result{Text: mockSummary, ModelUsed: "mock/fallback-model"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ai/progress", s.handleProgress)
	s.mux.HandleFunc("POST /ai/summary", s.handleSummary)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		http.Error(w, `{"error":"Authentication failed"}`, http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	year, _ := strconv.Atoi(r.URL.Query().Get("year"))
	month, _ := strconv.Atoi(r.URL.Query().Get("month"))
	if year == 0 || month == 0 {
		writeFrame(w, flusher, types.ProgressEvent{
			Type:    types.EventError,
			Message: "No transactions found for this month",
		})
		return
	}

	kind := types.Kind(r.URL.Query().Get("kind"))
	for _, step := range s.script {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-r.Context().Done():
				return
			}
		}
		writeFrame(w, flusher, adjustForKind(step.Event, kind))
		if step.Event.Type.Terminal() {
			return
		}
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		http.Error(w, `{"error":"Authentication failed"}`, http.StatusUnauthorized)
		return
	}

	var body struct {
		Kind     types.Kind `json:"kind"`
		Question string     `json:"question,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	if s.fallbackDelay > 0 {
		select {
		case <-time.After(s.fallbackDelay):
		case <-r.Context().Done():
			return
		}
	}

	resp := map[string]string{"model_used": s.fallback.ModelUsed}
	if body.Kind == types.KindChat {
		resp["answer"] = s.fallback.Text
	} else {
		resp["summary"] = s.fallback.Text
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// adjustForKind moves success text into the field the given kind uses on
// the wire: "answer" for chat, "summary" for everything else.
func adjustForKind(ev types.ProgressEvent, kind types.Kind) types.ProgressEvent {
	if ev.Type != types.EventSuccess {
		return ev
	}
	text := ev.Text()
	ev.Summary, ev.Answer = "", ""
	if kind == types.KindChat {
		ev.Answer = text
	} else {
		ev.Summary = text
	}
	return ev
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, ev types.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal mock frame", "error", err)
		return
	}
	if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
		return
	}
	flusher.Flush()
}
