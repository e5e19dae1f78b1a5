// internal/stream/transport.go
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/user/finsight/internal/auth"
	"github.com/user/finsight/internal/types"
)

// ErrConnectionFailed marks a stream that failed before delivering a single
// frame. The session treats it differently from a mid-stream error: it
// bypasses the remaining stream timeout and goes straight to fallback.
var ErrConnectionFailed = errors.New("connection failed before first frame")

const progressPath = "/ai/progress"

// Transport opens streaming connections to the insight progress endpoint.
// Each Open call owns exactly one connection; the returned Stream closes
// itself when a terminal frame arrives.
type Transport struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Transport for the given backend base URL.
func New(baseURL string) *Transport {
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No client timeout: the stream stays open for as long as the
		// backend walks its model ladder. The session's own timer decides
		// when to give up waiting.
		httpClient: &http.Client{},
	}
}

// Open starts one streaming connection for the request. Errors returned here,
// and stream errors raised before any frame is received, wrap
// ErrConnectionFailed. A 401 wraps auth.ErrUnauthorized instead.
func (t *Transport) Open(ctx context.Context, req types.InsightRequest) (types.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+progressPath, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.URL.RawQuery = queryParams(req).Encode()
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: stream endpoint returned %d", auth.ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: status %d: %s", ErrConnectionFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s := &sseStream{
		events: make(chan types.ProgressEvent),
		closed: make(chan struct{}),
		body:   resp.Body,
		cancel: cancel,
	}
	go s.read()
	return s, nil
}

func queryParams(req types.InsightRequest) url.Values {
	q := url.Values{}
	q.Set("kind", string(req.Kind))
	q.Set("year", strconv.Itoa(req.Year))
	q.Set("month", strconv.Itoa(req.Month))
	q.Set("token", req.Token)
	if req.Question != "" {
		q.Set("question", req.Question)
	}
	return q
}

// sseStream reads Server-Sent Events frames from one response body.
type sseStream struct {
	events chan types.ProgressEvent
	closed chan struct{}
	body   io.ReadCloser
	cancel context.CancelFunc

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *sseStream) Events() <-chan types.ProgressEvent { return s.events }

// Err reports how the stream ended: nil after a clean terminal close,
// ErrConnectionFailed if it died before the first frame, or the underlying
// read error otherwise. Valid once Events is closed.
func (s *sseStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the connection down. Idempotent; safe after the stream has
// already closed itself.
func (s *sseStream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.body.Close()
	})
}

func (s *sseStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// read scans the body line by line and emits one ProgressEvent per
// well-formed "data:" line. Frames are delivered strictly in arrival order.
func (s *sseStream) read() {
	defer close(s.events)

	delivered := false
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// SSE fields we don't use (event:, id:, retry:).
			continue
		}
		data = strings.TrimSpace(data)

		var ev types.ProgressEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			slog.Warn("skipping malformed stream frame", "error", err, "line", truncate(data, 200))
			continue
		}
		if !ev.Type.Valid() {
			slog.Warn("skipping stream frame with unknown type", "type", string(ev.Type))
			continue
		}

		select {
		case s.events <- ev:
			delivered = true
		case <-s.closed:
			return
		}

		if ev.Type.Terminal() {
			// Terminal frame: the stream closes itself. The owner may
			// still call Close, which is a no-op by then.
			s.Close()
			return
		}
	}

	select {
	case <-s.closed:
		// Closed by the owner; how the read ended is irrelevant.
		return
	default:
	}

	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	if delivered {
		s.setErr(fmt.Errorf("stream ended without terminal frame: %w", err))
	} else {
		s.setErr(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
	// Release the body and request context; nobody else will.
	s.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
