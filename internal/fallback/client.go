// internal/fallback/client.go
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/finsight/internal/auth"
	"github.com/user/finsight/internal/types"
)

const summaryPath = "/ai/summary"

// Client issues the single blocking backup request used when streaming
// stalls or fails outright. It is never retried: a failed call is terminal
// for that session activation.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a fallback client for the given backend base URL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// callRequest is the JSON body of the fallback request.
type callRequest struct {
	Kind     types.Kind `json:"kind"`
	Question string     `json:"question,omitempty"`
}

// callResponse is the fallback response body. Summary and Answer are
// alternative carriers for the result text, mirroring the stream's
// success frame.
type callResponse struct {
	Summary   string `json:"summary,omitempty"`
	Answer    string `json:"answer,omitempty"`
	ModelUsed string `json:"model_used"`
	Error     string `json:"error,omitempty"`
}

// Call sends one blocking request and returns the result. A 401 wraps
// auth.ErrUnauthorized so the caller can escalate to the auth collaborator.
func (c *Client) Call(ctx context.Context, req types.InsightRequest) (*types.Result, error) {
	body, err := json.Marshal(callRequest{Kind: req.Kind, Question: req.Question})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	q := url.Values{}
	q.Set("year", strconv.Itoa(req.Year))
	q.Set("month", strconv.Itoa(req.Month))
	q.Set("token", req.Token)
	endpoint := c.baseURL + summaryPath + "?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: fallback endpoint returned %d", auth.ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fallback endpoint error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var callResp callResponse
	if err := json.Unmarshal(respBody, &callResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if callResp.Error != "" {
		return nil, fmt.Errorf("fallback endpoint error: %s", callResp.Error)
	}

	text := callResp.Answer
	if text == "" {
		text = callResp.Summary
	}
	if text == "" {
		return nil, fmt.Errorf("empty fallback response")
	}

	return &types.Result{Text: text, ModelUsed: callResp.ModelUsed}, nil
}
