// internal/types/models.go
package types

// Kind identifies which dashboard surface a request serves. The backend
// tailors its answer to the kind, but the client protocol is identical
// for all of them.
type Kind string

const (
	KindSummary Kind = "summary"
	KindChat    Kind = "chat"
	KindSavings Kind = "savings_analysis"
)

// InsightRequest is the immutable input to one session activation.
type InsightRequest struct {
	Kind     Kind   `json:"kind"`
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	Question string `json:"question,omitempty"`
	Token    string `json:"-"`
}

// EventType is the discriminator of a progress frame.
type EventType string

const (
	EventTryingModel EventType = "trying_model"
	EventModelFailed EventType = "model_failed"
	EventSuccess     EventType = "success"
	EventError       EventType = "error"
)

// Valid reports whether t is one of the known frame types.
func (t EventType) Valid() bool {
	switch t {
	case EventTryingModel, EventModelFailed, EventSuccess, EventError:
		return true
	}
	return false
}

// Terminal reports whether a frame of this type ends the stream.
func (t EventType) Terminal() bool {
	return t == EventSuccess || t == EventError
}

// ProgressEvent is one parsed frame from the progress stream.
// Summary and Answer are alternative carriers for the result text; the
// backend uses "summary" for summary/savings kinds and "answer" for chat.
type ProgressEvent struct {
	Type    EventType `json:"type"`
	Model   string    `json:"model,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Summary string    `json:"summary,omitempty"`
	Answer  string    `json:"answer,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Text returns the result text of a success frame, whichever field carries it.
func (e ProgressEvent) Text() string {
	if e.Answer != "" {
		return e.Answer
	}
	return e.Summary
}

// AttemptOutcome is the lifecycle of one model attempt.
type AttemptOutcome string

const (
	AttemptPending   AttemptOutcome = "pending"
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptFailed    AttemptOutcome = "failed"
)

// ModelAttempt records one backend model tried during a session. Attempts
// are appended in arrival order and never reordered or removed.
type ModelAttempt struct {
	Model   string         `json:"model"`
	Outcome AttemptOutcome `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`
}

// Result is the terminal success payload of a session.
type Result struct {
	Text      string `json:"text"`
	ModelUsed string `json:"model_used"`
}

// State is the session state machine's current position.
type State string

const (
	StateIdle            State = "idle"
	StateConnecting      State = "connecting"
	StateStreaming       State = "streaming"
	StateFallbackPending State = "fallback_pending"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
)

// Terminal reports whether the state accepts no further events without a reset.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}
