// Package flow implements short, stateful, multi-turn scripted
// conversations (check-ins). Each flow asks one question at a time, stores
// the answer, and advances. Flows persist to disk after every mutation so
// they survive restarts, and expire on inactivity or when unrelated
// outbound traffic reaches the user.
package flow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a flow.
type Status string

const (
	// StatusActive means the flow is processing (between accepting an
	// answer and issuing the next prompt).
	StatusActive Status = "active"

	// StatusAwaitingAnswer means a question was asked and the flow is
	// waiting for the user's reply.
	StatusAwaitingAnswer Status = "awaiting_answer"

	// StatusCompleted means every question was answered.
	StatusCompleted Status = "completed"

	// StatusExpired means the flow timed out or was invalidated by
	// unrelated outbound traffic.
	StatusExpired Status = "expired"

	// StatusCancelled means the user cancelled the flow.
	StatusCancelled Status = "cancelled"
)

// QuestionKind is the expected answer type of a question.
type QuestionKind string

const (
	// KindScale expects an integer on a numeric scale (default 1-5).
	KindScale QuestionKind = "scale"

	// KindYesNo expects a yes/no answer.
	KindYesNo QuestionKind = "yesno"

	// KindText accepts any non-empty text.
	KindText QuestionKind = "text"
)

// Question is one step of a flow script.
type Question struct {
	// ID names the question; answers are keyed by it.
	ID string `json:"id" yaml:"id"`

	// Prompt is the text sent to the user.
	Prompt string `json:"prompt" yaml:"prompt"`

	// Kind is the expected answer type.
	Kind QuestionKind `json:"kind" yaml:"kind"`

	// Min and Max bound scale answers. Zero values mean the 1-5 default.
	Min int `json:"min,omitempty" yaml:"min,omitempty"`
	Max int `json:"max,omitempty" yaml:"max,omitempty"`
}

// Answer is one accepted, normalized answer.
type Answer struct {
	QuestionID string    `json:"question_id"`
	Raw        string    `json:"raw"`
	Value      string    `json:"value"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Flow is the persisted state of one (user, flow-type) conversation.
// Owned exclusively by the Engine; nothing else mutates it.
type Flow struct {
	UserID         string     `json:"user_id"`
	Type           string     `json:"flow_type"`
	Status         Status     `json:"status"`
	Questions      []Question `json:"questions"`
	Current        int        `json:"current_question"`
	Answers        []Answer   `json:"answers"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// Key returns the storage key for a (user, flow-type) pair.
func (f *Flow) Key() string {
	return FlowKey(f.UserID, f.Type)
}

// FlowKey builds the storage key for a (user, flow-type) pair.
func FlowKey(userID, flowType string) string {
	return userID + "." + flowType
}

// InProgress reports whether the flow is still running.
func (f *Flow) InProgress() bool {
	return f.Status == StatusActive || f.Status == StatusAwaitingAnswer
}

// CurrentQuestion returns the question the flow is waiting on.
func (f *Flow) CurrentQuestion() (Question, bool) {
	if f.Current < 0 || f.Current >= len(f.Questions) {
		return Question{}, false
	}
	return f.Questions[f.Current], true
}

// AnswerMap returns accepted answers keyed by question ID.
func (f *Flow) AnswerMap() map[string]string {
	m := make(map[string]string, len(f.Answers))
	for _, a := range f.Answers {
		m[a.QuestionID] = a.Value
	}
	return m
}

// normalizeAnswer validates raw text against the question's expected type
// and returns the normalized value. A protocol error here is not an
// exception: the engine turns it into a re-prompt with guidance.
func normalizeAnswer(q Question, raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", fmt.Errorf("answer is empty")
	}

	switch q.Kind {
	case KindScale:
		min, max := q.Min, q.Max
		if min == 0 && max == 0 {
			min, max = 1, 5
		}
		n, err := strconv.Atoi(text)
		if err != nil {
			return "", fmt.Errorf("expected a number between %d and %d", min, max)
		}
		if n < min || n > max {
			return "", fmt.Errorf("expected a number between %d and %d", min, max)
		}
		return strconv.Itoa(n), nil

	case KindYesNo:
		switch strings.ToLower(text) {
		case "yes", "y", "yeah", "yep", "true", "sure":
			return "yes", nil
		case "no", "n", "nope", "nah", "false":
			return "no", nil
		}
		return "", fmt.Errorf("expected yes or no")

	case KindText, "":
		return text, nil
	}

	return "", fmt.Errorf("unknown question kind %q", q.Kind)
}
