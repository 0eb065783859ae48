// Package task waits for asynchronous server-side operations to reach a
// terminal state.
package task

import (
	"bytes"
	"encoding/json"
	"strings"
)

// State is the lifecycle state reported by a task resource.
type State string

const (
	StateInitialized State = "INITIALIZED"
	StateRunning     State = "RUNNING"
	StateSucceeded   State = "SUCCEEDED"
	StateFailed      State = "FAILED"
)

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Known reports whether s is one of the four documented states.
func (s State) Known() bool {
	switch s {
	case StateInitialized, StateRunning, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}

// label is the metrics label of s. Unknown states share one label so the
// server cannot grow the series set.
func (s State) label() string {
	if s.Known() {
		return string(s)
	}
	return "unknown"
}

// Resource references the object a task acts on.
type Resource struct {
	ResourceURI string `json:"resourceUri"`
	Name        string `json:"name"`
	Type        string `json:"type"`
}

// ID returns the last path segment of the resource URI.
func (r Resource) ID() string {
	uri := strings.TrimRight(r.ResourceURI, "/")
	if i := strings.LastIndex(uri, "/"); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

// Status is the decoded body of a task resource.
type Status struct {
	ID              string          `json:"id"`
	DisplayName     string          `json:"displayName"`
	State           State           `json:"state"`
	ProgressPercent int             `json:"progressPercent"`
	LogMessages     LogMessages     `json:"logMessages"`
	Error           json.RawMessage `json:"error,omitempty"`
	SourceResource  Resource        `json:"sourceResource"`
}

// ErrorText renders the task's error payload for diagnostics.
func (s Status) ErrorText() string {
	raw := bytes.TrimSpace(s.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var obj struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		msg := obj.Error
		if msg == "" {
			msg = obj.Message
		}
		if obj.ErrorCode != "" && msg != "" {
			return obj.ErrorCode + ": " + msg
		}
		if msg != "" {
			return msg
		}
		if obj.ErrorCode != "" {
			return obj.ErrorCode
		}
	}
	return string(raw)
}

// LogMessages is the ordered task log. The service sends either plain
// strings or objects with a message field.
type LogMessages []string

func (l *LogMessages) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(LogMessages, 0, len(raw))
	for _, item := range raw {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			out = append(out, text)
			continue
		}
		var entry struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(item, &entry); err != nil {
			return err
		}
		out = append(out, entry.Message)
	}
	*l = out
	return nil
}

// serviceError is the error body returned with non-2xx statuses.
type serviceError struct {
	ErrorCode string `json:"errorCode"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	HTTPCode  int    `json:"httpStatusCode"`
	TraceID   string `json:"traceId"`
}

func decodeServiceError(body []byte) serviceError {
	var se serviceError
	_ = json.Unmarshal(body, &se)
	return se
}
