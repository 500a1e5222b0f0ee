// Package jobengine provides a client for the remote analysis job engine.
// The engine runs option scoring asynchronously: submit a job, poll its status,
// then fetch the result once it has completed.
package jobengine

import (
	"errors"
	"fmt"
)

// SubmissionError is returned when a job could not be created for a key.
type SubmissionError struct {
	Key        string
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("job submission failed for %s: %s (status: %d)", e.Key, msg, e.StatusCode)
	}
	return fmt.Sprintf("job submission failed for %s: %s", e.Key, msg)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// TransportError is a network failure or a 5xx/429 response while talking to the engine.
// It says nothing about the state of the job itself.
type TransportError struct {
	Op         string
	TaskID     string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("engine transport error during %s of task %s: status %d: %v", e.Op, e.TaskID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("engine transport error during %s of task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is an authoritative non-success answer from the engine (4xx, malformed payload).
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// IsTransient reports whether err is a transport-level failure that may succeed on retry
func IsTransient(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// submitRequest is the body of POST /{domain}/analyze
type submitRequest struct {
	Key    string      `json:"key"`
	Params interface{} `json:"params"`
	Async  bool        `json:"async"`
}

// submitResponse is the answer to a submission
type submitResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
	Error   string `json:"error,omitempty"`
}

// statusResponse is the answer of GET /tasks/{id}/status
type statusResponse struct {
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Step         string `json:"step,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// errorResponse is the generic error body some engine endpoints return
type errorResponse struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func (e errorResponse) text() string {
	switch {
	case e.Error != "":
		return e.Error
	case e.Detail != "":
		return e.Detail
	default:
		return e.Message
	}
}
