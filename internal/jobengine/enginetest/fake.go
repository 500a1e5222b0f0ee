// Package enginetest provides a scripted, in-memory job engine for tests.
// Engine implements interfaces.JobClient directly and, through Handler,
// the engine's HTTP contract so the real jobengine.Client can be exercised.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/ternarybob/optionscan/internal/jobengine"
	"github.com/ternarybob/optionscan/internal/models"
)

// Step is one scripted answer to PollStatus: either a report or an error.
type Step struct {
	Report models.StatusReport
	Err    error
}

// Running returns a running step with the given progress
func Running(progress int) Step {
	return Step{Report: models.StatusReport{Status: models.JobStatusRunning, Progress: progress, Step: "scoring"}}
}

// Pending returns a pending step
func Pending() Step {
	return Step{Report: models.StatusReport{Status: models.JobStatusPending}}
}

// Completed returns a completed step
func Completed() Step {
	return Step{Report: models.StatusReport{Status: models.JobStatusCompleted, Progress: 100, Step: "done"}}
}

// Failed returns a failed step carrying the engine's error message
func Failed(message string) Step {
	return Step{Report: models.StatusReport{Status: models.JobStatusFailed, ErrorMessage: message}}
}

// TransportFailure returns a step that fails like a dropped connection
func TransportFailure(taskID string) Step {
	return Step{Err: &jobengine.TransportError{Op: "status", TaskID: taskID, Err: fmt.Errorf("connection reset by peer")}}
}

// Script describes how the engine answers for one key.
// Once Steps is exhausted the last step repeats.
type Script struct {
	SubmitErr error
	Steps     []Step
	Result    *models.ScanResult
	ResultErr error

	// Gate, when set, blocks every PollStatus until it is closed or the context ends
	Gate <-chan struct{}
}

type task struct {
	id      string
	key     string
	script  Script
	polls   int
	fetches int
}

// Engine is a scripted JobClient. Keys without a script are rejected at submission.
type Engine struct {
	mu      sync.Mutex
	scripts map[string]Script
	tasks   map[string]*task
	byKey   map[string]*task
	submits map[string]int
	seq     int
}

// New creates an empty engine
func New() *Engine {
	return &Engine{
		scripts: make(map[string]Script),
		tasks:   make(map[string]*task),
		byKey:   make(map[string]*task),
		submits: make(map[string]int),
	}
}

// On registers the script for key, replacing any previous one
func (e *Engine) On(key string, script Script) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[key] = script
	return e
}

// Submit implements interfaces.JobClient
func (e *Engine) Submit(ctx context.Context, key string, params models.ScanParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &jobengine.SubmissionError{Key: key, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.submits[key]++
	script, ok := e.scripts[key]
	if !ok {
		return "", &jobengine.SubmissionError{Key: key, StatusCode: http.StatusBadRequest, Message: "unknown symbol"}
	}
	if script.SubmitErr != nil {
		return "", script.SubmitErr
	}

	e.seq++
	t := &task{id: fmt.Sprintf("task-%d-%s", e.seq, key), key: key, script: script}
	e.tasks[t.id] = t
	e.byKey[key] = t
	return t.id, nil
}

// PollStatus implements interfaces.JobClient
func (e *Engine) PollStatus(ctx context.Context, taskID string) (*models.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	t, ok := e.tasks[taskID]
	var gate <-chan struct{}
	if ok {
		gate = t.script.Gate
	}
	e.mu.Unlock()

	if !ok {
		return nil, &jobengine.APIError{StatusCode: http.StatusNotFound, Message: "task not found", Endpoint: "/tasks/" + taskID + "/status"}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(t.script.Steps) == 0 {
		t.polls++
		return &models.StatusReport{Status: models.JobStatusCompleted, Progress: 100}, nil
	}
	idx := t.polls
	if idx >= len(t.script.Steps) {
		idx = len(t.script.Steps) - 1
	}
	t.polls++

	step := t.script.Steps[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	report := step.Report
	return &report, nil
}

// FetchResult implements interfaces.JobClient
func (e *Engine) FetchResult(ctx context.Context, taskID string) (*models.ScanResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return nil, &jobengine.APIError{StatusCode: http.StatusNotFound, Message: "task not found", Endpoint: "/tasks/" + taskID + "/result"}
	}
	t.fetches++
	if t.script.ResultErr != nil {
		return nil, t.script.ResultErr
	}
	if t.script.Result == nil {
		return &models.ScanResult{Symbol: t.key}, nil
	}
	result := *t.script.Result
	return &result, nil
}

// SubmitCount returns how many times key was submitted
func (e *Engine) SubmitCount(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submits[key]
}

// PollCount returns how many status polls the latest task of key received
func (e *Engine) PollCount(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.byKey[key]; ok {
		return t.polls
	}
	return 0
}

// FetchCount returns how many result fetches the latest task of key received
func (e *Engine) FetchCount(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.byKey[key]; ok {
		return t.fetches
	}
	return 0
}

// Handler serves the engine's HTTP contract on top of the scripted engine:
// POST /{domain}/analyze, GET /tasks/{id}/status and GET /tasks/{id}/result.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /{domain}/analyze", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Key    string            `json:"key"`
			Params models.ScanParams `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": err.Error()})
			return
		}
		taskID, err := e.Submit(r.Context(), req.Key, req.Params)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "task_id": taskID})
	})

	mux.HandleFunc("GET /tasks/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		report, err := e.PollStatus(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":        string(report.Status),
			"progress":      report.Progress,
			"step":          report.Step,
			"error_message": report.ErrorMessage,
		})
	})

	mux.HandleFunc("GET /tasks/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		result, err := e.FetchResult(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"result_data": result})
	})

	return mux
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch e := err.(type) {
	case *jobengine.APIError:
		status = e.StatusCode
	case *jobengine.TransportError:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
