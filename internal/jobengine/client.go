package jobengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/models"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the base URL of a locally running engine.
	DefaultBaseURL = "http://localhost:8000/api"

	// DefaultDomain is the submission path segment: POST /{domain}/analyze
	DefaultDomain = "options"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 10

	// maxErrorBody bounds how much of an error response is kept in error messages
	maxErrorBody = 512
)

// Client talks to the job engine. It holds no job state and is safe for concurrent use.
type Client struct {
	baseURL    string
	domain     string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithDomain sets the analysis domain used in the submission path.
func WithDomain(domain string) ClientOption {
	return func(c *Client) {
		c.domain = strings.Trim(domain, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit. Zero disables limiting.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// NewClient creates a new engine client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		domain:  DefaultDomain,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Submit creates an asynchronous analysis job for key and returns its task ID.
// Every failure is reported as a *SubmissionError.
func (c *Client) Submit(ctx context.Context, key string, params models.ScanParams) (string, error) {
	path := "/" + c.domain + "/analyze"

	body, err := json.Marshal(submitRequest{Key: key, Params: params, Async: true})
	if err != nil {
		return "", &SubmissionError{Key: key, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", &SubmissionError{Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &SubmissionError{
			Key:        key,
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
	}

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &SubmissionError{Key: key, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "engine rejected the job"
		}
		return "", &SubmissionError{Key: key, StatusCode: resp.StatusCode, Message: msg}
	}
	if result.TaskID == "" {
		return "", &SubmissionError{Key: key, StatusCode: resp.StatusCode, Message: "engine returned an empty task_id"}
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("symbol", key).
			Str("task_id", result.TaskID).
			Msg("Engine job submitted")
	}

	return result.TaskID, nil
}

// PollStatus returns the current status of a task.
// Network failures and 5xx/429 responses are *TransportError; other failures are *APIError.
func (c *Client) PollStatus(ctx context.Context, taskID string) (*models.StatusReport, error) {
	path := "/tasks/" + url.PathEscape(taskID) + "/status"

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: "status", TaskID: taskID, Err: err}
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, "status", taskID, path); err != nil {
		return nil, err
	}

	var result statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &TransportError{Op: "status", TaskID: taskID, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	status, err := models.ParseJobStatus(result.Status)
	if err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error(), Endpoint: path}
	}

	return &models.StatusReport{
		Status:       status,
		Progress:     result.Progress,
		Step:         result.Step,
		ErrorMessage: result.ErrorMessage,
	}, nil
}

// FetchResult downloads the full payload of a completed task.
func (c *Client) FetchResult(ctx context.Context, taskID string) (*models.ScanResult, error) {
	path := "/tasks/" + url.PathEscape(taskID) + "/result"

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: "result", TaskID: taskID, Err: err}
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, "result", taskID, path); err != nil {
		return nil, err
	}

	var result struct {
		ResultData *models.ScanResult `json:"result_data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &TransportError{Op: "result", TaskID: taskID, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if result.ResultData == nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "response has no result_data", Endpoint: path}
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("task_id", taskID).
			Int("items", result.ResultData.ItemCount()).
			Msg("Engine result fetched")
	}

	return result.ResultData, nil
}

// do waits for the rate limiter and executes one request
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.logger != nil {
		c.logger.Trace().
			Str("method", method).
			Str("url", c.baseURL+path).
			Msg("Engine API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	return resp, nil
}

// checkResponse maps a non-2xx status onto the transport or API error type
func checkResponse(resp *http.Response, op, taskID, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := readErrorMessage(resp.Body)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &TransportError{Op: op, TaskID: taskID, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg, Endpoint: path}
}

// readErrorMessage extracts a readable message from an error body
func readErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var parsed errorResponse
	if err := json.Unmarshal(data, &parsed); err == nil {
		if text := parsed.text(); text != "" {
			return text
		}
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "empty response body"
	}
	return text
}
