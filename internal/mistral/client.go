// Package mistral is the batch inference client. It uploads a line-delimited
// request file, creates a batch job against the chat completions endpoint,
// polls it to a terminal state and downloads the result and error files.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sourceonespares/sos-triage/internal/assess"
)

// JobState is the local view of a remote batch job's lifecycle.
type JobState string

const (
	StateQueued   JobState = "QUEUED"
	StateRunning  JobState = "RUNNING"
	StateSuccess  JobState = "SUCCESS"
	StateFailed   JobState = "FAILED"
	StateCanceled JobState = "CANCELED"
)

// Terminal reports whether the state can no longer advance.
func (s JobState) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCanceled
}

// Job is one remote batch job.
type Job struct {
	ID           string
	InputFileID  string
	OutputFileID string
	ErrorFileID  string
	State        JobState
	Total        int
	Succeeded    int
	Failed       int
	CreatedAt    time.Time
}

// Result is one successful reply keyed by correlation id.
type Result struct {
	CorrelationID string
	Content       string
}

// ErrorRecord is one failed request from the batch error file.
type ErrorRecord struct {
	CorrelationID string
	Type          string
	Message       string
}

// Client talks to the Mistral batch API. Not safe for concurrent use; the
// pipeline is single-threaded.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	logger      *zap.Logger
	retryDelays []time.Duration
}

// New builds a client. Timeout is the per-request deadline.
func New(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
		retryDelays: []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second},
	}
}

// wire shapes

type batchLine struct {
	CustomID string    `json:"custom_id"`
	Body     batchBody `json:"body"`
}

type batchBody struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type fileResponse struct {
	ID string `json:"id"`
}

type jobResponse struct {
	ID                string   `json:"id"`
	InputFiles        []string `json:"input_files"`
	OutputFile        string   `json:"output_file"`
	ErrorFile         string   `json:"error_file"`
	Status            string   `json:"status"`
	CreatedAt         int64    `json:"created_at"`
	TotalRequests     int      `json:"total_requests"`
	SucceededRequests int      `json:"succeeded_requests"`
	FailedRequests    int      `json:"failed_requests"`
}

type resultLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		Body struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
}

type errorLine struct {
	CustomID string `json:"custom_id"`
	Error    struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Submit writes the requests to a temporary JSONL file, uploads it with
// purpose=batch and creates the job. Upload and create are each retried up to
// three times with linearly increasing backoff on transient failures.
func (c *Client) Submit(ctx context.Context, requests []assess.Request) (string, error) {
	if len(requests) == 0 {
		return "", fmt.Errorf("no requests to submit")
	}

	path, err := c.writeRequestFile(requests)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	model := requests[0].ModelID

	var fileID string
	err = c.withRetry(ctx, "upload", func() error {
		var uerr error
		fileID, uerr = c.uploadFile(ctx, path)
		return uerr
	})
	if err != nil {
		return "", fmt.Errorf("batch upload failed: %w", err)
	}

	var jobID string
	err = c.withRetry(ctx, "create", func() error {
		var cerr error
		jobID, cerr = c.createJob(ctx, fileID, model)
		return cerr
	})
	if err != nil {
		return "", fmt.Errorf("batch job create failed: %w", err)
	}

	c.logger.Info("batch job created",
		zap.String("job_id", jobID),
		zap.String("input_file", fileID),
		zap.Int("requests", len(requests)))
	return jobID, nil
}

func (c *Client) writeRequestFile(requests []assess.Request) (string, error) {
	f, err := os.CreateTemp("", "sos-batch-*.jsonl")
	if err != nil {
		return "", fmt.Errorf("failed to create batch file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, req := range requests {
		line := batchLine{
			CustomID: req.CorrelationID,
			Body: batchBody{
				Model:       req.ModelID,
				Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
				Temperature: req.Temperature,
				MaxTokens:   req.MaxTokens,
			},
		}
		if err := enc.Encode(line); err != nil {
			os.Remove(f.Name())
			return "", fmt.Errorf("failed to encode batch line: %w", err)
		}
	}
	return f.Name(), nil
}

func (c *Client) uploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", "requests.jsonl")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var fr fileResponse
	if err := c.do(req, &fr); err != nil {
		return "", err
	}
	if fr.ID == "" {
		return "", fmt.Errorf("upload response missing file id")
	}
	return fr.ID, nil
}

func (c *Client) createJob(ctx context.Context, fileID, model string) (string, error) {
	payload := map[string]any{
		"input_files": []string{fileID},
		"model":       model,
		"endpoint":    "/v1/chat/completions",
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/batch/jobs", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var jr jobResponse
	if err := c.do(req, &jr); err != nil {
		return "", err
	}
	if jr.ID == "" {
		return "", fmt.Errorf("job create response missing id")
	}
	return jr.ID, nil
}

// Poll probes the job once.
func (c *Client) Poll(ctx context.Context, jobID string) (Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/batch/jobs/"+jobID, nil)
	if err != nil {
		return Job{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	var jr jobResponse
	if err := c.do(req, &jr); err != nil {
		return Job{}, fmt.Errorf("batch poll failed: %w", err)
	}

	job := Job{
		ID:           jr.ID,
		OutputFileID: jr.OutputFile,
		ErrorFileID:  jr.ErrorFile,
		State:        mapState(jr.Status),
		Total:        jr.TotalRequests,
		Succeeded:    jr.SucceededRequests,
		Failed:       jr.FailedRequests,
	}
	if len(jr.InputFiles) > 0 {
		job.InputFileID = jr.InputFiles[0]
	}
	if jr.CreatedAt > 0 {
		job.CreatedAt = time.Unix(jr.CreatedAt, 0)
	}
	return job, nil
}

// Wait polls until the job reaches a terminal state, the timeout elapses, or
// the context is canceled. A zero timeout waits indefinitely (attended mode).
// The inter-poll sleep aborts immediately on context cancellation.
func (c *Client) Wait(ctx context.Context, jobID string, interval, timeout time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		var job Job
		err := c.withRetry(ctx, "poll", func() error {
			var perr error
			job, perr = c.Poll(ctx, jobID)
			return perr
		})
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, err
		}
		c.logger.Debug("batch poll",
			zap.String("job_id", jobID),
			zap.String("state", string(job.State)),
			zap.Int("succeeded", job.Succeeded),
			zap.Int("total", job.Total))
		if job.State.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Fetch downloads and parses the result and error files. On SUCCESS both are
// fetched; on FAILED only the error file. Malformed lines are skipped.
func (c *Client) Fetch(ctx context.Context, job Job) ([]Result, []ErrorRecord, error) {
	var results []Result
	var errRecords []ErrorRecord

	if job.State == StateSuccess && job.OutputFileID != "" {
		data, err := c.downloadFile(ctx, job.OutputFileID)
		if err != nil {
			return nil, nil, fmt.Errorf("result download failed: %w", err)
		}
		results = parseResults(data)
	}
	if job.ErrorFileID != "" {
		data, err := c.downloadFile(ctx, job.ErrorFileID)
		if err != nil {
			return nil, nil, fmt.Errorf("error file download failed: %w", err)
		}
		errRecords = parseErrors(data)
	}
	return results, errRecords, nil
}

func (c *Client) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	var data []byte
	err := c.withRetry(ctx, "download", func() error {
		var derr error
		data, derr = c.getFileContent(ctx, fileID)
		return derr
	})
	return data, err
}

func (c *Client) getFileContent(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	return io.ReadAll(resp.Body)
}

func parseResults(data []byte) []Result {
	var out []Result
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rl resultLine
		if err := json.Unmarshal([]byte(line), &rl); err != nil || rl.CustomID == "" {
			continue
		}
		content := ""
		if len(rl.Response.Body.Choices) > 0 {
			content = rl.Response.Body.Choices[0].Message.Content
		}
		out = append(out, Result{CorrelationID: rl.CustomID, Content: content})
	}
	return out
}

func parseErrors(data []byte) []ErrorRecord {
	var out []ErrorRecord
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var el errorLine
		if err := json.Unmarshal([]byte(line), &el); err != nil || el.CustomID == "" {
			continue
		}
		reason := el.Error.Type
		if reason == "" {
			reason = el.Error.Message
		}
		out = append(out, ErrorRecord{CorrelationID: el.CustomID, Type: el.Error.Type, Message: reason})
	}
	return out
}

// Verify issues a minimal synchronous completion against the configured model
// before committing a whole batch to it. Skipped when SKIP_AGENT_VERIFICATION
// is set.
func (c *Client) Verify(ctx context.Context, model string) error {
	payload := map[string]any{
		"model":      model,
		"messages":   []chatMessage{{Role: "user", Content: "ping"}},
		"max_tokens": 8,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent verification failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent verification failed: model %s: status %d", model, resp.StatusCode)
	}
	return nil
}

// do runs a request and decodes the JSON response into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError marks HTTP failures so retry can distinguish transient codes.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
}

// transient reports whether an error is worth retrying: network failures,
// 5xx, and 429.
func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !transient(lastErr) || attempt >= len(c.retryDelays) {
			return lastErr
		}

		delay := c.retryDelays[attempt]
		c.logger.Warn("transient batch failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func mapState(status string) JobState {
	switch strings.ToUpper(status) {
	case "QUEUED", "VALIDATING":
		return StateQueued
	case "RUNNING":
		return StateRunning
	case "SUCCESS", "SUCCEEDED":
		return StateSuccess
	case "FAILED", "TIMEOUT_EXCEEDED":
		return StateFailed
	case "CANCELLED", "CANCELED", "CANCELLATION_REQUESTED":
		return StateCanceled
	default:
		return StateRunning
	}
}
