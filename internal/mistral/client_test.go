package mistral

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sourceonespares/sos-triage/internal/assess"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func testClient(url string) *Client {
	c := New(url, "test-key", 5*time.Second, nil)
	c.retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return c
}

func testRequests() []assess.Request {
	return []assess.Request{
		{CorrelationID: "aaaa000000000001", Prompt: "p1", ModelID: "ag:test", Temperature: 0.1, MaxTokens: 2048},
		{CorrelationID: "aaaa000000000002", Prompt: "p2", ModelID: "ag:test", Temperature: 0.1, MaxTokens: 2048},
	}
}

func TestSubmit(t *testing.T) {
	var uploadedLines []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/files":
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "batch", r.FormValue("purpose"))
			f, _, err := r.FormFile("file")
			require.NoError(t, err)
			data, err := io.ReadAll(f)
			require.NoError(t, err)
			uploadedLines = strings.Split(strings.TrimSpace(string(data)), "\n")
			json.NewEncoder(w).Encode(map[string]string{"id": "file-123"})
		case r.URL.Path == "/v1/batch/jobs":
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "/v1/chat/completions", payload["endpoint"])
			assert.Equal(t, []any{"file-123"}, payload["input_files"])
			json.NewEncoder(w).Encode(map[string]string{"id": "job-456", "status": "QUEUED"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	jobID, err := testClient(srv.URL).Submit(context.Background(), testRequests())
	require.NoError(t, err)
	assert.Equal(t, "job-456", jobID)

	require.Len(t, uploadedLines, 2)
	var line batchLine
	require.NoError(t, json.Unmarshal([]byte(uploadedLines[0]), &line))
	assert.Equal(t, "aaaa000000000001", line.CustomID)
	assert.Equal(t, "ag:test", line.Body.Model)
	require.Len(t, line.Body.Messages, 1)
	assert.Equal(t, "user", line.Body.Messages[0].Role)
	assert.Equal(t, "p1", line.Body.Messages[0].Content)
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	var uploads int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/files":
			uploads++
			if uploads < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"id": "file-1"})
		case "/v1/batch/jobs":
			json.NewEncoder(w).Encode(map[string]string{"id": "job-1"})
		}
	}))
	defer srv.Close()

	jobID, err := testClient(srv.URL).Submit(context.Background(), testRequests())
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
	assert.Equal(t, 3, uploads)
}

func TestSubmitExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Submit(context.Background(), testRequests())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload failed")
}

func TestSubmitDoesNotRetryBadRequest(t *testing.T) {
	var uploads int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploads++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Submit(context.Background(), testRequests())
	require.Error(t, err)
	assert.Equal(t, 1, uploads)
}

func TestSubmitEmpty(t *testing.T) {
	_, err := testClient("http://unused").Submit(context.Background(), nil)
	require.Error(t, err)
}

func TestPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch/jobs/job-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"id": "job-1", "status": "RUNNING",
			"input_files":    []string{"file-1"},
			"total_requests": 10, "succeeded_requests": 4, "failed_requests": 1,
		})
	}))
	defer srv.Close()

	job, err := testClient(srv.URL).Poll(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, job.State)
	assert.Equal(t, "file-1", job.InputFileID)
	assert.Equal(t, 10, job.Total)
	assert.Equal(t, 4, job.Succeeded)
	assert.Equal(t, 1, job.Failed)
}

func TestStateMapping(t *testing.T) {
	tests := []struct {
		remote string
		want   JobState
	}{
		{"QUEUED", StateQueued},
		{"VALIDATING", StateQueued},
		{"RUNNING", StateRunning},
		{"SUCCESS", StateSuccess},
		{"SUCCEEDED", StateSuccess},
		{"FAILED", StateFailed},
		{"TIMEOUT_EXCEEDED", StateFailed},
		{"CANCELLED", StateCanceled},
		{"CANCELLATION_REQUESTED", StateCanceled},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapState(tt.remote), tt.remote)
	}
}

func TestWaitUntilTerminal(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "RUNNING"
		if polls >= 3 {
			status = "SUCCESS"
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "job-1", "status": status, "output_file": "out-1"})
	}))
	defer srv.Close()

	job, err := testClient(srv.URL).Wait(context.Background(), "job-1", time.Millisecond, 0)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, job.State)
	assert.Equal(t, "out-1", job.OutputFileID)
	assert.GreaterOrEqual(t, polls, 3)
}

// A transient failure on a status probe must not abort the wait; a long
// attended poll rides through 5xx blips.
func TestWaitRetriesTransientPollFailure(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "job-1", "status": "SUCCESS"})
	}))
	defer srv.Close()

	job, err := testClient(srv.URL).Wait(context.Background(), "job-1", time.Millisecond, 0)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, job.State)
	assert.Equal(t, 3, polls)
}

func TestWaitTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "job-1", "status": "RUNNING"})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Wait(context.Background(), "job-1", 10*time.Millisecond, 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitAbortsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "job-1", "status": "RUNNING"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := testClient(srv.URL).Wait(ctx, "job-1", time.Hour, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "sleep must abort on cancel")
}

func TestFetchSuccess(t *testing.T) {
	results := `{"custom_id":"c1","response":{"body":{"choices":[{"message":{"content":"{\"decision\":\"GO\"}"}}]}}}
garbage line
{"custom_id":"c2","response":{"body":{"choices":[{"message":{"content":"reply two"}}]}}}`
	errs := `{"custom_id":"c3","error":{"type":"rate_limited","message":"slow down"}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/files/out-1/content":
			fmt.Fprint(w, results)
		case "/v1/files/err-1/content":
			fmt.Fprint(w, errs)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	job := Job{ID: "job-1", State: StateSuccess, OutputFileID: "out-1", ErrorFileID: "err-1"}
	got, gotErrs, err := testClient(srv.URL).Fetch(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].CorrelationID)
	assert.Contains(t, got[0].Content, "GO")
	require.Len(t, gotErrs, 1)
	assert.Equal(t, "c3", gotErrs[0].CorrelationID)
	assert.Equal(t, "rate_limited", gotErrs[0].Type)
}

func TestFetchRetriesTransientDownload(t *testing.T) {
	var downloads int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/files/out-1/content", r.URL.Path)
		downloads++
		if downloads < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"custom_id":"c1","response":{"body":{"choices":[{"message":{"content":"ok"}}]}}}`)
	}))
	defer srv.Close()

	job := Job{ID: "job-1", State: StateSuccess, OutputFileID: "out-1"}
	got, _, err := testClient(srv.URL).Fetch(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, downloads)
}

func TestFetchFailedJobDownloadsErrorsOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/files/err-1/content", r.URL.Path)
		fmt.Fprint(w, `{"custom_id":"c1","error":{"type":"server_error"}}`)
	}))
	defer srv.Close()

	job := Job{ID: "job-1", State: StateFailed, OutputFileID: "out-1", ErrorFileID: "err-1"}
	got, gotErrs, err := testClient(srv.URL).Fetch(context.Background(), job)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.Len(t, gotErrs, 1)
	assert.Equal(t, "server_error", gotErrs[0].Message)
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "ag:test", payload["model"])
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	assert.NoError(t, testClient(srv.URL).Verify(context.Background(), "ag:test"))
}

func TestVerifyFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := testClient(srv.URL).Verify(context.Background(), "ag:missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ag:missing")
}
