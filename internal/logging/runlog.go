// Package logging provides the per-run audit log. Every pipeline stage
// appends structured events to run.log inside the run directory; the file is
// append-only JSON lines and is part of the run's durable output.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Category identifies the pipeline stage an event belongs to.
type Category string

const (
	CategoryDriver   Category = "driver"
	CategoryFetch    Category = "fetch"
	CategoryKnockout Category = "knockout"
	CategoryBatch    Category = "batch"
	CategoryParse    Category = "parse"
	CategoryOutput   Category = "output"
)

// EventType identifies what happened.
type EventType string

const (
	EventRunStart    EventType = "run_start"
	EventRunEnd      EventType = "run_end"
	EventRunAbort    EventType = "run_abort"
	EventFetchPage   EventType = "fetch_page"
	EventFetchError  EventType = "fetch_error"
	EventDedup       EventType = "dedup"
	EventKnockout    EventType = "knockout"
	EventReviewFlag  EventType = "review_flag"
	EventCandidate   EventType = "candidate"
	EventBatchSubmit EventType = "batch_submit"
	EventBatchPoll   EventType = "batch_poll"
	EventBatchFetch  EventType = "batch_fetch"
	EventRecovered   EventType = "recovered"
	EventFileWrite   EventType = "file_write"
)

// Event is one structured audit entry.
type Event struct {
	Timestamp     int64          `json:"ts"` // Unix milliseconds
	Type          EventType      `json:"event"`
	Category      Category       `json:"cat"`
	RunID         string         `json:"run"`
	OpportunityID string         `json:"opp,omitempty"`
	Target        string         `json:"target,omitempty"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	Message       string         `json:"msg"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// RunLog appends events to a run's audit file. Safe for use from the single
// pipeline goroutine and the signal handler.
type RunLog struct {
	runID string
	mu    sync.Mutex
	file  *os.File
	// lastTS enforces monotone timestamps even if the wall clock steps back.
	lastTS int64
}

// Open creates or truncates the audit file at path. Re-runs with the same
// run id start the log fresh so the run directory stays deterministic.
func Open(path, runID string) (*RunLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log: %w", err)
	}
	return &RunLog{runID: runID, file: file}, nil
}

// Discard returns a RunLog that drops all events. Used in tests and in the
// pure evaluation paths.
func Discard() *RunLog {
	return &RunLog{}
}

// Close flushes and closes the audit file.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Log writes one event. Timestamps are monotonically non-decreasing.
func (l *RunLog) Log(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}

	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Timestamp < l.lastTS {
		e.Timestamp = l.lastTS
	}
	l.lastTS = e.Timestamp
	if e.RunID == "" {
		e.RunID = l.runID
	}

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.file.Write(append(data, '\n'))
}

// Sync flushes buffered writes to disk. Called on interrupt so partial logs
// survive the abort.
func (l *RunLog) Sync() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Sync()
	}
}

// RunStart logs the start of a run.
func (l *RunLog) RunStart(searchIDs []string, packVersion, modelID string) {
	l.Log(Event{
		Type: EventRunStart, Category: CategoryDriver, Success: true,
		Message: fmt.Sprintf("run started: %d search ids, pack %s, model %s", len(searchIDs), packVersion, modelID),
		Fields:  map[string]any{"search_ids": searchIDs, "pack_version": packVersion, "model_id": modelID},
	})
}

// RunEnd logs run completion with the final decision counts.
func (l *RunLog) RunEnd(counts map[string]int) {
	l.Log(Event{
		Type: EventRunEnd, Category: CategoryDriver, Success: true,
		Message: fmt.Sprintf("run complete: %v", counts),
		Fields:  map[string]any{"counts": counts},
	})
}

// RunAbort logs an interrupted run with the last observed batch state.
func (l *RunLog) RunAbort(lastState string) {
	l.Log(Event{
		Type: EventRunAbort, Category: CategoryDriver, Success: false,
		Message: "run aborted by interrupt",
		Fields:  map[string]any{"last_batch_state": lastState},
	})
}

// FetchPage logs one upstream page fetch.
func (l *RunLog) FetchPage(searchID string, page, count int) {
	l.Log(Event{
		Type: EventFetchPage, Category: CategoryFetch, Target: searchID, Success: true,
		Message: fmt.Sprintf("search %s page %d: %d opportunities", searchID, page, count),
		Fields:  map[string]any{"page": page, "count": count},
	})
}

// FetchError logs a search id that could not be resolved after retries.
func (l *RunLog) FetchError(searchID string, err error) {
	l.Log(Event{
		Type: EventFetchError, Category: CategoryFetch, Target: searchID,
		Error:   err.Error(),
		Message: fmt.Sprintf("search %s failed: %v", searchID, err),
	})
}

// Dedup logs a discarded duplicate opportunity.
func (l *RunLog) Dedup(oppID, searchID string) {
	l.Log(Event{
		Type: EventDedup, Category: CategoryFetch, OpportunityID: oppID, Target: searchID, Success: true,
		Message: fmt.Sprintf("duplicate opportunity %s discarded (search %s)", oppID, searchID),
	})
}

// Knockout logs a stage-one NO-GO.
func (l *RunLog) Knockout(oppID, category, ruleID string) {
	l.Log(Event{
		Type: EventKnockout, Category: CategoryKnockout, OpportunityID: oppID, Success: true,
		Message: fmt.Sprintf("knocked out: %s (%s/%s)", oppID, category, ruleID),
		Fields:  map[string]any{"category": category, "rule_id": ruleID},
	})
}

// ReviewFlag logs a fired REVIEW-disposition rule that did not knock out.
func (l *RunLog) ReviewFlag(oppID, category, ruleID string) {
	l.Log(Event{
		Type: EventReviewFlag, Category: CategoryKnockout, OpportunityID: oppID, Success: true,
		Message: fmt.Sprintf("review flag: %s (%s/%s)", oppID, category, ruleID),
		Fields:  map[string]any{"category": category, "rule_id": ruleID},
	})
}

// Candidate logs an opportunity that survived the rule pack.
func (l *RunLog) Candidate(oppID, correlationID string) {
	l.Log(Event{
		Type: EventCandidate, Category: CategoryKnockout, OpportunityID: oppID, Success: true,
		Message: fmt.Sprintf("candidate: %s -> %s", oppID, correlationID),
		Fields:  map[string]any{"correlation_id": correlationID},
	})
}

// BatchSubmit logs batch job creation.
func (l *RunLog) BatchSubmit(jobID string, requests int) {
	l.Log(Event{
		Type: EventBatchSubmit, Category: CategoryBatch, Target: jobID, Success: true,
		Message: fmt.Sprintf("batch submitted: job %s, %d requests", jobID, requests),
		Fields:  map[string]any{"requests": requests},
	})
}

// BatchPoll logs one status probe.
func (l *RunLog) BatchPoll(jobID, state string, succeeded, failed, total int) {
	l.Log(Event{
		Type: EventBatchPoll, Category: CategoryBatch, Target: jobID, Success: true,
		Message: fmt.Sprintf("job %s: %s %d/%d (failed %d)", jobID, state, succeeded, total, failed),
		Fields:  map[string]any{"state": state, "succeeded": succeeded, "failed": failed, "total": total},
	})
}

// BatchFetch logs result download.
func (l *RunLog) BatchFetch(jobID string, results, errors int) {
	l.Log(Event{
		Type: EventBatchFetch, Category: CategoryBatch, Target: jobID, Success: true,
		Message: fmt.Sprintf("job %s fetched: %d results, %d errors", jobID, results, errors),
		Fields:  map[string]any{"results": results, "errors": errors},
	})
}

// Recovered logs a per-item error that was recovered to NEEDS-ANALYSIS.
func (l *RunLog) Recovered(cat Category, oppID, diagnostic string) {
	l.Log(Event{
		Type: EventRecovered, Category: cat, OpportunityID: oppID, Success: true,
		Message: fmt.Sprintf("recovered: %s (%s)", oppID, diagnostic),
		Fields:  map[string]any{"diagnostic": diagnostic},
	})
}

// FileWrite logs a durable artifact write.
func (l *RunLog) FileWrite(path string, size int, success bool, errMsg string) {
	l.Log(Event{
		Type: EventFileWrite, Category: CategoryOutput, Target: path, Success: success, Error: errMsg,
		Message: fmt.Sprintf("wrote %s (%d bytes)", path, size),
		Fields:  map[string]any{"size": size},
	})
}
