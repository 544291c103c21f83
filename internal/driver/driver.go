// Package driver runs the triage pipeline end to end: fetch opportunities,
// knock out, batch-assess the survivors, sanitize verdicts and write the run
// directory. One pass per invocation, no state survives the run.
package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sourceonespares/sos-triage/internal/assemble"
	"github.com/sourceonespares/sos-triage/internal/assess"
	"github.com/sourceonespares/sos-triage/internal/config"
	"github.com/sourceonespares/sos-triage/internal/knockout"
	"github.com/sourceonespares/sos-triage/internal/logging"
	"github.com/sourceonespares/sos-triage/internal/mistral"
	"github.com/sourceonespares/sos-triage/internal/opportunity"
	"github.com/sourceonespares/sos-triage/internal/output"
	"github.com/sourceonespares/sos-triage/internal/rulepack"
	"github.com/sourceonespares/sos-triage/internal/sanitize"
)

// Sentinel errors; the command maps them to exit codes.
var (
	ErrBadInput    = errors.New("bad input")
	ErrUpstream    = errors.New("upstream failure")
	ErrInterrupted = errors.New("interrupted")
)

// ExitCode maps a run error to the process exit code: 0 on success, 2 on bad
// input, 3 on upstream or batch-service failure, 130 on interrupt.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrBadInput):
		return 2
	case errors.Is(err, ErrInterrupted):
		return 130
	default:
		return 3
	}
}

// Fetcher yields opportunity records for one saved search id.
type Fetcher interface {
	FetchSearch(ctx context.Context, searchID string) ([]opportunity.Opportunity, error)
}

// BatchService is the remote batch inference surface the driver needs.
type BatchService interface {
	Submit(ctx context.Context, requests []assess.Request) (string, error)
	Poll(ctx context.Context, jobID string) (mistral.Job, error)
	Wait(ctx context.Context, jobID string, interval, timeout time.Duration) (mistral.Job, error)
	Fetch(ctx context.Context, job mistral.Job) ([]mistral.Result, []mistral.ErrorRecord, error)
	Verify(ctx context.Context, model string) error
}

// Driver owns one run's lifecycle.
type Driver struct {
	cfg     *config.Config
	pack    *rulepack.Pack
	fetcher Fetcher
	batch   BatchService
	logger  *zap.Logger

	// RunID overrides the generated run id; used for deterministic re-runs.
	RunID string
	// Now is the clock; fixed in tests and replays.
	Now func() time.Time
}

// New builds a driver over its collaborators.
func New(cfg *config.Config, pack *rulepack.Pack, fetcher Fetcher, batch BatchService, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:     cfg,
		pack:    pack,
		fetcher: fetcher,
		batch:   batch,
		logger:  logger,
		Now:     time.Now,
	}
}

// ReadEndpointsFile parses the batch-mode search id list: one id per line,
// blank lines and #-comments ignored, duplicates dropped with a warning.
func ReadEndpointsFile(path string, logger *zap.Logger) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoints file: %v", ErrBadInput, err)
	}
	defer f.Close()

	var ids []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if seen[line] {
			if logger != nil {
				logger.Warn("duplicate search id in endpoints file", zap.String("search_id", line))
			}
			continue
		}
		seen[line] = true
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: endpoints file: %v", ErrBadInput, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: endpoints file %s has no search ids", ErrBadInput, path)
	}
	return ids, nil
}

// Run executes the full pipeline for the given search ids.
func (d *Driver) Run(ctx context.Context, searchIDs []string) error {
	if len(searchIDs) == 0 {
		return fmt.Errorf("%w: no search ids", ErrBadInput)
	}

	runID := d.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	startedAt := d.Now().UTC()

	writer, err := output.NewWriter(d.cfg.OutputRoot, runID, startedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer writer.Close()
	runLog := writer.Log()
	runLog.RunStart(searchIDs, d.pack.Version(), d.cfg.Model.ID)

	run := &opportunity.RunRecord{
		RunID:       runID,
		StartedAt:   startedAt,
		SearchIDs:   searchIDs,
		PackVersion: d.pack.Version(),
		ModelID:     d.cfg.Model.ID,
		Counts:      map[string]int{},
	}
	// manifest stub first; a crash mid-run still leaves a traceable record
	if err := writer.WriteManifest(run); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	opps, err := d.fetchAll(ctx, searchIDs, runLog)
	if err != nil {
		return err
	}
	for i := range opps {
		run.OpportunityIDs = append(run.OpportunityIDs, opps[i].ID)
	}

	verdicts := make([]opportunity.KnockoutVerdict, len(opps))
	var requests []assess.Request
	for i := range opps {
		hay := assemble.Build(&opps[i])
		verdicts[i] = knockout.Evaluate(hay, d.pack)
		for _, note := range verdicts[i].ReviewNotes {
			parts := strings.SplitN(strings.SplitN(note, ":", 2)[0], "/", 2)
			if len(parts) == 2 {
				runLog.ReviewFlag(opps[i].ID, parts[0], parts[1])
			}
		}
		if verdicts[i].Decision == opportunity.DecisionNoGo {
			runLog.Knockout(opps[i].ID, verdicts[i].Category, verdicts[i].MatchedRuleID)
			continue
		}
		req := assess.Build(runID, &opps[i], d.cfg.Model)
		runLog.Candidate(opps[i].ID, req.CorrelationID)
		requests = append(requests, req)
	}

	modelVerdicts, jobID, err := d.assessCandidates(ctx, requests, run, writer, runLog)
	if err != nil {
		return err
	}
	run.BatchJobID = jobID

	for i := range opps {
		var mv *opportunity.ModelVerdict
		if verdicts[i].Decision != opportunity.DecisionNoGo {
			corrID := assess.CorrelationID(runID, opps[i].ID)
			if v, ok := modelVerdicts[corrID]; ok {
				mv = v
			} else {
				// candidate with no reply: recovered as NEEDS-ANALYSIS
				mv = &opportunity.ModelVerdict{
					Decision:   opportunity.DecisionNeedsAnalysis,
					Confidence: 0.5,
					Reasoning:  "no batch reply received",
				}
				runLog.Recovered(logging.CategoryBatch, opps[i].ID, "missing batch reply")
			}
		}

		final := opportunity.FinalDecision(verdicts[i], mv)
		run.Counts[string(final)]++
		rec := output.Record{
			Opportunity:     &opps[i],
			KnockoutVerdict: verdicts[i],
			ModelVerdict:    mv,
			FinalDecision:   final,
			PackVersion:     d.pack.Version(),
			ModelID:         d.cfg.Model.ID,
			RunID:           runID,
		}
		if err := writer.WriteRecord(rec); err != nil {
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	}

	run.FinishedAt = d.Now().UTC()
	if err := writer.WriteManifest(run); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if err := writer.WriteSummary(run); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	runLog.RunEnd(run.Counts)

	d.logger.Info("run complete",
		zap.String("run_id", runID),
		zap.String("dir", writer.Dir()),
		zap.Any("counts", run.Counts))
	return nil
}

// fetchAll pulls and deduplicates opportunities across search ids, preserving
// input order. Search ids that fail after retries are logged and skipped; the
// run proceeds with the rest, and fails only when nothing was fetched.
func (d *Driver) fetchAll(ctx context.Context, searchIDs []string, runLog *logging.RunLog) ([]opportunity.Opportunity, error) {
	var opps []opportunity.Opportunity
	seen := make(map[string]bool)
	anyFetched := false

	for _, sid := range searchIDs {
		fetched, err := d.fetcher.FetchSearch(ctx, sid)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: fetch canceled", ErrInterrupted)
			}
			runLog.FetchError(sid, err)
			d.logger.Warn("search id unresolved", zap.String("search_id", sid), zap.Error(err))
			continue
		}
		anyFetched = true
		runLog.FetchPage(sid, 1, len(fetched))
		for i := range fetched {
			if fetched[i].ID == "" {
				continue
			}
			if seen[fetched[i].ID] {
				runLog.Dedup(fetched[i].ID, sid)
				continue
			}
			seen[fetched[i].ID] = true
			opps = append(opps, fetched[i])
		}
	}

	if !anyFetched {
		return nil, fmt.Errorf("%w: no search id could be fetched", ErrUpstream)
	}
	return opps, nil
}

// assessCandidates runs the batch leg: verify, submit, wait, fetch, sanitize.
// Returns sanitized verdicts keyed by correlation id. A nil request list
// short-circuits; per-request errors become NEEDS-ANALYSIS verdicts.
func (d *Driver) assessCandidates(
	ctx context.Context,
	requests []assess.Request,
	run *opportunity.RunRecord,
	writer *output.Writer,
	runLog *logging.RunLog,
) (map[string]*opportunity.ModelVerdict, string, error) {
	verdicts := make(map[string]*opportunity.ModelVerdict)
	if len(requests) == 0 {
		return verdicts, "", nil
	}

	if !d.cfg.SkipVerification {
		if err := d.batch.Verify(ctx, d.cfg.Model.ID); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	}

	jobID, err := d.batch.Submit(ctx, requests)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", d.abort(run, writer, runLog, "")
		}
		return nil, "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	runLog.BatchSubmit(jobID, len(requests))

	// persist the job id before waiting so an aborted run can reconcile
	run.BatchJobID = jobID
	if err := writer.WriteManifest(run); err != nil {
		return nil, jobID, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	job, err := d.batch.Wait(ctx, jobID, d.cfg.PollInterval(), d.cfg.WaitTimeout())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, jobID, d.abort(run, writer, runLog, string(job.State))
		}
		return nil, jobID, fmt.Errorf("%w: batch wait: %v", ErrUpstream, err)
	}
	runLog.BatchPoll(jobID, string(job.State), job.Succeeded, job.Failed, job.Total)

	if job.State == mistral.StateCanceled {
		return nil, jobID, fmt.Errorf("%w: batch job %s canceled remotely", ErrUpstream, jobID)
	}

	results, errRecords, err := d.batch.Fetch(ctx, job)
	if err != nil {
		return nil, jobID, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	runLog.BatchFetch(jobID, len(results), len(errRecords))

	for _, res := range results {
		v := sanitize.Parse(res.Content)
		verdicts[res.CorrelationID] = &v
	}
	for _, er := range errRecords {
		reason := er.Type
		if reason == "" {
			reason = er.Message
		}
		verdicts[er.CorrelationID] = &opportunity.ModelVerdict{
			Decision:   opportunity.DecisionNeedsAnalysis,
			Confidence: 0.5,
			Reasoning:  reason,
		}
		runLog.Recovered(logging.CategoryBatch, er.CorrelationID, reason)
	}
	return verdicts, jobID, nil
}

// abort finalizes an interrupted run: flush the log, mark the manifest and
// surface the interrupt exit.
func (d *Driver) abort(run *opportunity.RunRecord, writer *output.Writer, runLog *logging.RunLog, lastState string) error {
	run.Aborted = true
	run.FinishedAt = d.Now().UTC()
	runLog.RunAbort(lastState)
	runLog.Sync()
	if err := writer.WriteManifest(run); err != nil {
		d.logger.Error("failed to write aborted manifest", zap.Error(err))
	}
	return fmt.Errorf("%w: batch job %s still running remotely", ErrInterrupted, run.BatchJobID)
}

// CheckStatus probes one remote job and prints its state.
func (d *Driver) CheckStatus(ctx context.Context, jobID string) error {
	job, err := d.batch.Poll(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	fmt.Printf("job %s: %s (%d/%d succeeded, %d failed)\n",
		job.ID, job.State, job.Succeeded, job.Total, job.Failed)
	return nil
}

// Download reconciles a finished remote job into a late run directory: the
// sanitized verdicts are written per correlation id, without the original
// opportunity records, so an aborted run's batch work is not lost.
func (d *Driver) Download(ctx context.Context, jobID string) error {
	job, err := d.batch.Poll(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if !job.State.Terminal() {
		return fmt.Errorf("%w: job %s not finished (state %s)", ErrBadInput, jobID, job.State)
	}

	results, errRecords, err := d.batch.Fetch(ctx, job)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	runID := uuid.NewString()
	writer, err := output.NewWriter(d.cfg.OutputRoot, runID, d.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer writer.Close()

	run := &opportunity.RunRecord{
		RunID:       runID,
		StartedAt:   d.Now().UTC(),
		PackVersion: d.pack.Version(),
		ModelID:     d.cfg.Model.ID,
		BatchJobID:  jobID,
		Counts:      map[string]int{},
	}
	runLog := writer.Log()
	runLog.BatchFetch(jobID, len(results), len(errRecords))

	for _, res := range results {
		v := sanitize.Parse(res.Content)
		run.Counts[string(v.Decision)]++
		rec := output.Record{
			Opportunity:     &opportunity.Opportunity{ID: res.CorrelationID},
			KnockoutVerdict: opportunity.KnockoutVerdict{Decision: opportunity.DecisionGoCandidate, PackVersion: d.pack.Version()},
			ModelVerdict:    &v,
			FinalDecision:   v.Decision,
			PackVersion:     d.pack.Version(),
			ModelID:         d.cfg.Model.ID,
			RunID:           runID,
		}
		if err := writer.WriteRecord(rec); err != nil {
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	}
	for _, er := range errRecords {
		runLog.Recovered(logging.CategoryBatch, er.CorrelationID, er.Type)
	}

	run.FinishedAt = d.Now().UTC()
	if err := writer.WriteManifest(run); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	runLog.RunEnd(run.Counts)
	d.logger.Info("reconciled batch job", zap.String("job_id", jobID), zap.String("dir", writer.Dir()))
	return nil
}
