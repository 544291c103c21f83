// Package output owns every path under the run directory. No other component
// writes files; verdicts stream in here and come out as the per-run JSON, CSV
// and summary artifacts that are the system's durable contract.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sourceonespares/sos-triage/internal/logging"
	"github.com/sourceonespares/sos-triage/internal/opportunity"
)

// Model NO-GO reasons are truncated to this length in the blocker column.
const maxBlockerLen = 80

// csvHeader is the fixed column order of assessment.csv.
var csvHeader = []string{
	"opportunity_id", "title", "agency", "decision", "primary_blocker",
	"naics", "psc", "set_aside", "posted_date", "response_deadline",
	"url", "value_low", "value_high", "has_documents",
}

// Record is the merged result for one opportunity.
type Record struct {
	Opportunity     *opportunity.Opportunity    `json:"opportunity"`
	KnockoutVerdict opportunity.KnockoutVerdict `json:"knockout_verdict"`
	ModelVerdict    *opportunity.ModelVerdict   `json:"model_verdict,omitempty"`
	FinalDecision   opportunity.Decision        `json:"final_decision"`
	PackVersion     string                      `json:"pack_version"`
	ModelID         string                      `json:"model_id"`
	RunID           string                      `json:"run_id"`
}

// Writer materializes one run directory. Rows are appended in input order;
// the per-opportunity JSON is durable before its CSV row is written, so a
// crash never leaves a row without its backing file.
type Writer struct {
	runID   string
	dir     string
	csvFile *os.File
	csvW    *csv.Writer
	log     *logging.RunLog

	written []Record
}

// NewWriter creates the run directory tree under root and opens the CSV and
// run log. The directory is SOS_Output/YYYY-MM/Run_<timestamp>_<runid8>/;
// re-running with the same run id and start time lands in the same directory
// and overwrites it deterministically.
func NewWriter(root, runID string, startedAt time.Time) (*Writer, error) {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	dir := filepath.Join(root,
		startedAt.Format("2006-01"),
		fmt.Sprintf("Run_%s_%s", startedAt.Format("20060102_150405"), short))

	for _, d := range []string{dir, filepath.Join(dir, "opportunities"), filepath.Join(dir, "GO")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create run directory: %w", err)
		}
	}

	runLog, err := logging.Open(filepath.Join(dir, "run.log"), runID)
	if err != nil {
		return nil, err
	}

	csvFile, err := os.OpenFile(filepath.Join(dir, "assessment.csv"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		runLog.Close()
		return nil, fmt.Errorf("failed to create assessment.csv: %w", err)
	}

	w := &Writer{runID: runID, dir: dir, csvFile: csvFile, csvW: csv.NewWriter(csvFile), log: runLog}
	if err := w.csvW.Write(csvHeader); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	return w, nil
}

// Dir returns the run directory path.
func (w *Writer) Dir() string { return w.dir }

// Log returns the run's audit log for other stages to append to.
func (w *Writer) Log() *logging.RunLog { return w.log }

// WriteRecord persists one merged result: the per-opportunity JSON first,
// synced, then the CSV row, then the GO/ copy when the final decision is GO.
func (w *Writer) WriteRecord(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.Opportunity.ID, err)
	}
	data = append(data, '\n')

	oppPath := filepath.Join(w.dir, "opportunities", rec.Opportunity.ID+".json")
	if err := writeFileSync(oppPath, data); err != nil {
		w.log.FileWrite(oppPath, len(data), false, err.Error())
		return err
	}
	w.log.FileWrite(oppPath, len(data), true, "")

	if err := w.csvW.Write(csvRow(rec)); err != nil {
		return fmt.Errorf("failed to write csv row for %s: %w", rec.Opportunity.ID, err)
	}
	w.csvW.Flush()
	if err := w.csvW.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}

	if rec.FinalDecision == opportunity.DecisionGo {
		goPath := filepath.Join(w.dir, "GO", rec.Opportunity.ID+".json")
		if err := writeFileSync(goPath, data); err != nil {
			return err
		}
		w.log.FileWrite(goPath, len(data), true, "")
	}

	w.written = append(w.written, rec)
	return nil
}

// PrimaryBlocker renders the blocker column: the fired rule for a knockout,
// the truncated model reasoning for a model NO-GO, empty otherwise.
func PrimaryBlocker(rec Record) string {
	if rec.KnockoutVerdict.Decision == opportunity.DecisionNoGo {
		return rec.KnockoutVerdict.Category + ":" + rec.KnockoutVerdict.MatchedRuleID
	}
	if rec.ModelVerdict != nil && rec.ModelVerdict.Decision == opportunity.DecisionNoGo {
		reason := rec.ModelVerdict.Reasoning
		if len(reason) > maxBlockerLen {
			reason = reason[:maxBlockerLen]
		}
		return "model:" + reason
	}
	return ""
}

func csvRow(rec Record) []string {
	opp := rec.Opportunity
	return []string{
		opp.ID,
		opp.Title,
		opp.Agency,
		string(rec.FinalDecision),
		PrimaryBlocker(rec),
		opp.NAICS,
		opp.PSC,
		opp.SetAside,
		opp.PostedDate,
		opp.ResponseDeadline,
		opp.URL,
		formatValue(opp.ValueLow),
		formatValue(opp.ValueHigh),
		strconv.FormatBool(opp.HasDocuments()),
	}
}

func formatValue(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteManifest writes manifest.json. Called once with the stub at run start
// and again with the final record; both writes are atomic.
func (w *Writer) WriteManifest(run *opportunity.RunRecord) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := filepath.Join(w.dir, "manifest.json")
	if err := writeFileSync(path, append(data, '\n')); err != nil {
		return err
	}
	w.log.FileWrite(path, len(data), true, "")
	return nil
}

// WriteSummary renders summary.md from everything written so far.
func (w *Writer) WriteSummary(run *opportunity.RunRecord) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Triage Run %s\n\n", w.runID)
	fmt.Fprintf(&b, "Pack version: %s\n", run.PackVersion)
	fmt.Fprintf(&b, "Model: %s\n\n", run.ModelID)

	b.WriteString("## Decisions\n\n")
	for _, d := range []string{"GO", "NO-GO", "NEEDS-ANALYSIS"} {
		fmt.Fprintf(&b, "- %s: %d\n", d, run.Counts[d])
	}

	blockers := map[string]int{}
	for _, rec := range w.written {
		if rec.KnockoutVerdict.Decision == opportunity.DecisionNoGo {
			blockers[rec.KnockoutVerdict.Category]++
		}
	}
	if len(blockers) > 0 {
		b.WriteString("\n## Top blocking categories\n\n")
		type catCount struct {
			cat string
			n   int
		}
		var sorted []catCount
		for cat, n := range blockers {
			sorted = append(sorted, catCount{cat, n})
		}
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].n != sorted[j].n {
				return sorted[i].n > sorted[j].n
			}
			return sorted[i].cat < sorted[j].cat
		})
		for _, cc := range sorted {
			fmt.Fprintf(&b, "- %s: %d\n", cc.cat, cc.n)
		}
	}

	if len(w.written) > 0 {
		b.WriteString("\n## GO opportunities\n\n")
		anyGo := false
		for _, rec := range w.written {
			if rec.FinalDecision == opportunity.DecisionGo {
				fmt.Fprintf(&b, "- %s — %s\n", rec.Opportunity.ID, rec.Opportunity.Title)
				anyGo = true
			}
		}
		if !anyGo {
			b.WriteString("none\n")
		}
	}

	path := filepath.Join(w.dir, "summary.md")
	return writeFileSync(path, []byte(b.String()))
}

// Close flushes and closes the CSV and the run log.
func (w *Writer) Close() error {
	w.csvW.Flush()
	var firstErr error
	if err := w.csvW.Error(); err != nil {
		firstErr = err
	}
	if err := w.csvFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// writeFileSync writes atomically: temp file, sync, rename.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}
