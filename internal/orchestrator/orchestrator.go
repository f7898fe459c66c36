/**
 * Extraction orchestration
 *
 * Checks are processed one at a time in manifest order. For each check every
 * selected engine runs concurrently under its own timeout, all results are
 * awaited, then fused. Engine failures never stop a run; a failure to write
 * results or a cancelled context does, and nothing is recorded for a check
 * whose engines ran under a cancelled context.
 */

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/checkextract-worker/internal/engines"
	"github.com/adverant/nexus/checkextract-worker/internal/extractor"
	"github.com/adverant/nexus/checkextract-worker/internal/fusion"
	"github.com/adverant/nexus/checkextract-worker/internal/logging"
	"github.com/adverant/nexus/checkextract-worker/internal/metrics"
)

// ResultsDir holds per-check engine and hybrid JSON inside a job directory.
const ResultsDir = "ocr_results"

// HybridFile is the fused record's file name inside a check's result directory.
const HybridFile = "hybrid.json"

// Event is one progress notification.
type Event struct {
	Event         string           `json:"event"`
	JobID         string           `json:"job_id"`
	CheckID       string           `json:"check_id,omitempty"`
	Page          int              `json:"page,omitempty"`
	Index         int              `json:"index"`
	Total         int              `json:"total"`
	Payee         string           `json:"payee,omitempty"`
	EngineTimesMs map[string]int64 `json:"engine_times_ms,omitempty"`
	Engines       []string         `json:"engines,omitempty"`
	HasError      bool             `json:"has_error,omitempty"`
	Skipped       int              `json:"skipped,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Progress receives events. Delivery is best effort.
type Progress interface {
	Publish(ctx context.Context, ev Event) error
}

// RecordSink persists fused records, e.g. to a database. It may annotate
// the record before it is written to disk.
type RecordSink interface {
	RecordCheck(ctx context.Context, jobID string, rec *fusion.CheckRecord) error
}

// Options configures an Orchestrator.
type Options struct {
	EngineTimeout time.Duration
	Progress      Progress
	Sink          RecordSink
}

// Orchestrator runs engines over a job's manifest.
type Orchestrator struct {
	engines map[string]engines.Engine
	store   extractor.ImageStore
	opts    Options
	logger  *logging.Logger
}

// New creates an orchestrator over the enabled engines.
func New(enabled []engines.Engine, store extractor.ImageStore, opts Options) *Orchestrator {
	byName := make(map[string]engines.Engine, len(enabled))
	for _, e := range enabled {
		byName[e.Name()] = e
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = 90 * time.Second
	}
	return &Orchestrator{
		engines: byName,
		store:   store,
		opts:    opts,
		logger:  logging.NewLogger("Orchestrator"),
	}
}

// Available reports the enabled engine names.
func (o *Orchestrator) Available() map[string]bool {
	out := make(map[string]bool, len(o.engines))
	for name := range o.engines {
		out[name] = true
	}
	return out
}

// RunResult summarises one orchestration run.
type RunResult struct {
	Engines   []string              `json:"engines"`
	Selected  int                   `json:"selected"`
	Skipped   int                   `json:"skipped"`
	Processed int                   `json:"processed"`
	Failed    int                   `json:"failed"`
	Records   []*fusion.CheckRecord `json:"-"`
}

// Run extracts fields for the checks of m selected by req and writes
// results under jobDir.
func (o *Orchestrator) Run(ctx context.Context, jobDir string, m *extractor.Manifest, req Request) (*RunResult, error) {
	names := ResolveMethods(req.Methods, o.Available())
	res := &RunResult{Engines: names}
	if len(names) == 0 {
		return res, fmt.Errorf("no enabled engine matches methods %v", req.Methods)
	}

	entries := SelectEntries(m.Entries, req)
	res.Selected = len(entries)

	if !req.Force {
		kept := entries[:0]
		for _, e := range entries {
			if prev, err := ReadRecord(jobDir, e.CheckID); err == nil && prev.Extraction != nil && covers(prev.MethodsUsed, names) {
				continue
			}
			kept = append(kept, e)
		}
		res.Skipped = len(entries) - len(kept)
		entries = kept
	}

	total := len(entries)
	o.logger.Info("Starting extraction", "jobId", m.JobID, "checks", total, "skipped", res.Skipped, "engines", names)
	o.publish(ctx, Event{Event: "start", JobID: m.JobID, Total: total, Engines: names, Skipped: res.Skipped})

	for idx, entry := range entries {
		if err := ctx.Err(); err != nil {
			o.logger.Warn("Extraction interrupted", "jobId", m.JobID, "processed", res.Processed, "remaining", total-idx, "error", err)
			return res, fmt.Errorf("extraction interrupted before %s: %w", entry.CheckID, err)
		}
		o.publish(ctx, Event{Event: "check_start", JobID: m.JobID, CheckID: entry.CheckID, Page: entry.PageNumber, Index: idx, Total: total})

		rec, err := o.processCheck(ctx, jobDir, m.JobID, entry, names)
		if err != nil {
			return res, err
		}
		res.Processed++
		if rec.HasError() {
			res.Failed++
		}
		res.Records = append(res.Records, rec)

		payee := "?"
		if v := rec.Extraction.Payee.Value; v != nil {
			payee = *v
		}
		o.logger.Info("Check extracted", "jobId", m.JobID, "checkId", entry.CheckID,
			"index", idx+1, "total", total, "payee", payee, "engineTimesMs", rec.EngineTimesMs)

		o.publish(ctx, Event{
			Event:         "check_done",
			JobID:         m.JobID,
			CheckID:       entry.CheckID,
			Page:          entry.PageNumber,
			Index:         idx,
			Total:         total,
			Payee:         payee,
			EngineTimesMs: rec.EngineTimesMs,
			Engines:       names,
			HasError:      rec.HasError(),
		})
	}

	o.publish(ctx, Event{Event: "complete", JobID: m.JobID, Index: total, Total: total, Engines: names, Skipped: res.Skipped})
	return res, nil
}

func (o *Orchestrator) processCheck(ctx context.Context, jobDir, jobID string, entry extractor.Entry, names []string) (*fusion.CheckRecord, error) {
	results := make([]*engines.Result, len(names))

	png, loadErr := o.store.Load(ctx, entry.ImageFile)
	if loadErr != nil {
		o.logger.Warn("Failed to load check image", "checkId", entry.CheckID, "ref", entry.ImageFile, "error", loadErr)
		for i, name := range names {
			results[i] = engines.Empty(name, fmt.Errorf("failed to load image: %w", loadErr), 0)
		}
	} else {
		var g errgroup.Group
		for i, name := range names {
			eng := o.engines[name]
			g.Go(func() error {
				results[i] = engines.Call(ctx, eng, png, o.opts.EngineTimeout)
				return nil
			})
		}
		_ = g.Wait()
	}

	// results gathered under a dead context are cancellation sentinels, not
	// engine answers; recording them would mark the check as extracted
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extraction of %s interrupted: %w", entry.CheckID, err)
	}

	rec := fusion.NewCheckRecord(entry.CheckID, entry.PageNumber, entry.ImageFile, names, results)
	metrics.ChecksProcessed.WithLabelValues(rec.Outcome()).Inc()

	if o.opts.Sink != nil {
		if err := o.opts.Sink.RecordCheck(ctx, jobID, rec); err != nil {
			o.logger.Warn("Failed to persist check record", "checkId", entry.CheckID, "error", err)
		}
	}

	dir := filepath.Join(jobDir, ResultsDir, entry.CheckID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	for _, r := range results {
		if err := writeJSON(filepath.Join(dir, r.Source+".json"), r); err != nil {
			return nil, err
		}
	}
	if err := writeJSON(filepath.Join(dir, HybridFile), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (o *Orchestrator) publish(ctx context.Context, ev Event) {
	if o.opts.Progress == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	if err := o.opts.Progress.Publish(ctx, ev); err != nil {
		o.logger.Debug("Progress publish failed", "event", ev.Event, "error", err)
	}
}

// ReadRecord loads a check's hybrid.json from a job directory.
func ReadRecord(jobDir, checkID string) (*fusion.CheckRecord, error) {
	data, err := os.ReadFile(filepath.Join(jobDir, ResultsDir, checkID, HybridFile))
	if err != nil {
		return nil, err
	}
	var rec fusion.CheckRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse %s record: %w", checkID, err)
	}
	return &rec, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
