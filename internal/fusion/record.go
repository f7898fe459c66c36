package fusion

import (
	"time"

	"github.com/adverant/nexus/checkextract-worker/internal/engines"
)

// CheckRecord is the per-check output written as hybrid.json.
type CheckRecord struct {
	CheckID       string            `json:"check_id"`
	Page          int               `json:"page"`
	ImageFile     string            `json:"image_file"`
	Timestamp     time.Time         `json:"timestamp"`
	Extraction    *HybridExtraction `json:"extraction"`
	MethodsUsed   []string          `json:"methods_used"`
	EngineTimesMs map[string]int64  `json:"engine_times_ms"`
	Errors        map[string]string `json:"errors,omitempty"`

	// PossibleDuplicateOf names an earlier check with a near-identical fingerprint.
	PossibleDuplicateOf string `json:"possible_duplicate_of,omitempty"`
}

// NewCheckRecord builds a record from the engine results of one check.
func NewCheckRecord(checkID string, page int, imageFile string, methods []string, results []*engines.Result) *CheckRecord {
	h := Merge(results)
	rec := &CheckRecord{
		CheckID:       checkID,
		Page:          page,
		ImageFile:     imageFile,
		Timestamp:     time.Now().UTC(),
		Extraction:    h,
		MethodsUsed:   append([]string(nil), methods...),
		EngineTimesMs: h.EngineTimesMs,
	}
	for _, r := range results {
		if r != nil && r.Failed() {
			if rec.Errors == nil {
				rec.Errors = map[string]string{}
			}
			rec.Errors[r.Source] = r.Error
		}
	}
	return rec
}

// HasError reports whether any engine failed for this check.
func (r *CheckRecord) HasError() bool {
	return len(r.Errors) > 0
}

// Outcome classifies the record for metrics: ok, partial or empty.
func (r *CheckRecord) Outcome() string {
	switch {
	case len(r.Extraction.Contributors) == 0:
		return "empty"
	case r.HasError():
		return "partial"
	}
	return "ok"
}
