package orchestrator

import (
	"path/filepath"
	"time"

	"github.com/adverant/nexus/checkextract-worker/internal/extractor"
	"github.com/adverant/nexus/checkextract-worker/internal/fusion"
)

// SummaryFile is the job-level summary written after extraction.
const SummaryFile = "extraction_summary.json"

// SummaryCheck is one check in the job summary.
type SummaryCheck struct {
	CheckID     string                   `json:"check_id"`
	Page        int                      `json:"page"`
	ImageFile   string                   `json:"image_file"`
	Extraction  *fusion.HybridExtraction `json:"extraction,omitempty"`
	MethodsUsed []string                 `json:"methods_used,omitempty"`
}

// Summary is the job-level view over every check's latest hybrid record.
type Summary struct {
	SourceFile  string         `json:"source_file"`
	DocFormat   string         `json:"doc_format"`
	TotalPages  int            `json:"total_pages"`
	TotalChecks int            `json:"total_checks"`
	Engines     []string       `json:"engines"`
	Checks      []SummaryCheck `json:"checks"`
	Timestamp   time.Time      `json:"timestamp"`
}

// BuildSummary collects the stored hybrid record of every manifest entry.
// Checks never extracted appear without an extraction.
func BuildSummary(jobDir string, m *extractor.Manifest, engineNames []string) *Summary {
	s := &Summary{
		SourceFile:  m.SourceFile,
		DocFormat:   m.DocFormat,
		TotalPages:  m.TotalPages,
		TotalChecks: len(m.Entries),
		Engines:     engineNames,
		Checks:      make([]SummaryCheck, 0, len(m.Entries)),
		Timestamp:   time.Now().UTC(),
	}
	for _, e := range m.Entries {
		c := SummaryCheck{CheckID: e.CheckID, Page: e.PageNumber, ImageFile: e.ImageFile}
		if rec, err := ReadRecord(jobDir, e.CheckID); err == nil {
			c.Extraction = rec.Extraction
			c.MethodsUsed = rec.MethodsUsed
		}
		s.Checks = append(s.Checks, c)
	}
	return s
}

// WriteSummary builds the summary and stores it as extraction_summary.json.
func WriteSummary(jobDir string, m *extractor.Manifest, engineNames []string) (*Summary, error) {
	s := BuildSummary(jobDir, m, engineNames)
	if err := writeJSON(filepath.Join(jobDir, SummaryFile), s); err != nil {
		return nil, err
	}
	return s, nil
}
