package orchestrator

import (
	"strings"

	"github.com/adverant/nexus/checkextract-worker/internal/engines"
	"github.com/adverant/nexus/checkextract-worker/internal/extractor"
)

// Range is an inclusive 1-indexed interval. Zero bounds are open.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Request selects which engines run on which checks.
type Request struct {
	Methods     []string `json:"methods"`
	ChequeRange *Range   `json:"cheque_range,omitempty"`
	PageRange   *Range   `json:"page_range,omitempty"`
	Force       bool     `json:"force"`
}

var methodAliases = map[string][]string{
	"":           {engines.NameTesseract, engines.NameNuMarkdown, engines.NameGemini},
	"all":        {engines.NameTesseract, engines.NameNuMarkdown, engines.NameGemini},
	"hybrid":     {engines.NameTesseract, engines.NameNuMarkdown, engines.NameGemini},
	"ocr":        {engines.NameTesseract},
	"tesseract":  {engines.NameTesseract},
	"numarkdown": {engines.NameNuMarkdown},
	"vlm":        {engines.NameNuMarkdown},
	"ai":         {engines.NameGemini},
	"gemini":     {engines.NameGemini},
}

// engineOrder is the order engines are listed in output and progress events.
var engineOrder = []string{engines.NameTesseract, engines.NameNuMarkdown, engines.NameGemini}

// ResolveMethods expands method aliases into engine names, keeping only
// engines in available. Unknown methods are ignored.
func ResolveMethods(methods []string, available map[string]bool) []string {
	if len(methods) == 0 {
		methods = []string{"all"}
	}

	want := map[string]bool{}
	for _, m := range methods {
		for _, name := range methodAliases[strings.ToLower(strings.TrimSpace(m))] {
			want[name] = true
		}
	}

	out := []string{}
	for _, name := range engineOrder {
		if want[name] && available[name] {
			out = append(out, name)
		}
	}
	return out
}

// SelectEntries applies the check range or, failing that, the page range.
// The check range is positional over the manifest and wins when both are set.
func SelectEntries(entries []extractor.Entry, req Request) []extractor.Entry {
	if r := req.ChequeRange; r != nil {
		from := max(1, r.From)
		to := len(entries)
		if r.To > 0 {
			to = min(to, r.To)
		}
		if from > to {
			return []extractor.Entry{}
		}
		return append([]extractor.Entry(nil), entries[from-1:to]...)
	}

	if r := req.PageRange; r != nil {
		out := []extractor.Entry{}
		for _, e := range entries {
			if e.PageNumber >= r.From && (r.To <= 0 || e.PageNumber <= r.To) {
				out = append(out, e)
			}
		}
		return out
	}

	return append([]extractor.Entry(nil), entries...)
}

// covers reports whether existing includes every engine in requested.
func covers(existing, requested []string) bool {
	have := make(map[string]bool, len(existing))
	for _, m := range existing {
		have[m] = true
	}
	for _, m := range requested {
		if !have[m] {
			return false
		}
	}
	return true
}
