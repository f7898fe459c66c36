/**
 * OCR engine adapters
 *
 * Every engine turns one check image into the same structured field set.
 * Adapters may fail however they like internally; Call folds every failure
 * (error, panic, timeout) into an empty result carrying the error text, so
 * orchestration never sees an engine error.
 */

package engines

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/checkextract-worker/internal/metrics"
)

// Engine names as they appear in results and on disk.
const (
	NameTesseract  = "tesseract"
	NameNuMarkdown = "numarkdown"
	NameGemini     = "gemini"
)

// Preference is the fixed tie-break order, most trusted first.
var Preference = []string{NameGemini, NameNuMarkdown, NameTesseract}

// MICR holds the magnetic-ink line fields.
type MICR struct {
	Routing *string `json:"routing"`
	Account *string `json:"account"`
	Serial  *string `json:"serial"`
}

// Fields is the structured content of one check. nil means not found.
type Fields struct {
	Payee         *string `json:"payee"`
	Amount        *string `json:"amount"`
	AmountWritten *string `json:"amountWritten"`
	CheckDate     *string `json:"checkDate"`
	CheckNumber   *string `json:"checkNumber"`
	BankName      *string `json:"bankName"`
	Memo          *string `json:"memo"`
	MICR          MICR    `json:"micr"`
}

// SimpleFields lists the top-level fields other than payee, in output order.
var SimpleFields = []string{"amount", "amountWritten", "checkDate", "checkNumber", "bankName", "memo"}

// MICRFields lists the MICR sub-fields in output order.
var MICRFields = []string{"routing", "account", "serial"}

// Get returns a top-level field by its JSON name.
func (f *Fields) Get(name string) *string {
	switch name {
	case "payee":
		return f.Payee
	case "amount":
		return f.Amount
	case "amountWritten":
		return f.AmountWritten
	case "checkDate":
		return f.CheckDate
	case "checkNumber":
		return f.CheckNumber
	case "bankName":
		return f.BankName
	case "memo":
		return f.Memo
	}
	return nil
}

// GetMICR returns a MICR sub-field by its JSON name.
func (f *Fields) GetMICR(name string) *string {
	switch name {
	case "routing":
		return f.MICR.Routing
	case "account":
		return f.MICR.Account
	case "serial":
		return f.MICR.Serial
	}
	return nil
}

// Result is one engine's output for one check.
type Result struct {
	Source           string `json:"source"`
	Fields           Fields `json:"fields"`
	Raw              string `json:"raw,omitempty"`
	Error            string `json:"error,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// Failed reports whether the engine call failed.
func (r *Result) Failed() bool {
	return r.Error != ""
}

// Empty is the all-null result returned for a failed call.
func Empty(source string, err error, elapsed time.Duration) *Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Result{Source: source, Error: msg, ProcessingTimeMs: elapsed.Milliseconds()}
}

// Engine extracts fields from a PNG-encoded check image.
type Engine interface {
	Name() string
	Extract(ctx context.Context, png []byte) (Fields, string, error)
}

type outcome struct {
	fields Fields
	raw    string
	err    error
}

// Call runs e under timeout and never fails: errors, panics and timeouts
// all come back as Empty results.
func Call(ctx context.Context, e Engine, png []byte, timeout time.Duration) *Result {
	start := time.Now()
	name := e.Name()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		fields, raw, err := e.Extract(ctx, png)
		done <- outcome{fields: fields, raw: raw, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: fmt.Errorf("%s timed out after %v: %w", name, time.Since(start).Round(time.Millisecond), ctx.Err())}
	}

	elapsed := time.Since(start)
	if out.err != nil {
		metrics.EngineLatency.WithLabelValues(name, "error").Observe(elapsed.Seconds())
		return Empty(name, out.err, elapsed)
	}

	metrics.EngineLatency.WithLabelValues(name, "ok").Observe(elapsed.Seconds())
	return &Result{
		Source:           name,
		Fields:           out.fields,
		Raw:              out.raw,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
}

// str returns a pointer to s, or nil when s is blank.
func str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
