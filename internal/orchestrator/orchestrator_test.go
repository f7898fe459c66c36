package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/checkextract-worker/internal/engines"
	"github.com/adverant/nexus/checkextract-worker/internal/extractor"
	"github.com/adverant/nexus/checkextract-worker/internal/fusion"
)

func sp(s string) *string { return &s }

type stubEngine struct {
	name   string
	fields engines.Fields
	err    error
	before func()
	calls  int32
}

func (s *stubEngine) Name() string { return s.name }

func (s *stubEngine) Extract(ctx context.Context, png []byte) (engines.Fields, string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.before != nil {
		s.before()
	}
	return s.fields, string(png), s.err
}

type recordingProgress struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingProgress) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingProgress) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Event
	}
	return out
}

type markingSink struct {
	seen []string
}

func (s *markingSink) RecordCheck(_ context.Context, _ string, rec *fusion.CheckRecord) error {
	s.seen = append(s.seen, rec.CheckID)
	if rec.CheckID == "check_0002" {
		rec.PossibleDuplicateOf = "other-job/check_0009"
	}
	return errors.New("database unavailable")
}

func setup(t *testing.T, n int) (string, *extractor.FileStore, *extractor.Manifest) {
	t.Helper()
	root := t.TempDir()
	store := extractor.NewFileStore(root)
	m := &extractor.Manifest{JobID: "job", DocFormat: "Contour/Bordered", TotalPages: 2}
	for i := 1; i <= n; i++ {
		cid := extractor.CheckID(i)
		ref, err := store.Save(context.Background(), "job", "images/"+cid+".png", []byte("img-"+cid))
		require.NoError(t, err)
		m.Entries = append(m.Entries, extractor.Entry{CheckID: cid, ImageFile: ref, PageNumber: (i + 1) / 2})
	}
	return store.JobDir("job"), store, m
}

func threeEngines() []*stubEngine {
	return []*stubEngine{
		{name: engines.NameTesseract, fields: engines.Fields{Amount: sp("1,250.00"), CheckNumber: sp("1024")}},
		{name: engines.NameNuMarkdown, fields: engines.Fields{Payee: sp("John Smith"), Amount: sp("1250.00"), CheckNumber: sp("1024")}},
		{name: engines.NameGemini, fields: engines.Fields{Payee: sp("John Smith"), Amount: sp("1250.00"), CheckNumber: sp("1029")}},
	}
}

func asEngines(stubs []*stubEngine) []engines.Engine {
	out := make([]engines.Engine, len(stubs))
	for i, s := range stubs {
		out[i] = s
	}
	return out
}

func TestRunWritesResultsAndProgress(t *testing.T) {
	jobDir, store, m := setup(t, 3)
	progress := &recordingProgress{}
	sink := &markingSink{}
	o := New(asEngines(threeEngines()), store, Options{EngineTimeout: time.Second, Progress: progress, Sink: sink})

	res, err := o.Run(context.Background(), jobDir, m, Request{Methods: []string{"hybrid"}})
	require.NoError(t, err)

	assert.Equal(t, []string{engines.NameTesseract, engines.NameNuMarkdown, engines.NameGemini}, res.Engines)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, []string{"check_0001", "check_0002", "check_0003"}, sink.seen)
	assert.Equal(t, []string{
		"start",
		"check_start", "check_done",
		"check_start", "check_done",
		"check_start", "check_done",
		"complete",
	}, progress.names())

	done := progress.events[2]
	assert.Equal(t, "check_0001", done.CheckID)
	assert.Equal(t, "John Smith", done.Payee)
	assert.Len(t, done.EngineTimesMs, 3)

	for _, name := range append(res.Engines, "hybrid") {
		_, err := os.Stat(filepath.Join(jobDir, ResultsDir, "check_0001", name+".json"))
		assert.NoError(t, err, name)
	}

	rec, err := ReadRecord(jobDir, "check_0002")
	require.NoError(t, err)
	assert.Equal(t, "other-job/check_0009", rec.PossibleDuplicateOf)
	assert.Equal(t, res.Engines, rec.MethodsUsed)
	assert.Equal(t, 0.97, rec.Extraction.Payee.Confidence)
	assert.Equal(t, engines.NameGemini, rec.Extraction.Payee.Source)
	assert.Equal(t, fusion.SourceHybrid, rec.Extraction.Amount.Source)
	assert.Equal(t, "1024", *rec.Extraction.CheckNumber.Value)
	assert.Equal(t, 0.90, rec.Extraction.CheckNumber.Confidence)
}

func TestRunIsolatesEngineFailures(t *testing.T) {
	jobDir, store, m := setup(t, 1)
	stubs := threeEngines()
	stubs[0].err = errors.New("tesseract OCR failed")
	stubs[2].before = func() { panic("nil candidate") }

	res, err := New(asEngines(stubs), store, Options{EngineTimeout: time.Second}).Run(context.Background(), jobDir, m, Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	rec := res.Records[0]
	assert.Contains(t, rec.Errors[engines.NameTesseract], "tesseract OCR failed")
	assert.Contains(t, rec.Errors[engines.NameGemini], "engine panic")
	assert.Equal(t, engines.NameNuMarkdown, rec.Extraction.Payee.Source)
	assert.Equal(t, 0.80, rec.Extraction.Payee.Confidence)
	assert.Equal(t, fusion.ConfidenceSingle, rec.Extraction.Amount.Confidence)
}

func TestRunFansOutEnginesPerCheck(t *testing.T) {
	jobDir, store, m := setup(t, 2)
	stubs := threeEngines()

	var inFlight, peak int32
	for _, s := range stubs {
		s.before = func() {
			n := atomic.AddInt32(&inFlight, 1)
			defer atomic.AddInt32(&inFlight, -1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	}

	res, err := New(asEngines(stubs), store, Options{EngineTimeout: 5 * time.Second}).Run(context.Background(), jobDir, m, Request{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed)
	// All engines of one check overlap; checks never do.
	assert.Equal(t, int32(3), atomic.LoadInt32(&peak))
}

func TestRunSkipsAlreadyExtracted(t *testing.T) {
	jobDir, store, m := setup(t, 2)
	stubs := threeEngines()
	o := New(asEngines(stubs), store, Options{EngineTimeout: time.Second})

	_, err := o.Run(context.Background(), jobDir, m, Request{Methods: []string{"ai", "ocr"}})
	require.NoError(t, err)

	res, err := o.Run(context.Background(), jobDir, m, Request{Methods: []string{"gemini"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Processed)

	res, err = o.Run(context.Background(), jobDir, m, Request{Methods: []string{"vlm"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 2, res.Processed)

	res, err = o.Run(context.Background(), jobDir, m, Request{Methods: []string{"gemini"}, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	assert.Equal(t, int32(2), atomic.LoadInt32(&stubs[0].calls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&stubs[1].calls))
	assert.Equal(t, int32(4), atomic.LoadInt32(&stubs[2].calls))
}

func TestRunMissingImage(t *testing.T) {
	jobDir, store, m := setup(t, 1)
	m.Entries[0].ImageFile = filepath.Join(jobDir, "images", "gone.png")

	res, err := New(asEngines(threeEngines()), store, Options{}).Run(context.Background(), jobDir, m, Request{})
	require.NoError(t, err)

	rec := res.Records[0]
	assert.Len(t, rec.Errors, 3)
	assert.Empty(t, rec.Extraction.Contributors)
	assert.Equal(t, fusion.SourceNone, rec.Extraction.Payee.Source)
	assert.Equal(t, "empty", rec.Outcome())
}

func TestRunWithoutMatchingEngine(t *testing.T) {
	jobDir, store, m := setup(t, 1)
	stubs := threeEngines()[:1]

	_, err := New(asEngines(stubs), store, Options{}).Run(context.Background(), jobDir, m, Request{Methods: []string{"gemini"}})
	assert.Error(t, err)
}

func TestWriteSummary(t *testing.T) {
	jobDir, store, m := setup(t, 3)
	o := New(asEngines(threeEngines()), store, Options{})

	_, err := o.Run(context.Background(), jobDir, m, Request{ChequeRange: &Range{From: 2, To: 2}})
	require.NoError(t, err)

	s, err := WriteSummary(jobDir, m, []string{engines.NameTesseract, engines.NameNuMarkdown, engines.NameGemini})
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalChecks)
	assert.Nil(t, s.Checks[0].Extraction)
	require.NotNil(t, s.Checks[1].Extraction)
	assert.Equal(t, "John Smith", *s.Checks[1].Extraction.Payee.Value)
	assert.Nil(t, s.Checks[2].Extraction)

	_, err = os.Stat(filepath.Join(jobDir, SummaryFile))
	assert.NoError(t, err)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	jobDir, store, m := setup(t, 4)
	stubs := threeEngines()
	sink := &markingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var geminiCalls int32
	stubs[2].before = func() {
		// cancel while the engines of the second check are running
		if atomic.AddInt32(&geminiCalls, 1) == 2 {
			cancel()
		}
	}

	o := New(asEngines(stubs), store, Options{EngineTimeout: time.Second, Sink: sink})
	res, err := o.Run(ctx, jobDir, m, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{"check_0001"}, sink.seen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&geminiCalls))

	_, err = ReadRecord(jobDir, "check_0002")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(jobDir, ResultsDir, "check_0002"))
	assert.True(t, os.IsNotExist(err))

	stubs[2].before = nil
	res, err = o.Run(context.Background(), jobDir, m, Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 0, res.Failed)
}
