package engines

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adverant/nexus/checkextract-worker/internal/errors"
)

type fakeEngine struct {
	name string
	fn   func(ctx context.Context) (Fields, string, error)
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Extract(ctx context.Context, png []byte) (Fields, string, error) {
	return f.fn(ctx)
}

func TestCallSuccess(t *testing.T) {
	e := &fakeEngine{name: "fake", fn: func(context.Context) (Fields, string, error) {
		return Fields{Payee: str("Jane")}, "raw text", nil
	}}

	r := Call(context.Background(), e, nil, time.Second)
	assert.False(t, r.Failed())
	assert.Equal(t, "fake", r.Source)
	assert.Equal(t, "Jane", deref(r.Fields.Payee))
	assert.Equal(t, "raw text", r.Raw)
}

func TestCallFoldsFailures(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(ctx context.Context) (Fields, string, error)
		timeout time.Duration
		want    string
	}{
		{
			name: "error",
			fn: func(context.Context) (Fields, string, error) {
				return Fields{Payee: str("ignored")}, "", fmt.Errorf("connection refused")
			},
			timeout: time.Second,
			want:    "connection refused",
		},
		{
			name:    "panic",
			fn:      func(context.Context) (Fields, string, error) { panic("bad index") },
			timeout: time.Second,
			want:    "engine panic: bad index",
		},
		{
			name: "timeout",
			fn: func(ctx context.Context) (Fields, string, error) {
				select {
				case <-ctx.Done():
				case <-time.After(5 * time.Second):
				}
				return Fields{Payee: str("late")}, "", nil
			},
			timeout: 50 * time.Millisecond,
			want:    "timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Call(context.Background(), &fakeEngine{name: "fake", fn: tt.fn}, nil, tt.timeout)
			assert.True(t, r.Failed())
			assert.Contains(t, r.Error, tt.want)
			assert.Equal(t, Fields{}, r.Fields)
			assert.Equal(t, "fake", r.Source)
		})
	}
}

type fakeGenerator struct{ text string }

func (g fakeGenerator) Generate(context.Context, []byte, string) (string, error) {
	return g.text, nil
}

func TestGeminiEngine(t *testing.T) {
	e := NewGeminiEngine(fakeGenerator{text: "```json\n{\"payee\": \"Acme\", \"amount\": \"99.10\"}\n```"})
	assert.Equal(t, NameGemini, e.Name())

	f, raw, err := e.Extract(context.Background(), []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "Acme", deref(f.Payee))
	assert.Equal(t, "99.10", deref(f.Amount))
	assert.Contains(t, raw, "Acme")

	_, _, err = NewGeminiEngine(fakeGenerator{text: "no json here"}).Extract(context.Background(), nil)
	assert.Error(t, err)
}

// keyLog records the API keys a test server saw, in order.
type keyLog struct {
	mu   sync.Mutex
	keys []string
}

func (l *keyLog) add(k string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, k)
}

func (l *keyLog) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

func geminiServer(t *testing.T, status map[string]int, hits *int32) *httptest.Server {
	return loggingGeminiServer(t, status, hits, &keyLog{})
}

func loggingGeminiServer(t *testing.T, status map[string]int, hits *int32, log *keyLog) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		log.add(r.URL.Query().Get("key"))
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			http.NotFound(w, r)
			return
		}

		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Contents) != 1 || len(req.Contents[0].Parts) != 2 || req.Contents[0].Parts[0].InlineData == nil {
			http.Error(w, "malformed contents", http.StatusBadRequest)
			return
		}

		if code := status[r.URL.Query().Get("key")]; code != 0 && code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"payee\":\"Jane\"}"}]}}]}`))
	}))
}

func newTestGenerator(url string, keys ...string) *RESTGenerator {
	g := NewRESTGenerator("gemini-2.0-flash", NewKeyRing(keys), 1000)
	g.Endpoint = url
	g.RateLimitBackoff = 0
	g.ErrorBackoff = 0
	return g
}

func TestRESTGeneratorRotatesPastRateLimit(t *testing.T) {
	var hits int32
	srv := geminiServer(t, map[string]int{"bad-key-000001": http.StatusTooManyRequests}, &hits)
	defer srv.Close()

	g := newTestGenerator(srv.URL, "bad-key-000001", "good-key-000002")
	text, err := g.Generate(context.Background(), []byte("png"), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"payee":"Jane"}`, text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestRESTGeneratorExhaustsKeys(t *testing.T) {
	var hits int32
	srv := geminiServer(t, map[string]int{
		"bad-key-000001": http.StatusTooManyRequests,
		"bad-key-000002": http.StatusForbidden,
	}, &hits)
	defer srv.Close()

	g := newTestGenerator(srv.URL, "bad-key-000001", "bad-key-000002")
	_, err := g.Generate(context.Background(), []byte("png"), "prompt")
	require.Error(t, err)

	var perr *apperrors.ProcessingError
	require.True(t, stderrors.As(err, &perr))
	assert.Equal(t, apperrors.ErrorCredentialsExhausted, perr.Code)
	assert.Contains(t, err.Error(), "All keys failed. Last: 403 for key ...000002")
	assert.NotContains(t, err.Error(), "bad-key-000002")
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestRESTGeneratorServerErrorThenSuccess(t *testing.T) {
	var hits int32
	srv := geminiServer(t, map[string]int{"flaky-key-01": http.StatusInternalServerError}, &hits)
	defer srv.Close()

	g := newTestGenerator(srv.URL, "flaky-key-01", "good-key-02")
	_, err := g.Generate(context.Background(), []byte("png"), "prompt")
	require.NoError(t, err)
}

func TestRESTGeneratorWithoutKeys(t *testing.T) {
	_, err := NewRESTGenerator("m", nil, 1).Generate(context.Background(), nil, "p")
	assert.Error(t, err)

	_, err = NewRESTGenerator("m", NewKeyRing(nil), 1).Generate(context.Background(), nil, "p")
	assert.Error(t, err)
}

func TestRESTGeneratorAdvancesKeyPerCall(t *testing.T) {
	var hits int32
	log := &keyLog{}
	srv := loggingGeminiServer(t, nil, &hits, log)
	defer srv.Close()

	g := newTestGenerator(srv.URL, "key-one-000001", "key-two-000002", "key-three-0003")
	for i := 0; i < 4; i++ {
		_, err := g.Generate(context.Background(), []byte("png"), "prompt")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"key-one-000001", "key-two-000002", "key-three-0003", "key-one-000001"}, log.seen())
}

func TestRESTGeneratorRotationIgnoresPriorOutcome(t *testing.T) {
	var hits int32
	log := &keyLog{}
	srv := loggingGeminiServer(t, map[string]int{"limited-000001": http.StatusTooManyRequests}, &hits, log)
	defer srv.Close()

	ring := NewKeyRing([]string{"limited-000001", "good-key-00002"})
	g := NewRESTGenerator("gemini-2.0-flash", ring, 1000)
	g.Endpoint = srv.URL
	g.RateLimitBackoff = 0
	g.ErrorBackoff = 0

	// first call: key 1 is rate limited, key 2 answers
	_, err := g.Generate(context.Background(), []byte("png"), "prompt")
	require.NoError(t, err)
	assert.Equal(t, []string{"limited-000001", "good-key-00002"}, log.seen())

	// the next call starts where the ring stands, at key 1 again
	_, err = g.Generate(context.Background(), []byte("png"), "prompt")
	require.NoError(t, err)
	assert.Equal(t, []string{"limited-000001", "good-key-00002", "limited-000001", "good-key-00002"}, log.seen())

	// the caller owns the ring and sees the same rotation state
	assert.Equal(t, "limited-000001", ring.Next())
}

type fakeQuerier struct {
	calls int32
	out   []interface{}
	err   error
}

func (q *fakeQuerier) Query(context.Context, []byte, float64) ([]interface{}, error) {
	atomic.AddInt32(&q.calls, 1)
	return q.out, q.err
}

func TestVLMEngineParsesAnswer(t *testing.T) {
	q := &fakeQuerier{out: []interface{}{"thinking", "<think>x</think><answer>Date: 01/02/2024\nAmount: $50.00</answer>"}}
	e := NewVLMEngine(q, 0.4)
	assert.Equal(t, NameNuMarkdown, e.Name())

	f, raw, err := e.Extract(context.Background(), []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "01/02/2024", deref(f.CheckDate))
	assert.Equal(t, "50.00", deref(f.Amount))
	assert.Equal(t, "Date: 01/02/2024\nAmount: $50.00", raw)
}

func TestVLMEngineEmptyOutput(t *testing.T) {
	_, _, err := NewVLMEngine(&fakeQuerier{out: []interface{}{}}, 0.4).Extract(context.Background(), nil)
	assert.Error(t, err)
}

func TestVLMEngineBreakerOpens(t *testing.T) {
	q := &fakeQuerier{err: fmt.Errorf("503 from upstream")}
	e := NewVLMEngine(q, 0.4)

	for i := 0; i < 5; i++ {
		_, _, err := e.Extract(context.Background(), nil)
		require.Error(t, err)
	}

	_, _, err := e.Extract(context.Background(), nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), atomic.LoadInt32(&q.calls))
}
