package engines

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/adverant/nexus/checkextract-worker/internal/errors"
	"github.com/adverant/nexus/checkextract-worker/internal/logging"
	"github.com/adverant/nexus/checkextract-worker/internal/metrics"
)

const geminiPrompt = `Read this bank check image and extract every field listed below.
The payee is usually HANDWRITTEN on the line after "PAY TO THE ORDER OF"; read it carefully.

Return ONLY a JSON object with exactly these keys:
{
  "payee": "name of the person or company the check is made out to",
  "amount": "numeric dollar amount, e.g. 1200.00",
  "amountWritten": "amount written in words, e.g. Twelve hundred",
  "checkDate": "check date as MM/DD/YYYY",
  "checkNumber": "check number, usually 4-6 digits at the top right",
  "bankName": "name of the bank",
  "memo": "memo line text, or null",
  "micr_routing": "9-digit routing number from the MICR line",
  "micr_account": "account number from the MICR line",
  "micr_serial": "serial or check number from the MICR line"
}

Never return "THE ORDER OF" as the payee.`

// DefaultGeminiEndpoint is the public generative language API.
const DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// Generator sends one image plus prompt to a Gemini model and returns the
// model's text answer.
type Generator interface {
	Generate(ctx context.Context, png []byte, prompt string) (string, error)
}

// GeminiEngine asks a Gemini model for the check fields as JSON.
type GeminiEngine struct {
	gen    Generator
	logger *logging.Logger
}

func NewGeminiEngine(gen Generator) *GeminiEngine {
	return &GeminiEngine{gen: gen, logger: logging.NewLogger("GeminiEngine")}
}

func (e *GeminiEngine) Name() string { return NameGemini }

func (e *GeminiEngine) Extract(ctx context.Context, png []byte) (Fields, string, error) {
	text, err := e.gen.Generate(ctx, png, geminiPrompt)
	if err != nil {
		return Fields{}, "", err
	}
	fields, err := ParseGeminiJSON(text)
	if err != nil {
		return Fields{}, text, err
	}
	return fields, text, nil
}

// ParseGeminiJSON decodes the model's JSON answer, tolerating markdown fences.
func ParseGeminiJSON(text string) (Fields, error) {
	body := text
	if _, after, ok := strings.Cut(body, "```json"); ok {
		body, _, _ = strings.Cut(after, "```")
	} else if _, after, ok := strings.Cut(body, "```"); ok {
		body, _, _ = strings.Cut(after, "```")
	}

	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(body)))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return Fields{}, fmt.Errorf("failed to parse gemini answer: %w", err)
	}

	get := func(key string) *string {
		v, ok := raw[key]
		if !ok || v == nil {
			return nil
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case json.Number:
			s = t.String()
		default:
			s = fmt.Sprint(t)
		}
		return str(strings.TrimSpace(s))
	}

	f := Fields{
		Payee:         get("payee"),
		Amount:        get("amount"),
		AmountWritten: get("amountWritten"),
		CheckDate:     get("checkDate"),
		CheckNumber:   get("checkNumber"),
		BankName:      get("bankName"),
		Memo:          get("memo"),
		MICR: MICR{
			Routing: get("micr_routing"),
			Account: get("micr_account"),
			Serial:  get("micr_serial"),
		},
	}
	if f.Amount != nil {
		f.Amount = str(strings.ReplaceAll(*f.Amount, ",", ""))
	}
	return f, nil
}

// RESTGenerator calls the generateContent REST endpoint with API keys,
// rotating through the ring when a key is rejected or rate limited.
type RESTGenerator struct {
	Endpoint string
	Model    string

	// Sleep after a 403/429 and after any other failure before the next key.
	RateLimitBackoff time.Duration
	ErrorBackoff     time.Duration

	keys       *KeyRing
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *logging.Logger
}

// NewRESTGenerator builds a generator that draws one key from keys per
// attempt, limited to rps requests per second. The caller owns the ring;
// several generators may share one.
func NewRESTGenerator(model string, keys *KeyRing, rps float64) *RESTGenerator {
	return &RESTGenerator{
		Endpoint:         DefaultGeminiEndpoint,
		Model:            model,
		RateLimitBackoff: time.Second,
		ErrorBackoff:     500 * time.Millisecond,
		keys:             keys,
		limiter:          rate.NewLimiter(rate.Limit(rps), 1),
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		logger:           logging.NewLogger("GeminiREST"),
	}
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
	Text       string            `json:"text,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig map[string]interface{} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// errNoCandidates marks a well-formed response without an answer.
var errNoCandidates = errors.New("gemini response has no candidates")

func (g *RESTGenerator) Generate(ctx context.Context, png []byte, prompt string) (string, error) {
	attempts := g.keys.Len()
	if attempts == 0 {
		return "", apperrors.NewCredentialsExhaustedError(0, "no API keys configured")
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{
			{InlineData: &geminiInlineData{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(png)}},
			{Text: prompt},
		}}},
		GenerationConfig: map[string]interface{}{"temperature": 0.1, "maxOutputTokens": 1024},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	last := ""
	for i := 0; i < attempts; i++ {
		key := g.keys.Next()
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}

		text, status, err := g.post(ctx, key, body)
		switch {
		case err == nil:
			metrics.KeyRotations.WithLabelValues("ok").Inc()
			return text, nil
		case errors.Is(err, errNoCandidates):
			metrics.KeyRotations.WithLabelValues("ok").Inc()
			return "", err
		case status == http.StatusForbidden || status == http.StatusTooManyRequests:
			metrics.KeyRotations.WithLabelValues("rate_limited").Inc()
			last = fmt.Sprintf("%d for key %s", status, MaskKey(key))
			g.logger.Warn("Gemini key rejected, rotating", "status", status, "key", MaskKey(key))
			if err := sleepCtx(ctx, g.RateLimitBackoff); err != nil {
				return "", err
			}
		default:
			metrics.KeyRotations.WithLabelValues("error").Inc()
			last = err.Error()
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if err := sleepCtx(ctx, g.ErrorBackoff); err != nil {
				return "", err
			}
		}
	}
	return "", apperrors.NewCredentialsExhaustedError(attempts, last)
}

func (g *RESTGenerator) post(ctx context.Context, key string, body []byte) (string, int, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", strings.TrimRight(g.Endpoint, "/"), g.Model, key)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("request to gemini failed for key %s: %w", MaskKey(key), stripKey(err, key))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, fmt.Errorf("gemini returned status %d for key %s", resp.StatusCode, MaskKey(key))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", resp.StatusCode, errNoCandidates
	}
	return parsed.Candidates[0].Content.Parts[0].Text, resp.StatusCode, nil
}

// stripKey keeps full keys out of transport errors, which quote the URL.
func stripKey(err error, key string) error {
	if key == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), key, MaskKey(key)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
