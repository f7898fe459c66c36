package engines

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/adverant/nexus/checkextract-worker/internal/logging"
)

// VLMQuerier is the transport under VLMEngine; clients.VLMClient satisfies it.
type VLMQuerier interface {
	Query(ctx context.Context, png []byte, temperature float64) ([]interface{}, error)
}

// VLMEngine transcribes a check with a document-reasoning model and parses
// the markdown it returns. A breaker stops hammering an endpoint that keeps
// failing.
type VLMEngine struct {
	client      VLMQuerier
	temperature float64
	breaker     *gobreaker.CircuitBreaker[[]interface{}]
	logger      *logging.Logger
}

func NewVLMEngine(client VLMQuerier, temperature float64) *VLMEngine {
	logger := logging.NewLogger("VLMEngine")
	cb := gobreaker.NewCircuitBreaker[[]interface{}](gobreaker.Settings{
		Name:        NameNuMarkdown,
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("VLM circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &VLMEngine{client: client, temperature: temperature, breaker: cb, logger: logger}
}

func (e *VLMEngine) Name() string { return NameNuMarkdown }

func (e *VLMEngine) Extract(ctx context.Context, png []byte) (Fields, string, error) {
	out, err := e.breaker.Execute(func() ([]interface{}, error) {
		return e.client.Query(ctx, png, e.temperature)
	})
	if err != nil {
		return Fields{}, "", err
	}

	// Outputs are [thinking, answer]; some deployments return only the answer.
	var text string
	switch {
	case len(out) >= 2:
		text, _ = out[1].(string)
	case len(out) == 1:
		text, _ = out[0].(string)
	}
	if text == "" {
		return Fields{}, "", fmt.Errorf("VLM returned no answer text")
	}

	answer := AnswerBlock(text)
	return ParseMarkdown(answer), answer, nil
}
