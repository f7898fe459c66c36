package engines

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// VertexGenerator reaches Gemini through Vertex AI with application
// default credentials instead of API keys.
type VertexGenerator struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewVertexGenerator connects to Vertex AI in projectID/region.
func NewVertexGenerator(ctx context.Context, projectID, region, model string) (*VertexGenerator, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexGenerator: projectID and region cannot be empty")
	}

	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	m := client.GenerativeModel(model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr[float32](0.1),
		MaxOutputTokens: genai.Ptr[int32](1024),
	}

	return &VertexGenerator{client: client, model: m}, nil
}

func (g *VertexGenerator) Generate(ctx context.Context, png []byte, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.ImageData("png", png), genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("vertex GenerateContent: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errNoCandidates
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String(), nil
}

func (g *VertexGenerator) Close() error {
	return g.client.Close()
}
