package synth

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"marketscope/internal/logging"
)

// GenAIClient synthesizes artifacts through Google's Gemini API, requesting
// strict JSON output so responses can be contract-checked directly.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a Gemini-backed synthesizer.
func NewGenAIClient(apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClient{client: client, model: model}, nil
}

// Synthesize sends the prompt and parses the JSON response. The declared
// section contract is embedded in the instruction so the model knows the
// required shape; validation still happens on our side.
func (g *GenAIClient) Synthesize(ctx context.Context, p Prompt) (map[string]any, error) {
	instruction, err := buildInstruction(p)
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{
		genai.NewContentFromText(instruction, genai.RoleUser),
	}
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return nil, fmt.Errorf("GenAI returned an empty response")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("GenAI response is not valid JSON: %w", err)
	}

	logging.Synth("GenAI %s response for %s parsed (%d bytes)", p.Kind, p.CategoryID, len(text))
	return payload, nil
}

func buildInstruction(p Prompt) (string, error) {
	inputs, err := json.Marshal(p.Inputs)
	if err != nil {
		return "", fmt.Errorf("marshal synthesis inputs: %w", err)
	}
	required, err := json.Marshal(RequiredSections(p.Kind))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"You are a market research analyst. Produce the %s artifact for category %q, month %s.\n"+
			"Respond with a single JSON object containing at least these top-level keys: %s.\n"+
			"Upstream inputs:\n%s",
		p.Kind, p.CategoryID, p.Month, required, inputs), nil
}
