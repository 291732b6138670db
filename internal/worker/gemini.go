package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// Gemini invokes the Gemini API with a JSON response MIME type.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini invoker.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemInstruction(req.Kind), genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("gemini generate: %w", err))
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("gemini returned an empty response")
	}
	return decodeJSONObject(text)
}
