package ai

import (
	"context"
	"fmt"
	"strings"

	"repairhub/pkg/domain"
)

// OllamaGenerator runs a local vision-capable model through /api/chat.
type OllamaGenerator struct {
	client *OllamaClient
	model  string
}

func NewOllamaGenerator(client *OllamaClient, model string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: model}
}

// Generate implements Generator. Grounding is ignored.
func (g *OllamaGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	model := strings.TrimSpace(g.model)
	if model == "" {
		return Response{}, fmt.Errorf("ollama generation model required")
	}

	messages := make([]ollamaChatMessage, 0, len(req.History)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, turn := range req.History {
		role := "user"
		if turn.Role == domain.RoleExpert {
			role = "assistant"
		}
		messages = append(messages, ollamaChatMessage{Role: role, Content: turn.Text})
	}
	last := ollamaChatMessage{Role: "user", Content: req.Prompt}
	if len(req.Image) > 0 {
		// []byte marshals as base64, which is what Ollama expects
		last.Images = [][]byte{req.Image}
	}
	messages = append(messages, last)

	reqBody := ollamaChatRequest{Model: model, Messages: messages, Stream: false}
	if req.Temperature > 0 {
		reqBody.Options = &ollamaOptions{Temperature: req.Temperature}
	}

	var resp ollamaChatResponse
	if _, err := g.client.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return Response{}, fmt.Errorf("ollama generate: %w", err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return Response{}, ErrEmptyResponse
	}
	return Response{Text: text}, nil
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  [][]byte `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaOptions      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}
