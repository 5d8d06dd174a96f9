package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/ollama/ollama/api"
)

type OllamaProvider struct {
	client *api.Client
	model  string
}

func NewOllamaProvider(model string) (*OllamaProvider, error) {
	if model == "" {
		model = "llama3.2"
	}

	baseURL := "http://localhost:11434"
	if envURL := os.Getenv("OLLAMA_HOST"); envURL != "" {
		baseURL = envURL
	}
	uri, _ := url.Parse(baseURL)
	client := api.NewClient(uri, http.DefaultClient)

	return &OllamaProvider{
		client: client,
		model:  model,
	}, nil
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	var apiMsgs []api.Message
	if req.System != "" {
		apiMsgs = append(apiMsgs, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		role := m.Role
		if m.ToolCallID != "" {
			role = "tool"
		}
		apiMsgs = append(apiMsgs, api.Message{
			Role:    role,
			Content: m.Content,
		})
	}

	tools := make([]api.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, toolFromDecl(t))
	}

	chatReq := &api.ChatRequest{
		Model:    p.model,
		Messages: apiMsgs,
		Stream:   new(bool), // false
		Tools:    tools,
	}

	var respContent string
	var totalTokens int
	var toolCalls []ToolCall

	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		respContent += resp.Message.Content
		if resp.Done {
			totalTokens = resp.EvalCount + resp.PromptEvalCount
		}

		for i, tc := range resp.Message.ToolCalls {
			argsBytes, _ := json.Marshal(tc.Function.Arguments)
			toolCalls = append(toolCalls, ToolCall{
				ID:   fmt.Sprintf("call_%d_%s", i, tc.Function.Name),
				Name: tc.Function.Name,
				Args: string(argsBytes),
			})
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("ollama chat failed: %w", err)
	}

	return &Response{
		Content:   respContent,
		ToolCalls: toolCalls,
		Usage:     usageFromTokens(totalTokens),
	}, nil
}

func usageFromTokens(total int) Usage {
	return Usage{
		TotalTokens:      total,
		PromptTokens:     0,
		CompletionTokens: total,
	}
}

// toolFromDecl converts a generic tool declaration into the ollama tool shape.
func toolFromDecl(t ToolDecl) api.Tool {
	props := api.NewToolPropertiesMap()
	var required []string

	if rawProps, ok := t.Parameters["properties"].(map[string]any); ok {
		for name, sub := range rawProps {
			subMap, ok := sub.(map[string]any)
			if !ok {
				continue
			}
			prop := api.ToolProperty{}
			if typ, ok := subMap["type"].(string); ok {
				prop.Type = api.PropertyType{typ}
			}
			if desc, ok := subMap["description"].(string); ok {
				prop.Description = desc
			}
			if enumAny, ok := subMap["enum"].([]any); ok {
				prop.Enum = enumAny
			}
			props.Set(name, prop)
		}
	}

	switch r := t.Parameters["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}

	return api.Tool{
		Type: "function",
		Function: api.ToolFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters: api.ToolFunctionParameters{
				Type:       "object",
				Properties: props,
				Required:   required,
			},
		},
	}
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{
		Model:  p.model,
		Prompt: text,
	}
	resp, err := p.client.Embeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
