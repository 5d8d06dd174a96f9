package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if model == "" {
		model = "gemini-2.5-flash"
	}

	return &GeminiProvider{
		client: client,
		model:  model,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("empty message history")
	}

	geminiModel := p.client.GenerativeModel(p.model)

	if req.System != "" {
		geminiModel.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaFromMap(t.Parameters),
			})
		}
		geminiModel.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	cs := geminiModel.StartChat()

	var history []*genai.Content
	for _, m := range req.Messages[:len(req.Messages)-1] {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}

		content := &genai.Content{Role: role}

		if m.ToolCallID != "" {
			content.Role = "user"
			name := m.ToolName
			if name == "" {
				name = m.ToolCallID
			}
			content.Parts = append(content.Parts, genai.FunctionResponse{
				Name:     name,
				Response: map[string]any{"result": m.Content},
			})
		} else {
			if m.Content != "" {
				content.Parts = append(content.Parts, genai.Text(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				json.Unmarshal([]byte(tc.Args), &args)
				content.Parts = append(content.Parts, genai.FunctionCall{
					Name: tc.Name,
					Args: args,
				})
			}
		}
		history = append(history, content)
	}
	cs.History = history

	lastMsg := req.Messages[len(req.Messages)-1]
	var lastPart genai.Part
	if lastMsg.ToolCallID != "" {
		name := lastMsg.ToolName
		if name == "" {
			name = lastMsg.ToolCallID
		}
		lastPart = genai.FunctionResponse{
			Name:     name,
			Response: map[string]any{"result": lastMsg.Content},
		}
	} else {
		lastPart = genai.Text(lastMsg.Content)
	}

	resp, err := cs.SendMessage(ctx, lastPart)
	if err != nil {
		return nil, fmt.Errorf("gemini completion failed: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates returned")
	}
	cand := resp.Candidates[0]

	var contentStr string
	var toolCalls []ToolCall

	for _, part := range cand.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			contentStr += string(v)
		case genai.FunctionCall:
			argsBytes, _ := json.Marshal(v.Args)
			toolCalls = append(toolCalls, ToolCall{
				ID:   v.Name,
				Name: v.Name,
				Args: string(argsBytes),
			})
		}
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return &Response{
		Content:   contentStr,
		ToolCalls: toolCalls,
		Usage:     usage,
	}, nil
}

func (p *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	em := p.client.EmbeddingModel("text-embedding-004")
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if res.Embedding == nil {
		return nil, fmt.Errorf("no embedding returned")
	}
	return res.Embedding.Values, nil
}

// schemaFromMap converts a JSON-schema style parameter map into a genai.Schema.
// Supports the subset the tool declarations use: object, string, integer,
// number, boolean, plus enum and required.
func schemaFromMap(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}

	s := &genai.Schema{}

	switch m["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	default:
		s.Type = genai.TypeString
	}

	if d, ok := m["description"].(string); ok {
		s.Description = d
	}

	if enum, ok := m["enum"].([]string); ok {
		s.Enum = enum
	} else if enumAny, ok := m["enum"].([]any); ok {
		for _, e := range enumAny {
			if str, ok := e.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}

	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, sub := range props {
			if subMap, ok := sub.(map[string]any); ok {
				s.Properties[name] = schemaFromMap(subMap)
			}
		}
	}

	if reqd, ok := m["required"].([]string); ok {
		s.Required = reqd
	} else if reqdAny, ok := m["required"].([]any); ok {
		for _, r := range reqdAny {
			if str, ok := r.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}

	return s
}
