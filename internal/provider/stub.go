package provider

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
)

// StubProvider is a scripted provider for testing. Responses are returned
// in order; when the script is exhausted a plain-text answer is returned.
type StubProvider struct {
	mu        sync.Mutex
	Responses []Response

	// Requests records every chat request for assertions.
	Requests []ChatRequest

	// FailCalls fails the first N chat calls with ErrUnavailable.
	FailCalls int

	// Loop re-serves the last scripted response forever when true.
	Loop bool
}

type stubError string

func (e stubError) Error() string { return string(e) }

// ErrUnavailable simulates a transient model-service failure.
const ErrUnavailable = stubError("model service unavailable")

func NewStubProvider(responses ...Response) *StubProvider {
	if len(responses) == 0 {
		responses = []Response{
			{Content: "Done.", Usage: Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}},
		}
	}
	return &StubProvider{Responses: responses}
}

func (m *StubProvider) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	if m.FailCalls > 0 {
		m.FailCalls--
		return nil, ErrUnavailable
	}

	if len(m.Responses) == 0 {
		return &Response{Content: "Done.", Usage: Usage{TotalTokens: 5}}, nil
	}

	resp := m.Responses[0]
	if !m.Loop || len(m.Responses) > 1 {
		m.Responses = m.Responses[1:]
	}
	return &resp, nil
}

// Embed returns a deterministic bag-of-words vector so identical texts are
// identical vectors and overlapping texts score high cosine similarity.
func (m *StubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	const dims = 64
	vec := make([]float32, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%dims]++
	}
	return vec, nil
}

func (m *StubProvider) Name() string {
	return "stub"
}
