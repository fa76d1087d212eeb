package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for Client.
type MockClient struct {
	mu            sync.Mutex
	DefaultResult string
	Results       []string // consumed one per Invoke before DefaultResult
	Errs          []error  // consumed one per Invoke before InvokeErr applies
	InvokeErr     error
	History       []InvokeCall
}

// InvokeCall records one call to Invoke.
type InvokeCall struct {
	System   string
	Messages []Message
}

// NewMockClient creates a MockClient with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{DefaultResult: "Mock LLM response"}
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) Invoke(_ context.Context, system string, messages []Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Errs) > 0 {
		err := m.Errs[0]
		m.Errs = m.Errs[1:]
		if err != nil {
			return "", err
		}
	} else if m.InvokeErr != nil {
		return "", m.InvokeErr
	}
	m.History = append(m.History, InvokeCall{System: system, Messages: messages})
	if len(m.Results) > 0 {
		result := m.Results[0]
		m.Results = m.Results[1:]
		return result, nil
	}
	return m.DefaultResult, nil
}

// InvokeHistory returns a copy of all recorded calls.
func (m *MockClient) InvokeHistory() []InvokeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InvokeCall, len(m.History))
	copy(out, m.History)
	return out
}
