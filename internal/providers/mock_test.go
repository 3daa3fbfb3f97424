package providers

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"chatgateway/internal/core"
)

// mockProvider is a configurable core.Provider for registry and router tests.
type mockProvider struct {
	name            string
	models          []core.Model
	err             error
	listModelsDelay time.Duration
	listCalls       atomic.Int32
	lastModel       atomic.Value
	functions       bool
}

func (m *mockProvider) ChatCompletion(_ context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	m.lastModel.Store(req.Model)
	if m.err != nil {
		return nil, m.err
	}
	return &core.ChatResponse{
		Model:   req.Model,
		Choices: []core.Choice{{Message: core.Message{Role: core.RoleAssistant, Content: "from " + m.name}}},
	}, nil
}

func (m *mockProvider) StreamChatCompletion(_ context.Context, req *core.ChatRequest) (core.DeltaStream, error) {
	m.lastModel.Store(req.Model)
	if m.err != nil {
		return nil, m.err
	}
	return &emptyStream{}, nil
}

func (m *mockProvider) ListModels(ctx context.Context) ([]core.Model, error) {
	m.listCalls.Add(1)
	if m.listModelsDelay > 0 {
		select {
		case <-time.After(m.listModelsDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.models, nil
}

func (m *mockProvider) SupportsFunctions(string) bool {
	return m.functions
}

func (m *mockProvider) calledWith() string {
	v, _ := m.lastModel.Load().(string)
	return v
}

type emptyStream struct{}

func (emptyStream) Next() (core.Delta, error) { return core.Delta{}, io.EOF }
func (emptyStream) Usage() (core.Usage, bool) { return core.Usage{}, false }
func (emptyStream) Close() error              { return nil }
