package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/registry"
)

// ToolProvider is the core's expectation of a tool service.
type ToolProvider interface {
	registry.Provider
	ListTools(ctx context.Context) ([]string, error)
	GetAllToolInfo(ctx context.Context) ([]models.ToolInfo, error)
	Execute(ctx context.Context, name string, params json.RawMessage) (models.ToolResult, error)
}

// ToolBus advertises available tools and executes them with typed
// parameters. Execution is synchronous: the handler records the result on
// the thought.
type ToolBus struct {
	baseBus
}

// NewToolBus builds the tool bus.
func NewToolBus(reg *registry.Registry, sink CorrelationSink) *ToolBus {
	return &ToolBus{baseBus: newBaseBus(models.ServiceTool, reg, sink)}
}

func (b *ToolBus) provider() (ToolProvider, error) {
	p, err := b.registry.Get(b.service, nil)
	if err != nil {
		return nil, err
	}
	tp, ok := p.(ToolProvider)
	if !ok {
		return nil, &models.NoProviderError{Service: string(b.service)}
	}
	return tp, nil
}

// ListTools names every tool available across providers.
func (b *ToolBus) ListTools(ctx context.Context) ([]string, error) {
	p, err := b.provider()
	if err != nil {
		return nil, err
	}
	return p.ListTools(ctx)
}

// GetAllToolInfo returns full tool descriptions with parameter schemas.
func (b *ToolBus) GetAllToolInfo(ctx context.Context) ([]models.ToolInfo, error) {
	p, err := b.provider()
	if err != nil {
		return nil, err
	}
	return p.GetAllToolInfo(ctx)
}

// Execute runs a named tool. Provider errors convert to a failed
// ToolResult so the handler boundary stays exception-free.
func (b *ToolBus) Execute(ctx context.Context, name string, params json.RawMessage, handlerName string) models.ToolResult {
	p, err := b.provider()
	if err != nil {
		return models.ToolResult{ToolName: name, Success: false, Error: "No tool service available"}
	}
	result, err := p.Execute(ctx, name, params)
	if err != nil {
		result = models.ToolResult{ToolName: name, Success: false, Error: err.Error()}
	}

	status := models.CorrelationStatusCompleted
	if !result.Success {
		status = models.CorrelationStatusFailed
	}
	resp, _ := json.Marshal(result)
	b.record(&models.ServiceCorrelation{
		Type:         models.CorrelationServiceInteraction,
		HandlerName:  handlerName,
		ActionType:   string(models.ActionTool),
		RequestData:  params,
		ResponseData: resp,
		Status:       status,
		Timestamp:    time.Now().UTC(),
		Tags:         map[string]string{"tool_name": name},
	})
	return result
}
